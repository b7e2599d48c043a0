package controllers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/goswarm/internal/app"
)

type PeerController struct {
	App *app.Context
}

func (ctrl *PeerController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"self":  ctrl.App.PeerID,
		"peers": ctrl.App.Session.Peers(),
	})
}
