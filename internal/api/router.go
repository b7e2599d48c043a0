package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/goswarm/internal/api/controllers"
	"github.com/datallboy/goswarm/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	contentCtrl := &controllers.ContentController{App: app}
	peerCtrl := &controllers.PeerController{App: app}

	api := e.Group("/api")

	api.GET("/contents", contentCtrl.List)
	api.GET("/contents/:hash", contentCtrl.Get)
	api.DELETE("/contents/:hash", contentCtrl.Delete)
	api.POST("/contents/:hash/refresh", contentCtrl.Refresh)

	// Blocks until the segment is local, fetching it from the swarm if needed
	api.GET("/contents/:hash/segments/:index", contentCtrl.Segment)

	api.POST("/manifests", contentCtrl.AddManifest)

	api.GET("/peers", peerCtrl.List)
}
