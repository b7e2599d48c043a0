package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/goswarm/internal/api"
	"github.com/datallboy/goswarm/internal/app"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/tracker"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node: join the swarms of every known manifest and expose the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(true)
			if err != nil {
				return err
			}

			// Setup Signal Handling for Graceful Shutdown
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := app.NewContext(cfg, log)
			if err := a.Open(ctx); err != nil {
				return err
			}
			defer a.Close()

			log.Info("Node %s starting", a.PeerID)
			if err := a.LoadManifests(ctx); err != nil {
				return err
			}

			e := echo.New()
			api.RegisterRoutes(e, a)

			return serveHTTP(ctx, ":"+cfg.Port, e, log)
		},
	}
}

func newTrackerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tracker",
		Short: "Run a websocket tracker hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := tracker.NewHub(cfg.Tracker.KeepAlive, log.With("hub"))
			e := echo.New()
			hub.RegisterRoutes(e)

			return serveHTTP(ctx, cfg.Tracker.Listen, e, log)
		},
	}
}

// serveHTTP runs handler on addr until ctx ends, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
