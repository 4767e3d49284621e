package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/api"
	"github.com/irfndi/polycorr/internal/api/handlers"
	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/logging"
	"github.com/spf13/cobra"
)

const serviceName = "polycorr"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the periodic refresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func newRouter(app *application) *gin.Engine {
	gin.SetMode(app.cfg.Server.Mode)
	router := gin.New()

	svc := api.Services{
		DB:       app.db,
		Graph:    app.graph,
		Refresh:  app.refresh,
		Backtest: app.backtest,
		Metrics:  app.collector.Handler(),
	}
	// A nil *RedisClient must not become a non-nil interface.
	var redis handlers.HealthChecker
	if app.redis != nil {
		redis = app.redis
	}
	svc.Redis = redis

	api.SetupRoutes(router, app.cfg.Server, svc, app.logger, version)
	return router
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := newHTTPServer(app.cfg.Server, newRouter(app))

	if app.cfg.Refresh.Enabled {
		app.refresh.Start()
	} else {
		app.logger.Info("Periodic refresh disabled")
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.LogStartup(app.logger, serviceName, version, app.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logging.LogShutdown(app.logger, serviceName, "signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()
	app.refresh.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	app.logger.Info("Server exited gracefully")
	return nil
}
