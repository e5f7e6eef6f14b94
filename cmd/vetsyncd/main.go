// Package main runs the vetsync daemon. Local clients talk to it over REST
// and a WebSocket event stream on localhost.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vetpulse/vetsync/cmd/vetsyncd/handlers"
	"github.com/vetpulse/vetsync/internal/app"
	"github.com/vetpulse/vetsync/internal/config"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/sync/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "vetsyncd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app.InitLogging(cfg)
	defer logging.Get().Sync()

	a, err := app.New(cfg, app.Options{Online: true})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	a.Engine.SetEventHandler(hub)
	a.Entities.SetOnChange(hub.OnEntityChange)

	sched := scheduler.NewScheduler(a.Engine, a.Queue, a.Session, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		QueueInterval: cfg.Sync.QueueInterval,
		RunTimeout:    cfg.Sync.RunTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := newServer(a, sched, hub)

	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("vetsyncd listening", map[string]interface{}{
			"addr":      cfg.Daemon.ListenAddr,
			"data_dir":  cfg.DataDir,
			"api":       cfg.API.BaseURL,
			"tenant_id": cfg.Session.TenantID,
		})
		if err := e.Start(cfg.Daemon.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("vetsyncd shutting down", nil)
	a.Engine.CancelSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newServer(a *app.App, sched *scheduler.Scheduler, hub *WSHub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logging.Debug("request", map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			return nil
		},
	}))

	handlers.New(a, sched).Register(e)
	e.GET("/ws", echo.WrapHandler(HandleWebSocket(hub)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
