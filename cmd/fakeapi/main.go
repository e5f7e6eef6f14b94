// Package main serves the in-memory host API for local development against
// vetsyncd or the vetsync CLI.
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

	"github.com/vetpulse/vetsync/internal/fakeapi"
	"github.com/vetpulse/vetsync/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8091", "listen address")
	token := flag.String("token", os.Getenv("VETSYNC_API_TOKEN"), "bearer token clients must present (optional)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.Set(logging.New(os.Stderr, logging.ParseLevel(*level), logging.FormatConsole))

	srv := fakeapi.New(fakeapi.Options{Token: *token, RequestLog: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Echo().Shutdown(shutdownCtx)
	}()

	logging.Info("fake host API listening", map[string]interface{}{"addr": *addr})
	if err := srv.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, "fakeapi:", err)
		os.Exit(1)
	}
}
