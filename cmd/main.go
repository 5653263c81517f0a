package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"care-orchestrator/internal/app"
	"care-orchestrator/internal/logger"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode, logger.WithLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	// ---- Clients ----
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to wire orchestrator", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	// ---- Serve ----
	if os.Getenv("MODE") == "http" {
		if err := serveHTTP(cfg, a, log); err != nil {
			log.Error("http server stopped", "error", err)
			os.Exit(1)
		}
		return
	}
	lambda.Start(a.Handler.Handle)
}

// serveHTTP runs the long-lived mode: the API, Prometheus metrics and the
// in-process inactivity sweep.
func serveHTTP(cfg app.Config, a *app.App, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	if _, err := a.Sweeper.Schedule(sched, cfg.SweepSchedule); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", a.Handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
