// Package main runs the capture worker without the operator API. It keeps
// the recurring schedule reconciled and executes jobs until stopped, serving
// only health and metrics endpoints.
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

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/app"
	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	logger := a.Logger
	zap.ReplaceGlobals(logger)

	outcomes, err := a.Scheduler.ScheduleAll(ctx)
	if err != nil {
		logger.Error("schedule sweep failed", zap.Error(err))
		os.Exit(1)
	}
	scheduled := 0
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			scheduled++
		}
	}
	logger.Info("schedule sweep finished",
		zap.Int("scheduled", scheduled),
		zap.Int("targets", len(outcomes)),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("worker started", zap.Int("concurrency", cfg.Jobs.Concurrency))
	a.RunBroker(ctx)

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
