// Package main wires together the tracker API service.
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

	"github.com/ckessler/competitrack/internal/api"
	"github.com/ckessler/competitrack/internal/app"
	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/logging"
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

	// Recurring jobs live in this process; reconcile them at boot.
	outcomes, err := a.Scheduler.ScheduleAll(ctx)
	if err != nil {
		logger.Error("initial schedule sweep failed", zap.Error(err))
	} else {
		logger.Info("initial schedule sweep", zap.Int("targets", len(outcomes)))
	}

	apiServer := api.NewServer(
		a.Scheduler,
		a.Targets,
		a.Changes,
		a.Limiter,
		a.Clock,
		cfg,
		logging.Component(logger, "api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("job broker started", zap.Int("concurrency", cfg.Jobs.Concurrency))
		a.RunBroker(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
