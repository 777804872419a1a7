package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"hostel/internal/app"
	"hostel/internal/config"
	"hostel/internal/logging"
	"hostel/internal/metrics"
	"hostel/internal/sweep"
)

// Worker runs the payment-deadline sweep on a fixed interval.
func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName+"-worker")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	svc, err := app.Build(startCtx, cfg, logger, reg)
	startCancel()
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	s, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if _, err := sweep.Schedule(ctx, s, svc.Sweep, cfg.SweepInterval, svc.WorkerPolicy,
		gocron.WithStartAt(gocron.WithStartImmediately())); err != nil {
		logger.Fatal("schedule sweep failed", zap.Error(err))
	}
	s.Start()
	logger.Info("worker started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.String("policy", string(svc.WorkerPolicy)),
		zap.String("metrics_port", cfg.MetricsPort))

	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}
