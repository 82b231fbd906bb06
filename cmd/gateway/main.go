// Command gateway runs the real-time agent messaging gateway: WebSocket
// upgrade, NATS ingress, and HTTP health/metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"

	"github.com/relaymesh/gateway/internal/config"
	"github.com/relaymesh/gateway/internal/core"
	"github.com/relaymesh/gateway/internal/logging"
	"github.com/relaymesh/gateway/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	gw, err := core.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire gateway core")
	}

	natsRouter, err := router.Connect(router.Config{
		URL:           cfg.NATSURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if err := gw.AttachRouter(natsRouter); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe router")
	}

	gw.Workers.Start(gw.Context())
	go gw.Heartbeat.Run(gw.Context())
	go gw.Retry.Run(gw.Context().Done())
	go gw.ResourceGuard.Run(gw.Context(), 5*time.Second)

	if err := gw.Housekeeping.Every(time.Minute, "buffer_depth_sample", func() {
		gw.Metrics.BufferDepth.Set(float64(gw.Buffer.GlobalDepth()))
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule housekeeping job")
	}
	if err := gw.Housekeeping.Every(cfg.SendingRecoveryDeadline, "buffer_recover_stale_sending", func() {
		gw.Buffer.RecoverStale(cfg.SendingRecoveryDeadline)
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule housekeeping job")
	}
	gw.Housekeeping.Start()

	mux := chi.NewRouter()
	mux.Get("/ws", gw.HandleUpgrade)
	mux.Get("/healthz", healthHandler(gw))
	mux.Get("/readyz", readyHandler(gw))
	mux.Handle("/metrics", promhttp.HandlerFor(gw.Metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	gw.Shutdown()
	logger.Info().Msg("gateway shut down cleanly")
}

func waitForShutdown(logger zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
}

func healthHandler(gw *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if gw.ResourceGuard.CurrentCPUPercent() > gw.Config.MaxCPUPercent {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"connections": gw.Registry.Count(),
			"cpu_percent": gw.ResourceGuard.CurrentCPUPercent(),
			"mem_percent": gw.ResourceGuard.CurrentMemoryPercent(),
			"buffer_depth": gw.Buffer.GlobalDepth(),
		})
	}
}

func readyHandler(gw *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
