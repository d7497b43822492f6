package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetscribe/transcript-gateway/internal/buffer"
	"github.com/meetscribe/transcript-gateway/internal/config"
	"github.com/meetscribe/transcript-gateway/internal/hub"
	"github.com/meetscribe/transcript-gateway/internal/lifecycle"
	"github.com/meetscribe/transcript-gateway/internal/observability"
	"github.com/meetscribe/transcript-gateway/internal/store"
	"github.com/meetscribe/transcript-gateway/internal/stream"
	"github.com/meetscribe/transcript-gateway/internal/writer"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("deepgram_model", cfg.DeepgramModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcript Gateway starting")

	// Durable store with schema migration
	st, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}

	provider := stream.NewDeepgramProvider(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.DeepgramLanguage, logger)

	viewerHub := hub.NewHub(hub.Config{
		QueueSize:    cfg.ViewerQueueSize,
		WriteTimeout: time.Duration(cfg.ViewerWriteTimeoutMs) * time.Millisecond,
		PingInterval: time.Duration(cfg.ViewerPingIntervalMs) * time.Millisecond,
		PongTimeout:  time.Duration(cfg.ViewerPongTimeoutMs) * time.Millisecond,
	}, logger)

	controller := lifecycle.NewController(lifecycle.Config{
		Stream: stream.Config{
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
			ReconnectBackoff:     time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond,
			ReconnectMaxBackoff:  time.Duration(cfg.ReconnectMaxBackoffMs) * time.Millisecond,
			QueueSize:            cfg.EventQueueSize,
			BreakerMaxFailures:   cfg.CircuitBreakerMaxFailures,
			BreakerResetTimeout:  time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		},
		Buffer: buffer.Config{
			Window:      cfg.ReorderWindow(),
			MaxSegments: cfg.BufferMaxSegments,
		},
		Writer: writer.Config{
			MaxBatch:      cfg.BatchMaxSegments,
			FlushInterval: cfg.BatchFlushInterval(),
			WriteTimeout:  time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
			RetryAttempts: cfg.WriterRetryMaxAttempts,
			RetryBackoff:  time.Duration(cfg.WriterRetryBackoffMs) * time.Millisecond,
			HoldMax:       cfg.WriterHoldMaxBatches,
		},
		SweepInterval: time.Duration(cfg.BufferSweepMs) * time.Millisecond,
		DrainTimeout:  cfg.DrainTimeout(),
	}, st, viewerHub, provider, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/meeting", lifecycle.WebhookHandler(controller, logger))
	r.Get("/live", hub.ServeWS(viewerHub, controller.MeetingStatus, logger))
	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"database": func(ctx context.Context) (bool, error) {
			if err := st.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"deepgram": func(ctx context.Context) (bool, error) {
			// Config validation only; no billable API call on every probe.
			if cfg.DeepgramAPIKey == "" {
				return false, fmt.Errorf("deepgram API key not configured")
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/live", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain active meetings before closing the listener so buffered
	// segments reach the database.
	controller.Shutdown(ctx)

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
