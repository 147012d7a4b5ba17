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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking-widget/internal/agent"
	"github.com/wolfman30/clinic-booking-widget/internal/api/router"
	"github.com/wolfman30/clinic-booking-widget/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-widget/internal/config"
	httpmiddleware "github.com/wolfman30/clinic-booking-widget/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic booking widget server",
		"env", cfg.Env,
		"port", cfg.Port,
		"agent_api", cfg.AgentAPIBaseURL,
	)

	handler, cleanup, err := setup(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setup wires every dependency and returns the HTTP handler plus a cleanup
// function for resources that outlive a request.
func setup(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (http.Handler, func(), error) {
	metricsHandler, widgetMetrics := setupMetrics()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		logger.Info("transcript mirror enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.TranscriptTTL.String())
	}

	backend := agent.NewClient(cfg.AgentAPIBaseURL, logger.Component("agent"), agent.WithTimeout(cfg.AgentAPITimeout))
	widgetHandler, err := bootstrap.BuildWidgetHandler(cfg, backend, bootstrap.BuildTranscriptFactory(redisClient, cfg), widgetMetrics, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, nil, err
	}

	handler := router.New(&router.Config{
		Logger:             logger,
		Widget:             widgetHandler,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ViewRateLimiter:    httpmiddleware.NewRateLimiter(5, 10),
	})

	cleanup := func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}
	}
	return handler, cleanup, nil
}

// setupMetrics builds a private registry with the widget and runtime
// collectors.
func setupMetrics() (http.Handler, *metrics.WidgetMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewWidgetMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}
