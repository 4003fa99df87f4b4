// Package main is the entry point for the payments API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetrent/payments/internal/api"
	"github.com/fleetrent/payments/internal/auth"
	"github.com/fleetrent/payments/internal/booking"
	"github.com/fleetrent/payments/internal/config"
	"github.com/fleetrent/payments/internal/db"
	"github.com/fleetrent/payments/internal/flutterwave"
	"github.com/fleetrent/payments/internal/health"
	"github.com/fleetrent/payments/internal/metrics"
	"github.com/fleetrent/payments/internal/middleware"
	"github.com/fleetrent/payments/internal/notify"
	"github.com/fleetrent/payments/internal/payment"
	"github.com/fleetrent/payments/internal/payout"
	"github.com/fleetrent/payments/internal/tracing"
	"github.com/fleetrent/payments/internal/webhook"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if *help {
		fmt.Println("Fleetrent Payments API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("configuration error", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx := context.Background()

	// Database
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	// Tracing
	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "payments-api",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	reconMetrics := metrics.NewMetrics()
	if err := reconMetrics.Register(registry); err != nil {
		logger.Error("failed to register reconciliation metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}

	// Redis backs the notification queue; without it jobs stay in-process.
	var notifier notify.Notifier
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opt)
		defer redisClient.Close()
		notifier = notify.NewRedisNotifier(redisClient, logger)
		redisChecker = health.NewRedisChecker(redisClient)
	} else {
		logger.Warn("REDIS_URL not set, notification jobs will not survive restarts")
		notifier = notify.NewInMemoryNotifier()
	}

	// Provider client
	providerOpts := []flutterwave.Option{flutterwave.WithLogger(logger)}
	if cfg.FlutterwaveBaseURL != "" {
		providerOpts = append(providerOpts, flutterwave.WithBaseURL(cfg.FlutterwaveBaseURL))
	}
	provider := flutterwave.NewClient(cfg.FlutterwaveSecretKey, providerOpts...)

	verifier, err := webhook.NewVerifier(cfg.FlutterwaveWebhookHash)
	if err != nil {
		logger.Error("failed to initialize webhook verifier", "error", err)
		os.Exit(1)
	}

	jwtService := auth.NewJWTServiceWithRotation(cfg.GetJWTSecrets())

	// Repositories and services
	bookingRepo := booking.NewPostgresRepository(sqlDB, logger)
	paymentRepo := payment.NewPostgresRepository(sqlDB, logger)
	payoutRepo := payout.NewPostgresRepository(sqlDB, logger)

	confirmer := booking.NewConfirmationService(bookingRepo, notifier, logger)
	charges := payment.NewChargeReconciler(paymentRepo, bookingRepo, provider, confirmer, reconMetrics, logger)
	refunds := payment.NewRefundService(paymentRepo, bookingRepo, provider, notifier, reconMetrics, logger)
	payouts := payout.NewService(payoutRepo, bookingRepo, provider, notifier, reconMetrics, logger)

	// Handlers
	webhookHandlers := api.NewWebhookHandlers(verifier, charges, refunds, payouts, reconMetrics)
	paymentHandlers := api.NewPaymentHandlers(bookingRepo, paymentRepo, refunds, provider, cfg.PaymentRedirectURL)
	payoutHandlers := api.NewPayoutHandlers(payouts)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      health.NewDBChecker(sqlDB),
		RedisChecker:   redisChecker,
		MetricsEnabled: true,
	})

	// Per-route rate limits on the user-facing payment endpoints
	rateLimitStore := middleware.NewInMemoryRateLimitStore()
	initiateLimiter := middleware.RateLimiter(rateLimitStore, middleware.DefaultInitiateLimit(), middleware.UserKeyFunc(), httpMetrics)
	refundLimiter := middleware.RateLimiter(rateLimitStore, middleware.DefaultRefundLimit(), middleware.UserKeyFunc(), httpMetrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/webhooks/flutterwave", webhookHandlers.HandleFlutterwaveWebhook)
	mux.Handle("/payments/initiate", initiateLimiter(http.HandlerFunc(paymentHandlers.InitiatePayment)))
	mux.Handle("/payments/", refundLimiter(http.HandlerFunc(paymentHandlers.HandlePayment)))
	mux.HandleFunc("/internal/payouts/", payoutHandlers.RunPayout)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"payments-api","version":"0.0.1"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware: RequestID -> Tracing -> CORS -> Auth -> Logging -> HTTPMetrics
	var handler http.Handler = mux
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Auth(jwtService)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           3600,
	})(handler)
	handler = middleware.Tracing("payments-api")(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:     cfg.ProfilingEnabled,
		Environment: cfg.Env,
	})(handler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down tracer provider", "error", err)
	}

	logger.Info("server stopped")
}
