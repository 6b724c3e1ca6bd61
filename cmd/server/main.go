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
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/api"
	"github.com/mesahub/mesa/internal/config"
	"github.com/mesahub/mesa/internal/db"
	"github.com/mesahub/mesa/internal/dispatch"
	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/notify"
	"github.com/mesahub/mesa/internal/observ"
	"github.com/mesahub/mesa/internal/realtime"
	"github.com/mesahub/mesa/internal/redis"
	"github.com/mesahub/mesa/internal/sched"
	"github.com/mesahub/mesa/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mesa delivery engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := notify.NewRepository(database, logger)

	// Initialize Redis for rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger)
		defer redisClient.Close()
	}

	// Realtime layer: connection registry, group membership, socket hub.
	clock := sched.RealClock()
	registry := realtime.NewRegistry(logger)
	groups := realtime.NewGroupManager(registry, logger)
	hub := ws.NewHub(logger)

	// Dispatcher with replay store behind it.
	store := dispatch.NewStore(cfg.StoreTTL, 500, clock)
	dispatcher := dispatch.New(registry, hub, store, clock, dispatch.Config{
		BaseDelay:     2 * time.Second,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   5,
		StaleLowAfter: 30 * time.Second,
		AckTimeout:    cfg.DeliveryTimeout,
	}, logger)

	// Durable notification queue on top of the dispatcher.
	queue := notify.NewQueue(repo, dispatcher, registry, notify.NewLimiter(rateLimiter), clock, notify.Config{
		BatchSize:       100,
		DeliveryTimeout: cfg.DeliveryTimeout,
		BackoffCap:      30 * time.Second,
		BufferTTL:       cfg.BufferTTL,
		Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, logger)

	// A target coming online flushes anything buffered for it. The flush
	// runs on its own goroutine: presence callbacks fire on the websocket
	// read loop, and a flushed delivery blocks until that same loop reads
	// the ack.
	registry.OnPresence(func(targetType, targetID string) {
		go queue.FlushTarget(context.Background(), targetType, targetID)
	})

	wsHandler := ws.NewHandler(hub, registry, groups, dispatcher, logger)

	// Background work: queue drains, replay sweep, buffer prune,
	// idle-connection reaping, durable retention.
	scheduler := sched.New(clock, logger)
	scheduler.EveryWake("dispatch", cfg.DispatchTick, dispatcher.Wake(), dispatcher.ProcessPending)
	scheduler.Every("notify", cfg.QueueTick, queue.ProcessOnce)
	scheduler.Every("store-sweep", 1*time.Hour, dispatcher.SweepStore)
	scheduler.Every("buffer-prune", 5*time.Minute, queue.PruneBufferOnce)
	scheduler.Every("connection-reaper", 5*time.Minute, func(ctx context.Context) {
		registry.Cleanup(cfg.MaxIdleAge)
	})
	scheduler.Every("retention", 24*time.Hour, queue.CleanupOnce)

	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, queue, repo, registry)
	r.Route("/v1", func(r chi.Router) {
		// Request timeout stays off the websocket route below; a socket
		// is one long-lived request.
		r.Use(middleware.Timeout(30 * time.Second))

		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, redis.Window{
			Limit:    100,             // 100 requests
			Duration: 1 * time.Minute, // per minute per tenant
		}, logger, api.TenantKeyFunc))

		handler.Routes(r)
	})

	// WebSocket endpoint sits outside the timeout and rate limit.
	r.Handle("/ws", wsHandler)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
