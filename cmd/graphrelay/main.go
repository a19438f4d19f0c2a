// GraphRelay
//
// Relays Microsoft Graph change notifications to a downstream workflow
// engine. Owns the full subscription lifecycle (create, renew, replace),
// terminates Graph webhooks with validation and dedup, and delivers
// canonical events with per-subscription ordering and bounded retry.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.graphrelay.tech/internal/api"
	"go.graphrelay.tech/internal/common/health"
	"go.graphrelay.tech/internal/common/lifecycle"
	"go.graphrelay.tech/internal/config"
	"go.graphrelay.tech/internal/dispatch"
	"go.graphrelay.tech/internal/gateway"
	"go.graphrelay.tech/internal/graph"
	"go.graphrelay.tech/internal/retry"
	"go.graphrelay.tech/internal/subscription"
	"go.graphrelay.tech/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting GraphRelay",
		"version", version,
		"build_time", buildTime)

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Config, secrets, MongoDB connection, indexes
	app, cleanup, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. GRAPH PROVIDER SETUP
	// ========================================
	tokens := graph.NewClientCredentialsTokenSource(graph.ClientCredentialsConfig{
		TokenURL:     app.Config.Graph.TokenEndpoint(),
		ClientID:     app.Config.Graph.ClientID,
		ClientSecret: app.GraphClientSecret,
	})

	graphClient := graph.NewClient(graph.ClientConfig{
		BaseURL: app.Config.Graph.BaseURL,
	}, tokens)

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	warnings := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warnings)

	// Subscription store and lifecycle manager
	repo := subscription.NewRepository(app.Mongo.Database())
	manager := subscription.NewManager(repo, graphClient, warnings, subscription.ManagerConfig{
		PublicBaseURL:         app.Config.Gateway.PublicBaseURL,
		Lifetime:              app.Config.Graph.SubscriptionLifetime,
		RenewalWindowFraction: app.Config.Graph.RenewalWindowFraction,
		CheckInterval:         app.Config.Graph.RenewalCheckInterval,
		RecordGracePeriod:     app.Config.Graph.RecordGracePeriod,
	})

	// Dedup store (memory or Redis)
	dedupStore, dedupCheck, err := setupDedupStore(app)
	if err != nil {
		slog.Error("Failed to setup dedup store", "error", err)
		os.Exit(1)
	}

	// Downstream consumer and dispatcher
	dispatcher := setupDispatcher(app, warnings)

	// Webhook gateway
	gatewayHandler := gateway.NewHandler(repo, dedupStore, dispatcher, warnings,
		app.Config.Gateway.AcceptTimeout)

	// Management API
	subscriptionHandler := api.NewSubscriptionHandler(manager)
	authMiddleware := api.NewAuthMiddleware([]byte(app.AdminJWTKey),
		app.Config.Admin.Issuer, app.Config.DevMode)

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.Mongo.Ping(pingCtx)
	}))
	healthChecker.AddReadinessCheck(health.ServiceCheck("Dispatcher", dispatcher.Health))
	healthChecker.AddReadinessCheck(health.ServiceCheck("SubscriptionManager", manager.Health))
	healthChecker.AddReadinessCheck(health.SubscriptionCoverageCheck(subscriptionCoverage(repo)))
	if dedupCheck != nil {
		healthChecker.AddReadinessCheck(dedupCheck)
	}

	// HTTP router and server
	httpRouter := setupHTTPRouter(app.Config, healthChecker, gatewayHandler,
		subscriptionHandler, warningHandler, authMiddleware)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Dispatcher first so the gateway can submit from the first request,
	// HTTP server last so shutdown stops intake before draining.
	services := []lifecycle.Service{
		dispatcher,
		manager,
		lifecycle.NewHTTPService("http-server", httpServer),
	}

	slog.Info("GraphRelay ready",
		"port", app.Config.HTTP.Port,
		"publicBaseURL", app.Config.Gateway.PublicBaseURL,
		"consumerURL", app.Config.Dispatch.ConsumerURL,
		"dedupBackend", app.Config.Gateway.DedupBackend)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("GraphRelay stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("GRAPHRELAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupDedupStore builds the dedup store named in configuration.
// Returns the store and a readiness check for backends that have one.
func setupDedupStore(app *lifecycle.App) (gateway.DedupStore, health.CheckFunc, error) {
	cfg := app.Config.Gateway

	switch cfg.DedupBackend {
	case "", "memory":
		return gateway.NewMemoryDedupStore(cfg.DedupWindow), nil, nil

	case "redis":
		store, err := gateway.NewRedisDedupStore(gateway.RedisDedupConfig{
			URL:    cfg.RedisURL,
			Window: cfg.DedupWindow,
		})
		if err != nil {
			return nil, nil, err
		}
		app.AddCleanup(func() error {
			slog.Info("Closing Redis dedup store")
			return store.Close()
		})
		check := health.RedisCheck(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		})
		return store, check, nil

	default:
		return nil, nil, fmt.Errorf("unknown dedup backend: %s (use 'memory' or 'redis')", cfg.DedupBackend)
	}
}

// setupDispatcher builds the downstream consumer and its dispatcher.
func setupDispatcher(app *lifecycle.App, warnings warning.Service) *dispatch.Dispatcher {
	cfg := app.Config.Dispatch

	consumerCfg := dispatch.DefaultConsumerConfig()
	consumerCfg.URL = cfg.ConsumerURL
	consumerCfg.AuthToken = app.ConsumerAuthToken
	consumerCfg.Timeout = cfg.Timeout
	consumerCfg.CircuitBreakerEnabled = cfg.CircuitBreakerEnabled

	consumer := dispatch.NewHTTPConsumer(consumerCfg)

	return dispatch.NewDispatcher(consumer, warnings, dispatch.Config{
		QueueCapacity:      cfg.QueueCapacity,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		DrainTimeout:       cfg.DrainTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseBackoff,
			MaxDelay:    cfg.MaxBackoff,
			Jitter:      0.2,
		},
	})
}

// subscriptionCoverage reports live and failed subscription counts for
// the readiness check. The relay is not ready when every watched tuple
// has lost its subscription.
func subscriptionCoverage(repo subscription.Repository) func() (int, int, error) {
	return func() (int, int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		subs, err := repo.FindAll(ctx)
		if err != nil {
			return 0, 0, err
		}

		var active, failed int
		for _, sub := range subs {
			switch sub.Status {
			case subscription.StatusFailed:
				failed++
			case subscription.StatusExpired:
				// Terminal but expected, retained for the grace period
			default:
				active++
			}
		}
		return active, failed, nil
	}
}

// setupHTTPRouter assembles the HTTP surface: public webhook endpoints,
// the authenticated management API, health, and metrics.
func setupHTTPRouter(
	cfg *config.Config,
	healthChecker *health.Checker,
	gatewayHandler *gateway.Handler,
	subscriptionHandler *api.SubscriptionHandler,
	warningHandler *warning.Handler,
	authMiddleware *api.AuthMiddleware,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Public webhook endpoints (authenticated per-notification via
	// clientState, not bearer tokens)
	gatewayHandler.RegisterRoutes(r)

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.RequireAdmin)
		subscriptionHandler.RegisterRoutes(r)
		warningHandler.RegisterRoutes(r)
	})

	return r
}
