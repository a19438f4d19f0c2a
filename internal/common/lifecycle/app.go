package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.graphrelay.tech/internal/common/mongo"
	"go.graphrelay.tech/internal/config"
	"go.graphrelay.tech/internal/retry"
	"go.graphrelay.tech/internal/secrets"
)

// connectPolicy paces MongoDB connection attempts at boot, where the
// store can come up after the relay under container orchestration.
var connectPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

// App holds infrastructure that is guaranteed ready. If you have an
// *App, configuration is validated, secrets are resolved, and MongoDB
// answered a ping. Application components are wired in main, not here.
type App struct {
	Config *config.Config

	// Secrets is the resolved secret provider, kept for components
	// that fetch secrets after startup.
	Secrets secrets.Provider

	// Mongo is the connected subscription store client.
	Mongo *mongo.Client

	// GraphClientSecret is the app registration secret for the
	// client-credentials token flow.
	GraphClientSecret string

	// ConsumerAuthToken is the bearer token for downstream delivery.
	// Empty when the consumer endpoint is unauthenticated.
	ConsumerAuthToken string

	// AdminJWTKey signs and verifies management API tokens. Empty in
	// dev mode, where the management API is open.
	AdminJWTKey string

	cleanupFuncs []func() error
}

// Initialize loads configuration, resolves secrets, and connects to
// MongoDB. The returned cleanup function disconnects everything in
// reverse order and is safe to call exactly once.
func Initialize(ctx context.Context) (*App, func(), error) {
	app := &App{}

	cfg, err := config.LoadWithFile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	app.Config = cfg

	if err := app.initSecrets(ctx); err != nil {
		return nil, nil, err
	}

	if err := app.initMongoDB(ctx); err != nil {
		app.Cleanup()
		return nil, nil, err
	}

	if err := app.initIndexes(ctx); err != nil {
		app.Cleanup()
		return nil, nil, err
	}

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to run on shutdown.
// Functions run in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// initSecrets builds the secret provider and resolves the refs named
// in configuration. The Graph client secret and the admin signing key
// are required outside dev mode; the consumer token is optional.
func (app *App) initSecrets(ctx context.Context) error {
	cfg := app.Config

	provider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to create secrets provider: %w", err)
	}
	app.Secrets = provider

	slog.Info("Resolving secrets", "provider", provider.Name())

	app.GraphClientSecret, err = provider.Get(ctx, cfg.Graph.ClientSecretRef)
	if err != nil {
		if !cfg.DevMode {
			return fmt.Errorf("failed to resolve Graph client secret %q: %w", cfg.Graph.ClientSecretRef, err)
		}
		slog.Warn("Graph client secret not resolved, provider calls will fail",
			"ref", cfg.Graph.ClientSecretRef, "error", err)
	}

	app.AdminJWTKey, err = provider.Get(ctx, cfg.Admin.JWTKeyRef)
	if err != nil {
		if !cfg.DevMode {
			return fmt.Errorf("failed to resolve admin JWT key %q: %w", cfg.Admin.JWTKeyRef, err)
		}
		slog.Warn("Admin JWT key not resolved, management API is open",
			"ref", cfg.Admin.JWTKeyRef)
	}

	app.ConsumerAuthToken, err = secrets.GetOptional(ctx, provider, cfg.Dispatch.AuthTokenRef)
	if err != nil {
		return fmt.Errorf("failed to resolve consumer auth token %q: %w", cfg.Dispatch.AuthTokenRef, err)
	}

	return nil
}

// initMongoDB connects the subscription store, retrying while it
// comes up.
func (app *App) initMongoDB(ctx context.Context) error {
	cfg := app.Config

	var client *mongo.Client
	err := connectPolicy.Do(ctx, func(ctx context.Context) error {
		c, err := mongo.Connect(ctx, cfg.MongoDB)
		if err != nil {
			slog.Warn("MongoDB not reachable yet, retrying", "error", err)
			return err
		}
		client = c
		return nil
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	app.Mongo = client

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from MongoDB")
		return client.Disconnect(context.Background())
	})

	return nil
}

// initIndexes creates the subscription store indexes, including the
// partial unique index that enforces one live record per watched tuple.
func (app *App) initIndexes(ctx context.Context) error {
	initializer := mongo.NewIndexInitializer(app.Mongo)
	if err := initializer.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize indexes: %w", err)
	}
	return nil
}

// Cleanup runs all registered cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
