package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for GraphRelay
type Config struct {
	// HTTP server configuration (gateway + management API share one server)
	HTTP HTTPConfig

	// MongoDB configuration (subscription store)
	MongoDB MongoDBConfig

	// Graph holds Microsoft Graph connection settings
	Graph GraphConfig

	// Gateway holds inbound webhook settings
	Gateway GatewayConfig

	// Dispatch holds downstream delivery settings
	Dispatch DispatchConfig

	// Admin holds management API settings
	Admin AdminConfig

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// GraphConfig holds Microsoft Graph API configuration
type GraphConfig struct {
	// TenantID is the Entra tenant ("consumers" for personal accounts)
	TenantID string

	// ClientID identifies the app registration
	ClientID string

	// ClientSecretRef names the secret holding the client secret
	ClientSecretRef string

	// BaseURL is the Graph API root (overridable for tests)
	BaseURL string

	// TokenURL is the OAuth token endpoint (derived from TenantID when empty)
	TokenURL string

	// SubscriptionLifetime is the requested subscription lifetime.
	// Graph caps message subscriptions at 24h.
	SubscriptionLifetime time.Duration

	// RenewalWindowFraction is the fraction of lifetime remaining at which
	// renewal starts (0.2 = renew with 20% of lifetime left)
	RenewalWindowFraction float64

	// RenewalCheckInterval is how often the renewal loop scans the store
	RenewalCheckInterval time.Duration

	// RecordGracePeriod is how long EXPIRED/FAILED records are kept
	RecordGracePeriod time.Duration
}

// TokenEndpoint returns the OAuth token endpoint, deriving it from the
// tenant when no explicit URL is configured.
func (g GraphConfig) TokenEndpoint() string {
	if g.TokenURL != "" {
		return g.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", g.TenantID)
}

// GatewayConfig holds inbound webhook configuration
type GatewayConfig struct {
	// PublicBaseURL is the externally reachable base for notification URLs
	PublicBaseURL string

	// DedupWindow is how long processed event IDs are remembered
	DedupWindow time.Duration

	// DedupBackend selects the dedup store: "memory" or "redis"
	DedupBackend string

	// RedisURL is the Redis connection URL for the redis dedup backend
	RedisURL string

	// AcceptTimeout is how long a push batch may wait for queue space
	// before the whole batch is failed as transient
	AcceptTimeout time.Duration
}

// DispatchConfig holds downstream consumer delivery configuration
type DispatchConfig struct {
	// ConsumerURL is the downstream workflow-engine endpoint
	ConsumerURL string

	// AuthTokenRef names the secret holding the consumer bearer token
	AuthTokenRef string

	Timeout       time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	QueueCapacity int

	// RateLimitPerMinute caps outbound deliveries; 0 disables the limiter
	RateLimitPerMinute int

	// DrainTimeout bounds in-flight deliveries on shutdown
	DrainTimeout time.Duration

	CircuitBreakerEnabled bool
}

// AdminConfig holds management API configuration
type AdminConfig struct {
	// JWTKeyRef names the secret holding the HS256 signing key.
	// Auth is skipped entirely in dev mode.
	JWTKeyRef string

	// Issuer expected in admin tokens
	Issuer string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "graphrelay"),
		},

		Graph: GraphConfig{
			TenantID:              getEnv("GRAPH_TENANT_ID", ""),
			ClientID:              getEnv("GRAPH_CLIENT_ID", ""),
			ClientSecretRef:       getEnv("GRAPH_CLIENT_SECRET_REF", "graph-client-secret"),
			BaseURL:               getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
			TokenURL:              getEnv("GRAPH_TOKEN_URL", ""),
			SubscriptionLifetime:  getEnvDuration("GRAPH_SUBSCRIPTION_LIFETIME", 24*time.Hour),
			RenewalWindowFraction: getEnvFloat("GRAPH_RENEWAL_WINDOW_FRACTION", 0.2),
			RenewalCheckInterval:  getEnvDuration("GRAPH_RENEWAL_CHECK_INTERVAL", time.Minute),
			RecordGracePeriod:     getEnvDuration("GRAPH_RECORD_GRACE_PERIOD", 7*24*time.Hour),
		},

		Gateway: GatewayConfig{
			PublicBaseURL: getEnv("WEBHOOK_BASE_URL", ""),
			DedupWindow:   getEnvDuration("GATEWAY_DEDUP_WINDOW", 10*time.Minute),
			DedupBackend:  getEnv("GATEWAY_DEDUP_BACKEND", "memory"),
			RedisURL:      getEnv("GATEWAY_REDIS_URL", "redis://localhost:6379"),
			AcceptTimeout: getEnvDuration("GATEWAY_ACCEPT_TIMEOUT", 2*time.Second),
		},

		Dispatch: DispatchConfig{
			ConsumerURL:           getEnv("CONSUMER_URL", "http://localhost:7860"),
			AuthTokenRef:          getEnv("CONSUMER_AUTH_TOKEN_REF", ""),
			Timeout:               getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),
			MaxAttempts:           getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
			BaseBackoff:           getEnvDuration("DISPATCH_BASE_BACKOFF", time.Second),
			MaxBackoff:            getEnvDuration("DISPATCH_MAX_BACKOFF", time.Minute),
			QueueCapacity:         getEnvInt("DISPATCH_QUEUE_CAPACITY", 1000),
			RateLimitPerMinute:    getEnvInt("DISPATCH_RATE_LIMIT_PER_MINUTE", 0),
			DrainTimeout:          getEnvDuration("DISPATCH_DRAIN_TIMEOUT", 20*time.Second),
			CircuitBreakerEnabled: getEnvBool("DISPATCH_CIRCUIT_BREAKER", true),
		},

		Admin: AdminConfig{
			JWTKeyRef: getEnv("ADMIN_JWT_KEY_REF", "admin-jwt-key"),
			Issuer:    getEnv("ADMIN_JWT_ISSUER", "graphrelay"),
		},

		DevMode: getEnvBool("GRAPHRELAY_DEV", false),
	}

	return cfg, nil
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if c.Graph.TenantID == "" {
		return fmt.Errorf("GRAPH_TENANT_ID is required")
	}
	if c.Graph.ClientID == "" {
		return fmt.Errorf("GRAPH_CLIENT_ID is required")
	}
	if c.Gateway.PublicBaseURL == "" {
		return fmt.Errorf("WEBHOOK_BASE_URL is required")
	}
	if f := c.Graph.RenewalWindowFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("GRAPH_RENEWAL_WINDOW_FRACTION must be in (0, 1), got %v", f)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
