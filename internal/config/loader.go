package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	MongoDB  TOMLMongoDBConfig  `toml:"mongodb"`
	Graph    TOMLGraphConfig    `toml:"graph"`
	Gateway  TOMLGatewayConfig  `toml:"gateway"`
	Dispatch TOMLDispatchConfig `toml:"dispatch"`
	Admin    TOMLAdminConfig    `toml:"admin"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLGraphConfig represents Microsoft Graph configuration in TOML
type TOMLGraphConfig struct {
	TenantID              string  `toml:"tenant_id"`
	ClientID              string  `toml:"client_id"`
	ClientSecretRef       string  `toml:"client_secret_ref"`
	BaseURL               string  `toml:"base_url"`
	TokenURL              string  `toml:"token_url"`
	SubscriptionLifetime  string  `toml:"subscription_lifetime"`
	RenewalWindowFraction float64 `toml:"renewal_window_fraction"`
	RenewalCheckInterval  string  `toml:"renewal_check_interval"`
	RecordGracePeriod     string  `toml:"record_grace_period"`
}

// TOMLGatewayConfig represents gateway configuration in TOML
type TOMLGatewayConfig struct {
	PublicBaseURL string `toml:"public_base_url"`
	DedupWindow   string `toml:"dedup_window"`
	DedupBackend  string `toml:"dedup_backend"`
	RedisURL      string `toml:"redis_url"`
	AcceptTimeout string `toml:"accept_timeout"`
}

// TOMLDispatchConfig represents dispatch configuration in TOML
type TOMLDispatchConfig struct {
	ConsumerURL           string `toml:"consumer_url"`
	AuthTokenRef          string `toml:"auth_token_ref"`
	Timeout               string `toml:"timeout"`
	MaxAttempts           int    `toml:"max_attempts"`
	BaseBackoff           string `toml:"base_backoff"`
	MaxBackoff            string `toml:"max_backoff"`
	QueueCapacity         int    `toml:"queue_capacity"`
	RateLimitPerMinute    int    `toml:"rate_limit_per_minute"`
	DrainTimeout          string `toml:"drain_timeout"`
	CircuitBreakerEnabled bool   `toml:"circuit_breaker"`
}

// TOMLAdminConfig represents admin API configuration in TOML
type TOMLAdminConfig struct {
	JWTKeyRef string `toml:"jwt_key_ref"`
	Issuer    string `toml:"issuer"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"graphrelay.toml",
	"./config/config.toml",
	"/etc/graphrelay/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("GRAPHRELAY_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	// Start from defaults so the file only needs to name what it changes
	cfg, _ := Load()

	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}
	if len(tc.HTTP.CORSOrigins) > 0 {
		cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}

	setString(&cfg.MongoDB.URI, tc.MongoDB.URI)
	setString(&cfg.MongoDB.Database, tc.MongoDB.Database)

	setString(&cfg.Graph.TenantID, tc.Graph.TenantID)
	setString(&cfg.Graph.ClientID, tc.Graph.ClientID)
	setString(&cfg.Graph.ClientSecretRef, tc.Graph.ClientSecretRef)
	setString(&cfg.Graph.BaseURL, tc.Graph.BaseURL)
	setString(&cfg.Graph.TokenURL, tc.Graph.TokenURL)
	setDuration(&cfg.Graph.SubscriptionLifetime, tc.Graph.SubscriptionLifetime)
	if tc.Graph.RenewalWindowFraction != 0 {
		cfg.Graph.RenewalWindowFraction = tc.Graph.RenewalWindowFraction
	}
	setDuration(&cfg.Graph.RenewalCheckInterval, tc.Graph.RenewalCheckInterval)
	setDuration(&cfg.Graph.RecordGracePeriod, tc.Graph.RecordGracePeriod)

	setString(&cfg.Gateway.PublicBaseURL, tc.Gateway.PublicBaseURL)
	setDuration(&cfg.Gateway.DedupWindow, tc.Gateway.DedupWindow)
	setString(&cfg.Gateway.DedupBackend, tc.Gateway.DedupBackend)
	setString(&cfg.Gateway.RedisURL, tc.Gateway.RedisURL)
	setDuration(&cfg.Gateway.AcceptTimeout, tc.Gateway.AcceptTimeout)

	setString(&cfg.Dispatch.ConsumerURL, tc.Dispatch.ConsumerURL)
	setString(&cfg.Dispatch.AuthTokenRef, tc.Dispatch.AuthTokenRef)
	setDuration(&cfg.Dispatch.Timeout, tc.Dispatch.Timeout)
	if tc.Dispatch.MaxAttempts != 0 {
		cfg.Dispatch.MaxAttempts = tc.Dispatch.MaxAttempts
	}
	setDuration(&cfg.Dispatch.BaseBackoff, tc.Dispatch.BaseBackoff)
	setDuration(&cfg.Dispatch.MaxBackoff, tc.Dispatch.MaxBackoff)
	if tc.Dispatch.QueueCapacity != 0 {
		cfg.Dispatch.QueueCapacity = tc.Dispatch.QueueCapacity
	}
	if tc.Dispatch.RateLimitPerMinute != 0 {
		cfg.Dispatch.RateLimitPerMinute = tc.Dispatch.RateLimitPerMinute
	}
	setDuration(&cfg.Dispatch.DrainTimeout, tc.Dispatch.DrainTimeout)
	cfg.Dispatch.CircuitBreakerEnabled = tc.Dispatch.CircuitBreakerEnabled

	setString(&cfg.Admin.JWTKeyRef, tc.Admin.JWTKeyRef)
	setString(&cfg.Admin.Issuer, tc.Admin.Issuer)

	if tc.DevMode {
		cfg.DevMode = true
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// mergeConfigs merges two configs, with override taking precedence for
// values that differ from the environment defaults
func mergeConfigs(base, override *Config) *Config {
	defaults, _ := Load()

	// Unset all env vars' influence is impractical to detect per field;
	// follow the same convention as the file merge: an override value wins
	// when it differs from the compiled-in default.
	result := *base

	if override.HTTP.Port != defaults.HTTP.Port {
		result.HTTP.Port = override.HTTP.Port
	}
	if override.MongoDB.URI != defaults.MongoDB.URI {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != defaults.MongoDB.Database {
		result.MongoDB.Database = override.MongoDB.Database
	}
	if override.Graph.TenantID != defaults.Graph.TenantID {
		result.Graph.TenantID = override.Graph.TenantID
	}
	if override.Graph.ClientID != defaults.Graph.ClientID {
		result.Graph.ClientID = override.Graph.ClientID
	}
	if override.Graph.BaseURL != defaults.Graph.BaseURL {
		result.Graph.BaseURL = override.Graph.BaseURL
	}
	if override.Gateway.PublicBaseURL != defaults.Gateway.PublicBaseURL {
		result.Gateway.PublicBaseURL = override.Gateway.PublicBaseURL
	}
	if override.Gateway.DedupBackend != defaults.Gateway.DedupBackend {
		result.Gateway.DedupBackend = override.Gateway.DedupBackend
	}
	if override.Gateway.RedisURL != defaults.Gateway.RedisURL {
		result.Gateway.RedisURL = override.Gateway.RedisURL
	}
	if override.Dispatch.ConsumerURL != defaults.Dispatch.ConsumerURL {
		result.Dispatch.ConsumerURL = override.Dispatch.ConsumerURL
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# GraphRelay Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017"
database = "graphrelay"

[graph]
tenant_id = ""
client_id = ""
client_secret_ref = "graph-client-secret"
base_url = "https://graph.microsoft.com/v1.0"
subscription_lifetime = "24h"
renewal_window_fraction = 0.2
renewal_check_interval = "1m"
record_grace_period = "168h"

[gateway]
public_base_url = "https://relay.example.com"
dedup_window = "10m"
dedup_backend = "memory"  # memory or redis
redis_url = "redis://localhost:6379"
accept_timeout = "2s"

[dispatch]
consumer_url = "http://localhost:7860"
auth_token_ref = ""
timeout = "30s"
max_attempts = 5
base_backoff = "1s"
max_backoff = "1m"
queue_capacity = 1000
rate_limit_per_minute = 0
drain_timeout = "20s"
circuit_breaker = true

[admin]
jwt_key_ref = "admin-jwt-key"
issuer = "graphrelay"

dev_mode = false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
