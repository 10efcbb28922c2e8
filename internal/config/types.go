package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Solana         SolanaConfig         `yaml:"solana"`
	Storage        StorageConfig        `yaml:"storage"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	Email          EmailConfig          `yaml:"email"`
	Live           LiveConfig           `yaml:"live"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Alerts         AlertsConfig         `yaml:"alerts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`  // Optional prefix for all routes (e.g., "/api", "/vigil")
	AdminAPIKey        string   `yaml:"admin_api_key"` // Protects /metrics and admin webhook routes (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// SolanaConfig holds chain access and default payment destination configuration.
type SolanaConfig struct {
	RecipientAddress string   `yaml:"recipient_address"` // Default wallet that receives payments
	TokenMint        string   `yaml:"token_mint"`        // Default SPL mint for token payments (optional)
	TokenDecimals    uint8    `yaml:"token_decimals"`    // Decimals of the default mint (default: 6)
	Network          string   `yaml:"network"`           // mainnet-beta, devnet, testnet
	RPCURL           string   `yaml:"rpc_url"`
	Commitment       string   `yaml:"commitment"`      // processed, confirmed, finalized (default: confirmed)
	RequestTimeout   Duration `yaml:"request_timeout"` // Per-RPC-call timeout (default: 30s)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Payments     TableMappingConfig `yaml:"payments"`      // Payment intents table/collection
	Transactions TableMappingConfig `yaml:"transactions"`  // Confirmed transaction records table/collection
	WebhookQueue TableMappingConfig `yaml:"webhook_queue"` // Webhook queue table/collection
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"` // Custom table/collection name
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// MonitorConfig holds pending-payment monitor configuration.
type MonitorConfig struct {
	Enabled            bool     `yaml:"enabled"`              // Run the monitor loop (default: true)
	PollInterval       Duration `yaml:"poll_interval"`        // How often to scan pending payments (default: 15s)
	TallySweepInterval Duration `yaml:"tally_sweep_interval"` // How often to prune stale retry tallies (default: 5m)
	BatchSize          int      `yaml:"batch_size"`           // Pending payments fetched per cycle (default: 50)
	SignatureSearch    int      `yaml:"signature_search"`     // Signatures fetched per reference lookup (default: 1000)
}

// CallbacksConfig holds webhook callback configuration.
type CallbacksConfig struct {
	PaymentConfirmedURL string            `yaml:"payment_confirmed_url"`
	Headers             map[string]string `yaml:"headers"`
	Timeout             Duration          `yaml:"timeout"`
	Retry               RetryConfig       `yaml:"retry"`       // Retry configuration with exponential backoff
	DLQEnabled          bool              `yaml:"dlq_enabled"` // Enable dead letter queue for failed webhooks
	DLQPath             string            `yaml:"dlq_path"`    // File path for DLQ storage (default: ./data/webhook-dlq.json)
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum retry attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// EmailConfig holds confirmation email configuration.
type EmailConfig struct {
	Enabled     bool     `yaml:"enabled"`      // Send confirmation emails (default: false)
	Provider    string   `yaml:"provider"`     // "sendgrid" or "dryrun" (default: dryrun)
	APIKey      string   `yaml:"api_key"`      // SendGrid API key
	FromAddress string   `yaml:"from_address"` // Sender address
	FromName    string   `yaml:"from_name"`    // Sender display name
	Timeout     Duration `yaml:"timeout"`      // Send timeout (default: 10s)
}

// LiveConfig holds websocket payment status stream configuration.
type LiveConfig struct {
	Enabled bool `yaml:"enabled"` // Serve /live websocket endpoints (default: true)
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-merchant rate limiting (identified by API key)
	PerMerchantEnabled bool     `yaml:"per_merchant_enabled"` // Enable per-merchant rate limiting
	PerMerchantLimit   int      `yaml:"per_merchant_limit"`   // Requests allowed per merchant per window
	PerMerchantWindow  Duration `yaml:"per_merchant_window"`  // Time window for per-merchant limit

	// Per-IP rate limiting (fallback when no API key presented)
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// APIKeyConfig holds API key authentication and merchant mapping configuration.
type APIKeyConfig struct {
	Enabled bool                 `yaml:"enabled"` // Enable API key authentication (default: false)
	Keys    map[string]KeyConfig `yaml:"keys"`    // Map of API key -> merchant binding
}

// KeyConfig binds an API key to a merchant and tier.
type KeyConfig struct {
	Merchant string `yaml:"merchant"` // Merchant identifier stamped on payments created with this key
	Tier     string `yaml:"tier"`     // free, pro, enterprise, partner
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`    // Enable circuit breakers (default: true)
	SolanaRPC BreakerServiceConfig `yaml:"solana_rpc"` // Solana RPC circuit breaker
	Webhook   BreakerServiceConfig `yaml:"webhook"`    // Webhook delivery circuit breaker
	Email     BreakerServiceConfig `yaml:"email"`      // Email provider circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}

// AlertsConfig holds operator alerting configuration. Alerts fire to a
// Discord/Slack compatible webhook when pending payments sit unconfirmed
// past the stale age, which usually means the RPC endpoint or the monitor
// loop is in trouble.
type AlertsConfig struct {
	URL             string            `yaml:"url"`              // Alert webhook URL (disabled when empty)
	Headers         map[string]string `yaml:"headers"`          // Extra headers for the alert request
	BodyTemplate    string            `yaml:"body_template"`    // Optional text/template override for the alert body
	CheckInterval   Duration          `yaml:"check_interval"`   // How often to inspect the backlog (default: 5m)
	MaxPendingAge   Duration          `yaml:"max_pending_age"`  // Pending payments older than this count as stale (default: 30m)
	RealertInterval Duration          `yaml:"realert_interval"` // Minimum gap between repeat alerts (default: 6h)
	Timeout         Duration          `yaml:"timeout"`          // Alert delivery timeout (default: 10s)
}
