package config

import (
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use VIGIL_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "VIGIL_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "VIGIL_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "VIGIL_ADMIN_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Solana config
	setIfEnv(&c.Solana.RecipientAddress, "VIGIL_SOLANA_RECIPIENT")
	setIfEnv(&c.Solana.TokenMint, "VIGIL_SOLANA_TOKEN_MINT")
	setIfEnv(&c.Solana.Network, "VIGIL_SOLANA_NETWORK")
	setIfEnv(&c.Solana.RPCURL, "VIGIL_SOLANA_RPC_URL")
	setIfEnv(&c.Solana.Commitment, "VIGIL_SOLANA_COMMITMENT")
	setDurationIfEnv(&c.Solana.RequestTimeout, "VIGIL_SOLANA_REQUEST_TIMEOUT")

	// Storage config (connection strings are secrets, so env is the common path)
	setIfEnv(&c.Storage.Backend, "VIGIL_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "VIGIL_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "VIGIL_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "VIGIL_STORAGE_MONGODB_DATABASE")

	// Monitor config
	setBoolIfEnv(&c.Monitor.Enabled, "VIGIL_MONITOR_ENABLED")
	setDurationIfEnv(&c.Monitor.PollInterval, "VIGIL_MONITOR_POLL_INTERVAL")
	setDurationIfEnv(&c.Monitor.TallySweepInterval, "VIGIL_MONITOR_TALLY_SWEEP_INTERVAL")

	// Callbacks config
	setIfEnv(&c.Callbacks.PaymentConfirmedURL, "VIGIL_CALLBACK_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "VIGIL_CALLBACK_TIMEOUT")
	// Load callback headers (VIGIL_CALLBACK_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "VIGIL_CALLBACK_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "VIGIL_CALLBACK_HEADER_")
		if name == "" {
			continue
		}
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Callbacks.Headers[headerName] = parts[1]
	}

	// Email config
	setBoolIfEnv(&c.Email.Enabled, "VIGIL_EMAIL_ENABLED")
	setIfEnv(&c.Email.Provider, "VIGIL_EMAIL_PROVIDER")
	setIfEnv(&c.Email.APIKey, "VIGIL_SENDGRID_API_KEY")
	setIfEnv(&c.Email.FromAddress, "VIGIL_EMAIL_FROM_ADDRESS")
	setIfEnv(&c.Email.FromName, "VIGIL_EMAIL_FROM_NAME")

	// Live config
	setBoolIfEnv(&c.Live.Enabled, "VIGIL_LIVE_ENABLED")

	// Alerts config
	setIfEnv(&c.Alerts.URL, "VIGIL_ALERT_URL")
	setDurationIfEnv(&c.Alerts.CheckInterval, "VIGIL_ALERT_CHECK_INTERVAL")
	setDurationIfEnv(&c.Alerts.MaxPendingAge, "VIGIL_ALERT_MAX_PENDING_AGE")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "VIGIL_API_KEY_ENABLED")
	// Load API keys (VIGIL_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "VIGIL_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "VIGIL_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]KeyConfig)
		}
		// VIGIL_API_KEY_ACME_LIVE_XYZ=acme:pro -> key: "acme_live_xyz", merchant: "acme", tier: "pro"
		key := strings.ToLower(name)
		c.APIKey.Keys[key] = parseKeyBinding(parts[1])
	}
}

// parseKeyBinding parses an env API key value of the form "merchant:tier".
// A bare value with no colon is treated as a merchant with the free tier.
func parseKeyBinding(raw string) KeyConfig {
	raw = strings.TrimSpace(raw)
	merchant, tier, found := strings.Cut(raw, ":")
	if !found {
		return KeyConfig{Merchant: merchant, Tier: "free"}
	}
	tier = strings.TrimSpace(tier)
	if tier == "" {
		tier = "free"
	}
	return KeyConfig{Merchant: strings.TrimSpace(merchant), Tier: tier}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "vigil-pay" -> "/vigil-pay"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
