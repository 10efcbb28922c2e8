package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "VIGIL_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"VIGIL_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "VIGIL_ROUTE_PREFIX override",
			envVars: map[string]string{
				"VIGIL_ROUTE_PREFIX": "/api",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "VIGIL_ROUTE_PREFIX normalized",
			envVars: map[string]string{
				"VIGIL_ROUTE_PREFIX": "api/",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_SolanaConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "VIGIL_SOLANA_RPC_URL override",
			envVars: map[string]string{
				"VIGIL_SOLANA_RPC_URL": "https://custom-rpc.solana.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Solana.RPCURL != "https://custom-rpc.solana.com" {
					t.Errorf("Expected custom RPC URL, got %s", cfg.Solana.RPCURL)
				}
			},
		},
		{
			name: "VIGIL_SOLANA_RECIPIENT override",
			envVars: map[string]string{
				"VIGIL_SOLANA_RECIPIENT": "11111111111111111111111111111111",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Solana.RecipientAddress != "11111111111111111111111111111111" {
					t.Errorf("Expected recipient override, got %s", cfg.Solana.RecipientAddress)
				}
			},
		},
		{
			name: "VIGIL_SOLANA_REQUEST_TIMEOUT duration override",
			envVars: map[string]string{
				"VIGIL_SOLANA_REQUEST_TIMEOUT": "45s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Solana.RequestTimeout.Duration != 45*time.Second {
					t.Errorf("Expected 45s, got %v", cfg.Solana.RequestTimeout.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_MonitorConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "VIGIL_MONITOR_ENABLED boolean (false)",
			envVars: map[string]string{
				"VIGIL_MONITOR_ENABLED": "false",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Monitor.Enabled {
					t.Error("Expected Monitor.Enabled to be false")
				}
			},
		},
		{
			name: "VIGIL_MONITOR_ENABLED boolean (1)",
			envVars: map[string]string{
				"VIGIL_MONITOR_ENABLED": "1",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Monitor.Enabled {
					t.Error("Expected Monitor.Enabled to be true with '1'")
				}
			},
		},
		{
			name: "VIGIL_MONITOR_POLL_INTERVAL duration override",
			envVars: map[string]string{
				"VIGIL_MONITOR_POLL_INTERVAL": "30s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Monitor.PollInterval.Duration != 30*time.Second {
					t.Errorf("Expected 30s, got %v", cfg.Monitor.PollInterval.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_CallbackHeaders(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("VIGIL_CALLBACK_HEADER_AUTHORIZATION", "Bearer token123")
	os.Setenv("VIGIL_CALLBACK_HEADER_X_API_KEY", "api-key-456")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Callbacks.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("Expected Authorization header to be set, got %v", cfg.Callbacks.Headers)
	}

	if cfg.Callbacks.Headers["X-Api-Key"] != "api-key-456" {
		t.Errorf("Expected X-Api-Key header to be set, got %v", cfg.Callbacks.Headers)
	}
}

func TestEnvOverrides_APIKeyConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "VIGIL_API_KEY_ENABLED boolean (true)",
			envVars: map[string]string{
				"VIGIL_API_KEY_ENABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.APIKey.Enabled {
					t.Error("Expected APIKey.Enabled to be true")
				}
			},
		},
		{
			name: "VIGIL_API_KEY_* env vars create merchant bindings",
			envVars: map[string]string{
				"VIGIL_API_KEY_ENABLED":        "true",
				"VIGIL_API_KEY_ACME_LIVE_XYZ":  "acme:pro",
				"VIGIL_API_KEY_PARTNER_ABC123": "bigcorp:partner",
				"VIGIL_API_KEY_BARE_KEY":       "soloshop",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.APIKey.Keys) != 3 {
					t.Errorf("Expected 3 API keys, got %d", len(cfg.APIKey.Keys))
				}
				if got := cfg.APIKey.Keys["acme_live_xyz"]; got.Merchant != "acme" || got.Tier != "pro" {
					t.Errorf("acme_live_xyz = %+v, want merchant acme tier pro", got)
				}
				if got := cfg.APIKey.Keys["partner_abc123"]; got.Merchant != "bigcorp" || got.Tier != "partner" {
					t.Errorf("partner_abc123 = %+v, want merchant bigcorp tier partner", got)
				}
				// Bare value defaults to the free tier
				if got := cfg.APIKey.Keys["bare_key"]; got.Merchant != "soloshop" || got.Tier != "free" {
					t.Errorf("bare_key = %+v, want merchant soloshop tier free", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestParseKeyBinding(t *testing.T) {
	tests := []struct {
		input        string
		wantMerchant string
		wantTier     string
	}{
		{"acme:pro", "acme", "pro"},
		{"acme", "acme", "free"},
		{"acme:", "acme", "free"},
		{"  acme : enterprise ", "acme", "enterprise"},
	}
	for _, tt := range tests {
		got := parseKeyBinding(tt.input)
		if got.Merchant != tt.wantMerchant || got.Tier != tt.wantTier {
			t.Errorf("parseKeyBinding(%q) = %+v, want merchant %q tier %q",
				tt.input, got, tt.wantMerchant, tt.wantTier)
		}
	}
}
