package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Solana: SolanaConfig{
			Network:        "mainnet-beta",
			RPCURL:         "https://api.mainnet-beta.solana.com",
			TokenDecimals:  6,
			Commitment:     "confirmed",
			RequestTimeout: Duration{Duration: 30 * time.Second},
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			PollInterval:       Duration{Duration: 15 * time.Second},
			TallySweepInterval: Duration{Duration: 5 * time.Minute},
			BatchSize:          50,
			SignatureSearch:    1000,
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQEnabled: false,
			DLQPath:    "./data/webhook-dlq.json",
		},
		Email: EmailConfig{
			Enabled:  false,
			Provider: "dryrun",
			Timeout:  Duration{Duration: 10 * time.Second},
		},
		Live: LiveConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:      true,
			GlobalLimit:        1000,
			GlobalWindow:       Duration{Duration: 1 * time.Minute},
			PerMerchantEnabled: true,
			PerMerchantLimit:   120,
			PerMerchantWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:       true,
			PerIPLimit:         120,
			PerIPWindow:        Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]KeyConfig),
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for webhooks
				ConsecutiveFailures: 10,                                   // More tolerant for webhooks
				FailureRatio:        0.7,
				MinRequests:         20,
			},
			Email: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		Alerts: AlertsConfig{
			Headers:         make(map[string]string),
			CheckInterval:   Duration{Duration: 5 * time.Minute},
			MaxPendingAge:   Duration{Duration: 30 * time.Minute},
			RealertInterval: Duration{Duration: 6 * time.Hour},
			Timeout:         Duration{Duration: 10 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
