package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// Loading with no file and no env must fail: the recipient is required.
	os.Clearenv()
	cfg, err := Load("")
	if err == nil {
		t.Fatal("expected error when required fields are missing, got nil")
	}
	if cfg != nil {
		t.Fatal("expected nil config when validation fails")
	}
}

func TestLoadConfig_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name:    "missing recipient address",
			envVars: map[string]string{},
			wantErr: "solana.recipient_address is required",
		},
		{
			name: "recipient not base58",
			envVars: map[string]string{
				"VIGIL_SOLANA_RECIPIENT": "not-a-valid-address!!",
			},
			wantErr: "solana.recipient_address is not a valid base58 public key",
		},
		{
			name: "token mint not base58",
			envVars: map[string]string{
				"VIGIL_SOLANA_RECIPIENT":  "11111111111111111111111111111111",
				"VIGIL_SOLANA_TOKEN_MINT": "bogus0mint",
			},
			wantErr: "solana.token_mint is not a valid base58 public key",
		},
		{
			name: "postgres backend needs url",
			envVars: map[string]string{
				"VIGIL_SOLANA_RECIPIENT": "11111111111111111111111111111111",
				"VIGIL_STORAGE_BACKEND":  "postgres",
			},
			wantErr: "storage.postgres_url is required",
		},
		{
			name: "unknown backend rejected",
			envVars: map[string]string{
				"VIGIL_SOLANA_RECIPIENT": "11111111111111111111111111111111",
				"VIGIL_STORAGE_BACKEND":  "sqlite",
			},
			wantErr: "storage.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer os.Clearenv()

			_, err := Load("")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != "" && !contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	os.Clearenv()
	os.Setenv("VIGIL_SOLANA_RECIPIENT", "11111111111111111111111111111111")
	defer os.Clearenv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}

	// Check defaults were applied
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Solana.Commitment != "confirmed" {
		t.Errorf("expected default commitment 'confirmed', got %s", cfg.Solana.Commitment)
	}
	if cfg.Solana.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("expected default RPC request timeout 30s, got %v", cfg.Solana.RequestTimeout.Duration)
	}
	if cfg.Monitor.PollInterval.Duration != 15*time.Second {
		t.Errorf("expected default poll interval 15s, got %v", cfg.Monitor.PollInterval.Duration)
	}
	if cfg.Monitor.TallySweepInterval.Duration != 5*time.Minute {
		t.Errorf("expected default tally sweep interval 5m, got %v", cfg.Monitor.TallySweepInterval.Duration)
	}
	if cfg.Monitor.BatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.Monitor.BatchSize)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected default memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Email.Provider != "dryrun" {
		t.Errorf("expected default email provider dryrun, got %s", cfg.Email.Provider)
	}
	if !cfg.Live.Enabled {
		t.Error("expected live streaming enabled by default")
	}
}

func TestLoadConfig_SendGridRequiresCredentials(t *testing.T) {
	os.Clearenv()
	os.Setenv("VIGIL_SOLANA_RECIPIENT", "11111111111111111111111111111111")
	os.Setenv("VIGIL_EMAIL_ENABLED", "true")
	os.Setenv("VIGIL_EMAIL_PROVIDER", "sendgrid")
	defer os.Clearenv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when sendgrid enabled without credentials")
	}
	if !contains(err.Error(), "email.api_key") {
		t.Errorf("expected error about email.api_key, got: %v", err)
	}
	if !contains(err.Error(), "email.from_address") {
		t.Errorf("expected error about email.from_address, got: %v", err)
	}
}

func TestLoadConfig_SignatureSearchClamped(t *testing.T) {
	cfg := defaultConfig()
	cfg.Solana.RecipientAddress = "11111111111111111111111111111111"
	cfg.Monitor.SignatureSearch = 5000
	if err := cfg.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if cfg.Monitor.SignatureSearch != 1000 {
		t.Errorf("expected signature search clamped to 1000, got %d", cfg.Monitor.SignatureSearch)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"vigil-pay", "/vigil-pay"},
		{"/v1/vigil", "/v1/vigil"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsAny(s, substr))
}

func containsAny(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
