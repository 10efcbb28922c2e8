package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Solana.Commitment == "" {
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized", "finalised":
	default:
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	if c.Solana.RequestTimeout.Duration <= 0 {
		c.Solana.RequestTimeout = Duration{Duration: 30 * time.Second}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	if c.Monitor.PollInterval.Duration <= 0 {
		c.Monitor.PollInterval = Duration{Duration: 15 * time.Second}
	}
	if c.Monitor.TallySweepInterval.Duration <= 0 {
		c.Monitor.TallySweepInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Monitor.BatchSize <= 0 {
		c.Monitor.BatchSize = 50
	}
	// The RPC caps signature listing at 1000 entries per call.
	if c.Monitor.SignatureSearch <= 0 || c.Monitor.SignatureSearch > 1000 {
		c.Monitor.SignatureSearch = 1000
	}

	if c.Callbacks.Timeout.Duration == 0 {
		c.Callbacks.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Callbacks.Headers == nil {
		c.Callbacks.Headers = make(map[string]string)
	}

	if c.Email.Timeout.Duration <= 0 {
		c.Email.Timeout = Duration{Duration: 10 * time.Second}
	}
	c.Email.Provider = strings.ToLower(strings.TrimSpace(c.Email.Provider))
	if c.Email.Provider == "" {
		c.Email.Provider = "dryrun"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// Solana validation
	if c.Solana.RecipientAddress == "" {
		errs = append(errs, "solana.recipient_address is required")
	} else if _, err := solana.PublicKeyFromBase58(c.Solana.RecipientAddress); err != nil {
		errs = append(errs, fmt.Sprintf("solana.recipient_address is not a valid base58 public key: %v", err))
	}
	if c.Solana.TokenMint != "" {
		if _, err := solana.PublicKeyFromBase58(c.Solana.TokenMint); err != nil {
			errs = append(errs, fmt.Sprintf("solana.token_mint is not a valid base58 public key: %v", err))
		}
	}
	if c.Solana.RPCURL == "" {
		errs = append(errs, "solana.rpc_url is required")
	}

	// Storage validation
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	// Email validation
	switch c.Email.Provider {
	case "dryrun":
	case "sendgrid":
		if c.Email.Enabled {
			if c.Email.APIKey == "" {
				errs = append(errs, "email.api_key (VIGIL_SENDGRID_API_KEY) is required when the sendgrid provider is enabled")
			}
			if c.Email.FromAddress == "" {
				errs = append(errs, "email.from_address is required when the sendgrid provider is enabled")
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("email.provider %q is not supported (sendgrid, dryrun)", c.Email.Provider))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
