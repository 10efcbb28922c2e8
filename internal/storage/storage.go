package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrNotPending is returned by conditional status flips when the payment has
// already reached a terminal status. Callers treat it as "settled elsewhere".
var ErrNotPending = errors.New("storage: payment not pending")

// ErrDuplicateReference is returned when creating a payment whose reference
// key is already in durable state. References are never reused.
var ErrDuplicateReference = errors.New("storage: reference already exists")

// DefaultQueryTimeout is the maximum time allowed for database queries.
// This prevents queries from hanging indefinitely and causing cascading failures.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout wraps the context with a query timeout if one isn't already set.
// This ensures all database operations have a reasonable deadline while respecting
// any existing timeout that the caller may have set.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// Store captures the persistence requirements for payment monitoring.
//
// ConfirmIfPending is the single primitive the confirmer uses to settle a
// payment: it flips status pending -> confirmed keyed on reference AND current
// status, so concurrent monitor cycles flip exactly once. All backends
// implement it as a conditional write, not a read-modify-write.
type Store interface {
	// Payment intent operations
	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, reference string) (Payment, error)
	// ListPendingPayments returns pending payments ordered oldest-first so
	// long-waiting intents are always re-checked ahead of fresh ones.
	ListPendingPayments(ctx context.Context, limit int) ([]Payment, error)
	// ConfirmIfPending flips the payment to confirmed with the signature.
	// Returns ErrNotPending when the payment is already terminal and
	// ErrNotFound when the reference is unknown.
	ConfirmIfPending(ctx context.Context, reference, signature string) (Payment, error)
	// MarkFailed flips a pending payment to failed. Same gating as confirm.
	MarkFailed(ctx context.Context, reference string) (Payment, error)
	// RecordOverpayment stores the accepted surplus on the payment row.
	RecordOverpayment(ctx context.Context, reference string, overpaidBaseUnits uint64) error

	// Settled-transfer ledger. Duplicate signatures are silently ignored.
	RecordTransaction(ctx context.Context, record TransactionRecord) error
	ListTransactions(ctx context.Context, reference string) ([]TransactionRecord, error)

	// Webhook queue operations for persistent webhook delivery
	// EnqueueWebhook adds a webhook to the delivery queue (returns webhook ID)
	EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error)
	// DequeueWebhooks retrieves webhooks ready for delivery (up to limit, ordered by next attempt time)
	DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error)
	// MarkWebhookProcessing updates webhook status to prevent duplicate processing
	MarkWebhookProcessing(ctx context.Context, webhookID string) error
	// MarkWebhookSuccess marks webhook as successfully delivered and removes from queue
	MarkWebhookSuccess(ctx context.Context, webhookID string) error
	// MarkWebhookFailed records failed attempt and schedules retry (or moves to DLQ if exhausted)
	MarkWebhookFailed(ctx context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error
	// GetWebhook retrieves a webhook by ID (for the admin DLQ endpoints)
	GetWebhook(ctx context.Context, webhookID string) (PendingWebhook, error)
	// ListWebhooks lists webhooks with optional status filter; passing
	// WebhookStatusFailed lists the dead-letter queue
	ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error)
	// RetryWebhook resets webhook to pending state for manual retry (admin operation)
	RetryWebhook(ctx context.Context, webhookID string) error
	// DeleteWebhook removes webhook from queue (admin operation)
	DeleteWebhook(ctx context.Context, webhookID string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig // PostgreSQL connection pool settings

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	PaymentsTableName     string // Default: "payments"
	TransactionsTableName string // Default: "payment_transactions"
	WebhookQueueTableName string // Default: "webhook_queue"

	// Metrics records per-query latency when set. Optional; nil disables
	// instrumentation.
	Metrics *metrics.Metrics
}

// FromConfig builds a StoreConfig from the application configuration.
func FromConfig(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:               cfg.Backend,
		PostgresURL:           cfg.PostgresURL,
		MongoDBURL:            cfg.MongoDBURL,
		MongoDBDatabase:       cfg.MongoDBDatabase,
		PostgresPool:          cfg.PostgresPool,
		PaymentsTableName:     cfg.SchemaMapping.Payments.TableName,
		TransactionsTableName: cfg.SchemaMapping.Transactions.TableName,
		WebhookQueueTableName: cfg.SchemaMapping.WebhookQueue.TableName,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for postgres backends, it will be used instead
// of creating a new connection. Pass nil to create a new connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Memory backend loses all pending state on restart. Payments resume
		// from durable backends only; use memory for development and tests.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		// Apply schema_mapping table names
		return store.WithMetrics(cfg.Metrics).WithTableNames(
			cfg.PaymentsTableName,
			cfg.TransactionsTableName,
			cfg.WebhookQueueTableName,
		), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	payments     map[string]Payment           // reference -> payment
	transactions map[string]TransactionRecord // signature -> record (globally unique)
	webhookQueue map[string]PendingWebhook    // webhookID -> webhook (persistent delivery queue)
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[string]Payment),
		transactions: make(map[string]TransactionRecord),
		webhookQueue: make(map[string]PendingWebhook),
	}
}

// Close implements the Store interface. MemoryStore holds no resources.
func (m *MemoryStore) Close() error {
	return nil
}

// CreatePayment stores a new payment intent.
// Returns ErrDuplicateReference when the reference key has been used before.
func (m *MemoryStore) CreatePayment(_ context.Context, payment Payment) error {
	if err := validateAndPreparePayment(&payment); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[payment.Reference]; exists {
		return ErrDuplicateReference
	}
	m.payments[payment.Reference] = payment
	return nil
}

// GetPayment retrieves a payment by reference.
func (m *MemoryStore) GetPayment(_ context.Context, reference string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payment, ok := m.payments[reference]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return payment, nil
}

// ListPendingPayments returns pending payments ordered by creation time, oldest first.
func (m *MemoryStore) ListPendingPayments(_ context.Context, limit int) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []Payment
	for _, payment := range m.payments {
		if payment.Status == PaymentStatusPending {
			pending = append(pending, payment)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

// ConfirmIfPending flips a payment from pending to confirmed exactly once.
// A payment already in a terminal status returns ErrNotPending untouched.
func (m *MemoryStore) ConfirmIfPending(_ context.Context, reference, signature string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[reference]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if payment.Status != PaymentStatusPending {
		return Payment{}, ErrNotPending
	}

	now := time.Now().UTC()
	payment.Status = PaymentStatusConfirmed
	payment.Signature = signature
	payment.ConfirmedAt = &now
	payment.UpdatedAt = now
	m.payments[reference] = payment

	return payment, nil
}

// MarkFailed flips a pending payment to failed with the same conditional gating.
func (m *MemoryStore) MarkFailed(_ context.Context, reference string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[reference]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if payment.Status != PaymentStatusPending {
		return Payment{}, ErrNotPending
	}

	payment.Status = PaymentStatusFailed
	payment.UpdatedAt = time.Now().UTC()
	m.payments[reference] = payment

	return payment, nil
}

// RecordOverpayment stores the accepted surplus on the payment row.
func (m *MemoryStore) RecordOverpayment(_ context.Context, reference string, overpaidBaseUnits uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[reference]
	if !ok {
		return ErrNotFound
	}

	payment.OverpaidBaseUnits = overpaidBaseUnits
	payment.UpdatedAt = time.Now().UTC()
	m.payments[reference] = payment
	return nil
}

// RecordTransaction appends an immutable settled-transfer row.
// Signatures are globally unique; a duplicate insert is a no-op, not an
// error, because the confirmer may re-run the fanout on overlapping cycles.
func (m *MemoryStore) RecordTransaction(_ context.Context, record TransactionRecord) error {
	if record.Signature == "" {
		return fmt.Errorf("transaction record requires signature")
	}
	if record.Reference == "" {
		return fmt.Errorf("transaction record requires reference")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[record.Signature]; exists {
		return nil
	}
	m.transactions[record.Signature] = record
	return nil
}

// ListTransactions returns settled transfers for a reference, oldest first.
func (m *MemoryStore) ListTransactions(_ context.Context, reference string) ([]TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []TransactionRecord
	for _, record := range m.transactions {
		if record.Reference == reference {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}
