package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/dbpool"
	"github.com/VigilPay/server/internal/metrics"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db                    *sql.DB
	ownsDB                bool   // Track if we created the DB connection (for Close())
	paymentsTableName     string // Configurable table name (default: "payments")
	transactionsTableName string // Configurable table name (default: "payment_transactions")
	webhookQueueTableName string // Configurable table name (default: "webhook_queue")
	metrics               *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	pool, err := dbpool.NewSharedPool(connectionString, poolConfig)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{
		db:                    pool.DB(),
		ownsDB:                true,
		paymentsTableName:     "payments",
		transactionsTableName: "payment_transactions",
		webhookQueueTableName: "webhook_queue",
	}

	if err := store.createPostgresTables(); err != nil {
		// NOTE: Close() error is intentionally ignored during initialization
		// cleanup. It is not actionable and would only obscure the original
		// failure, which is returned to the caller.
		_ = pool.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
// This allows sharing a single connection pool across multiple stores/repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{
		db:                    db,
		ownsDB:                false,
		paymentsTableName:     "payments",
		transactionsTableName: "payment_transactions",
		webhookQueueTableName: "webhook_queue",
	}

	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}

	return store, nil
}

// WithTableNames sets custom table names (for schema_mapping support).
// After setting table names, it recreates tables with the new names.
func (s *PostgresStore) WithTableNames(payments, transactions, webhookQueue string) *PostgresStore {
	if payments != "" {
		s.paymentsTableName = payments
	}
	if transactions != "" {
		s.transactionsTableName = transactions
	}
	if webhookQueue != "" {
		s.webhookQueueTableName = webhookQueue
	}

	// Recreate tables with new names (CREATE TABLE IF NOT EXISTS will only create missing tables)
	_ = s.createPostgresTables()

	return s
}

// WithMetrics attaches a metrics collector for per-query latency recording.
// A nil collector leaves instrumentation disabled.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// createPostgresTables creates the necessary tables if they don't exist.
// Amounts are stored twice: the display-unit decimal string the merchant sent
// (exact, for echoing back) and the converted BIGINT base units the monitor
// validates against.
func (s *PostgresStore) createPostgresTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			reference TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			token_mint TEXT NOT NULL DEFAULT '',
			token_decimals SMALLINT NOT NULL DEFAULT 0,
			amount TEXT NOT NULL,
			amount_base_units BIGINT NOT NULL,
			recipient TEXT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			signature TEXT NOT NULL DEFAULT '',
			overpaid_base_units BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			confirmed_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS %s (
			signature TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			payer TEXT NOT NULL DEFAULT '',
			amount_base_units BIGINT NOT NULL,
			kind TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			last_attempt_at TIMESTAMP,
			next_attempt_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_payments_pending ON %s(created_at ASC) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_payments_merchant ON %s(merchant_id);
		CREATE INDEX IF NOT EXISTS idx_payments_status ON %s(status);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_reference ON %s(reference);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_created ON %s(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_pending ON %s(status, next_attempt_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_status ON %s(status);
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_created ON %s(created_at DESC);
	`,
		// Table names
		s.paymentsTableName,
		s.transactionsTableName,
		s.webhookQueueTableName,
		// Index table references (payments)
		s.paymentsTableName, s.paymentsTableName, s.paymentsTableName,
		// Index table references (payment_transactions)
		s.transactionsTableName, s.transactionsTableName,
		// Index table references (webhook_queue)
		s.webhookQueueTableName, s.webhookQueueTableName, s.webhookQueueTableName,
	)

	_, err := s.db.Exec(schema)
	return err
}

// paymentColumns is the canonical SELECT/RETURNING column list, matching the
// scan order in scanPayment.
const paymentColumns = `reference, merchant_id, customer_email, kind, token_mint, token_decimals, amount, amount_base_units, recipient, memo, status, signature, overpaid_base_units, metadata, created_at, updated_at, confirmed_at`

// CreatePayment stores a new payment intent.
// Returns ErrDuplicateReference when the reference key has been used before.
func (s *PostgresStore) CreatePayment(ctx context.Context, payment Payment) error {
	if err := validateAndPreparePayment(&payment); err != nil {
		return err
	}

	defer metrics.MeasureDBQuery(s.metrics, "create_payment", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	metadataJSON, err := json.Marshal(payment.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (reference) DO NOTHING
	`, s.paymentsTableName, paymentColumns)

	var confirmedAt interface{}
	if payment.ConfirmedAt != nil {
		utcTime := payment.ConfirmedAt.UTC()
		confirmedAt = &utcTime
	}

	result, err := s.db.ExecContext(ctx, query,
		payment.Reference,
		payment.MerchantID,
		payment.CustomerEmail,
		payment.Kind,
		payment.TokenMint,
		int16(payment.TokenDecimals),
		payment.Amount,
		int64(payment.BaseUnits),
		payment.Recipient,
		payment.Memo,
		payment.Status,
		payment.Signature,
		int64(payment.OverpaidBaseUnits),
		metadataJSON,
		payment.CreatedAt.UTC(),
		payment.UpdatedAt.UTC(),
		confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Reference already exists; references are never reused
		return ErrDuplicateReference
	}

	return nil
}

// GetPayment retrieves a payment by reference.
func (s *PostgresStore) GetPayment(ctx context.Context, reference string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE reference = $1`, paymentColumns, s.paymentsTableName)

	payment, err := scanPayment(s.db.QueryRowContext(ctx, query, reference))
	if err == sql.ErrNoRows {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}

	return payment, nil
}

// ListPendingPayments returns pending payments ordered by creation time, oldest first.
func (s *PostgresStore) ListPendingPayments(ctx context.Context, limit int) ([]Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_pending_payments", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, paymentColumns, s.paymentsTableName)

	rows, err := s.db.QueryContext(ctx, query, PaymentStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, payment)
	}

	return payments, rows.Err()
}

// ConfirmIfPending flips a payment from pending to confirmed exactly once.
// The UPDATE is keyed on reference AND current status, so a concurrent cycle
// that already settled the payment makes this a no-op returning ErrNotPending.
func (s *PostgresStore) ConfirmIfPending(ctx context.Context, reference, signature string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "confirm_if_pending", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, signature = $3, confirmed_at = NOW(), updated_at = NOW()
		WHERE reference = $1 AND status = $4
		RETURNING %s
	`, s.paymentsTableName, paymentColumns)

	payment, err := scanPayment(s.db.QueryRowContext(ctx, query,
		reference, PaymentStatusConfirmed, signature, PaymentStatusPending))
	if err == sql.ErrNoRows {
		return Payment{}, s.explainMissedUpdate(ctx, reference)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("confirm payment: %w", err)
	}

	return payment, nil
}

// MarkFailed flips a pending payment to failed with the same conditional gating.
func (s *PostgresStore) MarkFailed(ctx context.Context, reference string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "mark_failed", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = NOW()
		WHERE reference = $1 AND status = $3
		RETURNING %s
	`, s.paymentsTableName, paymentColumns)

	payment, err := scanPayment(s.db.QueryRowContext(ctx, query,
		reference, PaymentStatusFailed, PaymentStatusPending))
	if err == sql.ErrNoRows {
		return Payment{}, s.explainMissedUpdate(ctx, reference)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("fail payment: %w", err)
	}

	return payment, nil
}

// explainMissedUpdate distinguishes a missing payment from an already-settled
// one after a conditional UPDATE matched no rows.
func (s *PostgresStore) explainMissedUpdate(ctx context.Context, reference string) error {
	var status string
	checkQuery := fmt.Sprintf(`SELECT status FROM %s WHERE reference = $1`, s.paymentsTableName)
	err := s.db.QueryRowContext(ctx, checkQuery, reference).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check payment status: %w", err)
	}
	return ErrNotPending
}

// RecordOverpayment stores the accepted surplus on the payment row.
func (s *PostgresStore) RecordOverpayment(ctx context.Context, reference string, overpaidBaseUnits uint64) error {
	defer metrics.MeasureDBQuery(s.metrics, "record_overpayment", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET overpaid_base_units = $2, updated_at = NOW()
		WHERE reference = $1
	`, s.paymentsTableName)

	result, err := s.db.ExecContext(ctx, query, reference, int64(overpaidBaseUnits))
	if err != nil {
		return fmt.Errorf("record overpayment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordTransaction appends an immutable settled-transfer row.
// Duplicate signatures are tolerated (ON CONFLICT DO NOTHING) because the
// confirmer may re-run the fanout on overlapping cycles.
func (s *PostgresStore) RecordTransaction(ctx context.Context, record TransactionRecord) error {
	if record.Signature == "" {
		return fmt.Errorf("transaction record requires signature")
	}
	if record.Reference == "" {
		return fmt.Errorf("transaction record requires reference")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	defer metrics.MeasureDBQuery(s.metrics, "record_transaction", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (signature, reference, payer, amount_base_units, kind, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature) DO NOTHING
	`, s.transactionsTableName)

	_, err = s.db.ExecContext(ctx, query,
		record.Signature,
		record.Reference,
		record.Payer,
		int64(record.BaseUnits),
		record.Kind,
		metadataJSON,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}

	return nil
}

// ListTransactions returns settled transfers for a reference, oldest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, reference string) ([]TransactionRecord, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_transactions", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT signature, reference, payer, amount_base_units, kind, metadata, created_at
		FROM %s
		WHERE reference = $1
		ORDER BY created_at ASC
	`, s.transactionsTableName)

	rows, err := s.db.QueryContext(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		var record TransactionRecord
		var baseUnits int64
		var metadataJSON []byte

		err := rows.Scan(
			&record.Signature,
			&record.Reference,
			&record.Payer,
			&baseUnits,
			&record.Kind,
			&metadataJSON,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transaction record: %w", err)
		}

		record.BaseUnits = uint64(baseUnits)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// scanPayment scans a payment row in paymentColumns order.
func scanPayment(s scanner) (Payment, error) {
	var payment Payment
	var tokenDecimals int16
	var baseUnits, overpaid int64
	var metadataJSON []byte
	var confirmedAt sql.NullTime

	err := s.Scan(
		&payment.Reference,
		&payment.MerchantID,
		&payment.CustomerEmail,
		&payment.Kind,
		&payment.TokenMint,
		&tokenDecimals,
		&payment.Amount,
		&baseUnits,
		&payment.Recipient,
		&payment.Memo,
		&payment.Status,
		&payment.Signature,
		&overpaid,
		&metadataJSON,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&confirmedAt,
	)
	if err != nil {
		return Payment{}, err
	}

	payment.TokenDecimals = uint8(tokenDecimals)
	payment.BaseUnits = uint64(baseUnits)
	payment.OverpaidBaseUnits = uint64(overpaid)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &payment.Metadata); err != nil {
			return Payment{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	if confirmedAt.Valid {
		payment.ConfirmedAt = &confirmedAt.Time
	}

	return payment, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
