package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client       *mongo.Client
	db           *mongo.Database
	payments     *mongo.Collection
	transactions *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// NOTE: client.Disconnect() error is intentionally ignored during initialization cleanup.
		// If connection fails, the Disconnect() error is not actionable and would only obscure
		// the original connection failure. The primary error is returned to the caller.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoDBStore{
		client:       client,
		db:           db,
		payments:     db.Collection("payments"),
		transactions: db.Collection("payment_transactions"),
	}

	if err := store.createIndexes(ctx); err != nil {
		// Same rationale: Disconnect() error during initialization cleanup is not actionable
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	// Payments: reference is the external key; the monitor scans by
	// (status, created_at) every cycle
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "merchant_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payments indexes: %w", err)
	}

	// Transaction records: unique signature, lookup by reference
	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "signature", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "reference", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transactions indexes: %w", err)
	}

	// Webhook queue: dequeue filters on (status, nextattemptat)
	_, err = s.db.Collection(webhookQueueCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextattemptat", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create webhook queue indexes: %w", err)
	}

	return nil
}

// mongoPayment is the MongoDB document structure for payments.
type mongoPayment struct {
	Reference         string            `bson:"reference"`
	MerchantID        string            `bson:"merchant_id"`
	CustomerEmail     string            `bson:"customer_email"`
	Kind              string            `bson:"kind"`
	TokenMint         string            `bson:"token_mint"`
	TokenDecimals     int32             `bson:"token_decimals"`
	Amount            string            `bson:"amount"`
	AmountBaseUnits   int64             `bson:"amount_base_units"`
	Recipient         string            `bson:"recipient"`
	Memo              string            `bson:"memo"`
	Status            string            `bson:"status"`
	Signature         string            `bson:"signature"`
	OverpaidBaseUnits int64             `bson:"overpaid_base_units"`
	Metadata          map[string]string `bson:"metadata"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
	ConfirmedAt       *time.Time        `bson:"confirmed_at"`
}

func toMongoPayment(p Payment) mongoPayment {
	return mongoPayment{
		Reference:         p.Reference,
		MerchantID:        p.MerchantID,
		CustomerEmail:     p.CustomerEmail,
		Kind:              string(p.Kind),
		TokenMint:         p.TokenMint,
		TokenDecimals:     int32(p.TokenDecimals),
		Amount:            p.Amount,
		AmountBaseUnits:   int64(p.BaseUnits),
		Recipient:         p.Recipient,
		Memo:              p.Memo,
		Status:            string(p.Status),
		Signature:         p.Signature,
		OverpaidBaseUnits: int64(p.OverpaidBaseUnits),
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		ConfirmedAt:       p.ConfirmedAt,
	}
}

func fromMongoPayment(doc mongoPayment) Payment {
	return Payment{
		Reference:         doc.Reference,
		MerchantID:        doc.MerchantID,
		CustomerEmail:     doc.CustomerEmail,
		Kind:              PaymentKind(doc.Kind),
		TokenMint:         doc.TokenMint,
		TokenDecimals:     uint8(doc.TokenDecimals),
		Amount:            doc.Amount,
		BaseUnits:         uint64(doc.AmountBaseUnits),
		Recipient:         doc.Recipient,
		Memo:              doc.Memo,
		Status:            PaymentStatus(doc.Status),
		Signature:         doc.Signature,
		OverpaidBaseUnits: uint64(doc.OverpaidBaseUnits),
		Metadata:          doc.Metadata,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
		ConfirmedAt:       doc.ConfirmedAt,
	}
}

// mongoTransactionRecord is the MongoDB document structure for settled transfers.
type mongoTransactionRecord struct {
	Signature       string            `bson:"signature"`
	Reference       string            `bson:"reference"`
	Payer           string            `bson:"payer"`
	AmountBaseUnits int64             `bson:"amount_base_units"`
	Kind            string            `bson:"kind"`
	Metadata        map[string]string `bson:"metadata"`
	CreatedAt       time.Time         `bson:"created_at"`
}

// CreatePayment stores a new payment intent.
// Uses $setOnInsert with upsert so a concurrent duplicate loses cleanly:
// UpsertedCount == 0 means the reference already existed.
func (s *MongoDBStore) CreatePayment(ctx context.Context, payment Payment) error {
	if err := validateAndPreparePayment(&payment); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"reference": payment.Reference}
	update := bson.M{"$setOnInsert": toMongoPayment(payment)}
	opts := options.Update().SetUpsert(true)

	result, err := s.payments.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if result.UpsertedCount == 0 {
		return ErrDuplicateReference
	}

	return nil
}

// GetPayment retrieves a payment by reference.
func (s *MongoDBStore) GetPayment(ctx context.Context, reference string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoPayment
	err := s.payments.FindOne(ctx, bson.M{"reference": reference}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}

	return fromMongoPayment(doc), nil
}

// ListPendingPayments returns pending payments ordered by creation time, oldest first.
func (s *MongoDBStore) ListPendingPayments(ctx context.Context, limit int) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"status": string(PaymentStatusPending)}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.payments.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query pending payments: %w", err)
	}
	defer cursor.Close(ctx)

	var payments []Payment
	for cursor.Next(ctx) {
		var doc mongoPayment
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		payments = append(payments, fromMongoPayment(doc))
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return payments, nil
}

// ConfirmIfPending flips a payment from pending to confirmed exactly once.
// FindOneAndUpdate with the status in the filter is the atomic primitive here;
// a concurrent cycle that already settled the payment matches nothing.
func (s *MongoDBStore) ConfirmIfPending(ctx context.Context, reference, signature string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"reference": reference, "status": string(PaymentStatusPending)}
	update := bson.M{"$set": bson.M{
		"status":       string(PaymentStatusConfirmed),
		"signature":    signature,
		"confirmed_at": now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoPayment
	err := s.payments.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Payment{}, s.explainMissedUpdate(ctx, reference)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("confirm payment: %w", err)
	}

	return fromMongoPayment(doc), nil
}

// MarkFailed flips a pending payment to failed with the same conditional gating.
func (s *MongoDBStore) MarkFailed(ctx context.Context, reference string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"reference": reference, "status": string(PaymentStatusPending)}
	update := bson.M{"$set": bson.M{
		"status":     string(PaymentStatusFailed),
		"updated_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoPayment
	err := s.payments.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Payment{}, s.explainMissedUpdate(ctx, reference)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("fail payment: %w", err)
	}

	return fromMongoPayment(doc), nil
}

// explainMissedUpdate distinguishes a missing payment from an already-settled
// one after a conditional update matched nothing.
func (s *MongoDBStore) explainMissedUpdate(ctx context.Context, reference string) error {
	count, err := s.payments.CountDocuments(ctx, bson.M{"reference": reference})
	if err != nil {
		return fmt.Errorf("check payment status: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrNotPending
}

// RecordOverpayment stores the accepted surplus on the payment row.
func (s *MongoDBStore) RecordOverpayment(ctx context.Context, reference string, overpaidBaseUnits uint64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"reference": reference}
	update := bson.M{"$set": bson.M{
		"overpaid_base_units": int64(overpaidBaseUnits),
		"updated_at":          time.Now().UTC(),
	}}

	result, err := s.payments.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("record overpayment: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordTransaction appends an immutable settled-transfer row.
// Duplicate signatures are tolerated: the $setOnInsert upsert leaves an
// existing document untouched and reports success.
func (s *MongoDBStore) RecordTransaction(ctx context.Context, record TransactionRecord) error {
	if record.Signature == "" {
		return fmt.Errorf("transaction record requires signature")
	}
	if record.Reference == "" {
		return fmt.Errorf("transaction record requires reference")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	doc := mongoTransactionRecord{
		Signature:       record.Signature,
		Reference:       record.Reference,
		Payer:           record.Payer,
		AmountBaseUnits: int64(record.BaseUnits),
		Kind:            string(record.Kind),
		Metadata:        record.Metadata,
		CreatedAt:       record.CreatedAt,
	}

	filter := bson.M{"signature": record.Signature}
	update := bson.M{"$setOnInsert": doc}
	opts := options.Update().SetUpsert(true)

	if _, err := s.transactions.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}

	return nil
}

// ListTransactions returns settled transfers for a reference, oldest first.
func (s *MongoDBStore) ListTransactions(ctx context.Context, reference string) ([]TransactionRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"reference": reference}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var records []TransactionRecord
	for cursor.Next(ctx) {
		var doc mongoTransactionRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction record: %w", err)
		}
		records = append(records, TransactionRecord{
			Signature: doc.Signature,
			Reference: doc.Reference,
			Payer:     doc.Payer,
			BaseUnits: uint64(doc.AmountBaseUnits),
			Kind:      PaymentKind(doc.Kind),
			Metadata:  doc.Metadata,
			CreatedAt: doc.CreatedAt,
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}
