package callbacks

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/httputil"
)

// Notifier delivers payment events to merchant-defined callbacks.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, event PaymentEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PaymentConfirmed(context.Context, PaymentEvent) {}

// PaymentEvent encapsulates the essential information about a confirmed payment.
// IMPORTANT: EventID is the idempotency key - webhook consumers MUST use this to prevent duplicate processing.
type PaymentEvent struct {
	// Idempotency and event metadata (ALWAYS present)
	EventID        string    `json:"eventId"`        // Unique event identifier for idempotency (e.g., "evt_abc123")
	EventType      string    `json:"eventType"`      // Always "payment.confirmed" for this event
	EventTimestamp time.Time `json:"eventTimestamp"` // ISO8601 timestamp when event was created (UTC)

	// Payment details
	Reference         string            `json:"reference"`
	Instrument        string            `json:"instrument"` // "native" or "token"
	Amount            string            `json:"amount"`     // Display units, e.g. "1.5"
	BaseUnits         uint64            `json:"baseUnits"`
	TokenMint         string            `json:"tokenMint,omitempty"`
	Recipient         string            `json:"recipient,omitempty"`
	Signature         string            `json:"signature"`
	OverpaidBaseUnits uint64            `json:"overpaidBaseUnits,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ConfirmedAt       time.Time         `json:"confirmedAt"`
}

// ErrCallbackDisabled is returned when callbacks are not configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// generateEventID creates a unique event identifier for idempotency.
// Format: "evt_" + 24 hex characters (12 random bytes)
// Example: "evt_a1b2c3d4e5f67890abcdef12"
func generateEventID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails (extremely rare)
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(randomBytes)
}

// PreparePaymentEvent ensures PaymentEvent has required idempotency fields set.
// If EventID is already set, it's preserved (for retries). If not, a new one is generated.
func PreparePaymentEvent(event *PaymentEvent) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = "payment.confirmed"
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.ConfirmedAt.IsZero() {
		event.ConfirmedAt = time.Now().UTC()
	}
}

// SendOnce sends a payment event webhook without retry logic (for testing/CLI tools).
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event PaymentEvent) error {
	if cfg.PaymentConfirmedURL == "" {
		return ErrCallbackDisabled
	}

	// Ensure idempotency fields are set
	PreparePaymentEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := httputil.NewClient(timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.PaymentConfirmedURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := cfg.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	for k, v := range cfg.Headers {
		if k == "" || k == "Content-Type" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, cfg.PaymentConfirmedURL)
	}

	return nil
}
