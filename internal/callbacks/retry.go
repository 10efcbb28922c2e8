package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/httputil"
	"github.com/VigilPay/server/internal/metrics"
	"github.com/rs/zerolog"
)

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum retry attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for webhook retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFromSettings converts the YAML retry settings into runtime
// retry configuration, filling defaults for anything unset.
func RetryConfigFromSettings(cfg config.RetryConfig, timeout time.Duration) RetryConfig {
	out := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval.Duration > 0 {
		out.InitialInterval = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		out.MaxInterval = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier > 0 {
		out.Multiplier = cfg.Multiplier
	}
	if timeout > 0 {
		out.Timeout = timeout
	}
	return out
}

// RetryableClient posts payment events with exponential backoff retry logic.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore         // Dead Letter Queue for failed webhooks
	metrics    *metrics.Metrics // Prometheus metrics collector
}

// DLQStore persists failed webhook attempts for manual retry or analysis.
type DLQStore interface {
	SaveFailedWebhook(ctx context.Context, webhook FailedWebhook) error
	ListFailedWebhooks(ctx context.Context, limit int) ([]FailedWebhook, error)
	DeleteFailedWebhook(ctx context.Context, id string) error
}

// FailedWebhook represents a webhook that exhausted all retry attempts.
type FailedWebhook struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"` // e.g. "payment.confirmed"
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables dead letter queue for failed webhooks.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig sets custom retry configuration.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector for webhook observability.
func WithMetrics(metrics *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = metrics
	}
}

// NewRetryableClient constructs a callback client with retry support.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) Notifier {
	if cfg.PaymentConfirmedURL == "" {
		return NoopNotifier{}
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &RetryableClient{
		cfg:        cfg,
		retryCfg:   DefaultRetryConfig(),
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(), // No-op logger by default
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// PaymentConfirmed dispatches the payment event asynchronously with retry logic.
// IMPORTANT: EventID is generated once and preserved across all retry attempts for idempotency.
func (c *RetryableClient) PaymentConfirmed(ctx context.Context, event PaymentEvent) {
	if c == nil || c.cfg.PaymentConfirmedURL == "" {
		return
	}

	// Prepare idempotency fields BEFORE serialization
	// This ensures the same EventID is used for all retry attempts
	PreparePaymentEvent(&event)

	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			c.logger.Error().Err(err).Msg("callbacks: failed to serialize payment event")
			return
		}

		if err := c.sendWithRetry(context.Background(), payload, event.EventType); err != nil {
			c.logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("reference", event.Reference).
				Msg("callbacks: payment webhook failed after all retries")
			// Save to DLQ if configured
			if c.dlqStore != nil {
				c.saveToDLQ(context.Background(), payload, event.EventType, err)
			}
		}
	}()
}

// sendWithRetry attempts to send the webhook with exponential backoff.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) error {
	var lastErr error
	interval := c.retryCfg.InitialInterval
	startTime := time.Now()

	// If retries are disabled, only attempt once
	if !c.cfg.Retry.Enabled {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.sendHTTP(reqCtx, payload)
		cancel()
		if c.metrics != nil {
			status := "success"
			if err != nil {
				status = "failed"
			}
			c.metrics.ObserveWebhook(eventType, status, time.Since(startTime), 1, false)
		}
		return err
	}

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.sendHTTP(reqCtx, payload)
		cancel()

		if err == nil {
			duration := time.Since(startTime)

			// Record successful webhook delivery
			if c.metrics != nil {
				c.metrics.ObserveWebhook(eventType, "success", duration, attempt, false)
			}

			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("callbacks: webhook succeeded after retry")
			}
			return nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCfg.MaxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("callbacks: webhook attempt failed")

		// Don't sleep after the last attempt
		if attempt < c.retryCfg.MaxAttempts {
			time.Sleep(interval)
			// Exponential backoff with max cap
			interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
			if interval > c.retryCfg.MaxInterval {
				interval = c.retryCfg.MaxInterval
			}
		}
	}

	duration := time.Since(startTime)

	// Record failed webhook (after all retries exhausted)
	if c.metrics != nil {
		c.metrics.ObserveWebhook(eventType, "failed", duration, c.retryCfg.MaxAttempts, false)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", c.retryCfg.MaxAttempts, lastErr)
}

// sendHTTP performs the actual HTTP request.
func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PaymentConfirmedURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := c.cfg.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	for k, v := range c.cfg.Headers {
		if k == "" {
			continue
		}
		if strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, c.cfg.PaymentConfirmedURL)
	}

	return nil
}

// saveToDLQ persists a failed webhook to the dead letter queue.
func (c *RetryableClient) saveToDLQ(ctx context.Context, payload []byte, eventType string, lastErr error) {
	webhook := FailedWebhook{
		ID:          generateWebhookID(),
		URL:         c.cfg.PaymentConfirmedURL,
		Payload:     json.RawMessage(payload),
		Headers:     c.cfg.Headers,
		EventType:   eventType,
		Attempts:    c.retryCfg.MaxAttempts,
		LastError:   lastErr.Error(),
		LastAttempt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := c.dlqStore.SaveFailedWebhook(ctx, webhook); err != nil {
		c.logger.Error().Err(err).Str("webhook_id", webhook.ID).Msg("callbacks: failed to save to DLQ")
	} else {
		// Record DLQ metric
		if c.metrics != nil {
			// Calculate total duration (use a reasonable estimate based on max attempts)
			totalDuration := time.Duration(webhook.Attempts) * c.retryCfg.InitialInterval
			c.metrics.ObserveWebhook(eventType, "dlq", totalDuration, webhook.Attempts, true)
		}

		c.logger.Info().
			Str("webhook_id", webhook.ID).
			Str("event_type", eventType).
			Int("attempts", webhook.Attempts).
			Msg("callbacks: saved failed webhook to DLQ")
	}
}

// generateWebhookID creates a unique identifier for failed webhooks.
func generateWebhookID() string {
	return fmt.Sprintf("webhook_%d", time.Now().UnixNano())
}
