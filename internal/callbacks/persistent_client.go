package callbacks

import (
	"context"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/metrics"
	"github.com/VigilPay/server/internal/storage"
	"github.com/rs/zerolog"
)

// PersistentCallbackClient delivers webhooks via a persistent queue.
// Unlike RetryableClient which uses goroutines (lost on restart), this client
// persists webhooks to the database for guaranteed delivery across server restarts.
type PersistentCallbackClient struct {
	worker *WebhookQueueWorker
	logger zerolog.Logger
}

// PersistentCallbackOptions configures the persistent callback client.
type PersistentCallbackOptions struct {
	Store       storage.Store
	Config      config.CallbacksConfig
	RetryConfig RetryConfig
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	DLQ         DLQStore // Optional file mirror for permanently failed webhooks
}

// NewPersistentCallbackClient creates a callback client with persistent queue backing.
func NewPersistentCallbackClient(opts PersistentCallbackOptions) *PersistentCallbackClient {
	if opts.Config.PaymentConfirmedURL == "" {
		return nil
	}

	if opts.RetryConfig.Timeout == 0 {
		opts.RetryConfig = DefaultRetryConfig()
	}

	worker := NewWebhookQueueWorker(WebhookQueueWorkerOptions{
		Store:       opts.Store,
		Config:      opts.Config,
		RetryConfig: opts.RetryConfig,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		DLQ:         opts.DLQ,
	})

	// Start worker in background
	worker.Start(context.Background())

	return &PersistentCallbackClient{
		worker: worker,
		logger: opts.Logger,
	}
}

// PaymentConfirmed queues a payment confirmation webhook for persistent delivery.
func (c *PersistentCallbackClient) PaymentConfirmed(ctx context.Context, event PaymentEvent) {
	if c == nil || c.worker == nil {
		return
	}

	if err := c.worker.EnqueuePaymentWebhook(ctx, event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("reference", event.Reference).
			Msg("failed to enqueue payment webhook")
	}
}

// Close gracefully stops the webhook worker.
func (c *PersistentCallbackClient) Close() error {
	if c == nil || c.worker == nil {
		return nil
	}

	c.worker.Stop()
	return nil
}
