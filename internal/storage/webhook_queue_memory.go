package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EnqueueWebhook adds a webhook to the delivery queue.
func (m *MemoryStore) EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareWebhookDefaults(&webhook)

	m.webhookQueue[webhook.ID] = webhook
	return webhook.ID, nil
}

// DequeueWebhooks retrieves webhooks ready for delivery.
func (m *MemoryStore) DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var ready []PendingWebhook

	for _, webhook := range m.webhookQueue {
		if webhook.Status == WebhookStatusPending && !webhook.NextAttemptAt.After(now) {
			ready = append(ready, webhook)
		}
	}

	// Earliest next attempt first, matching the SQL backends
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	return ready, nil
}

// MarkWebhookProcessing updates webhook status to prevent duplicate processing.
func (m *MemoryStore) MarkWebhookProcessing(ctx context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.Status = WebhookStatusProcessing
	webhook.LastAttemptAt = time.Now().UTC()
	webhook.Attempts++
	m.webhookQueue[webhookID] = webhook

	return nil
}

// MarkWebhookSuccess marks webhook as successfully delivered and removes from queue.
func (m *MemoryStore) MarkWebhookSuccess(ctx context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhookQueue[webhookID]; !ok {
		return ErrNotFound
	}

	delete(m.webhookQueue, webhookID)
	return nil
}

// MarkWebhookFailed records failed attempt and schedules retry (or moves to DLQ if exhausted).
func (m *MemoryStore) MarkWebhookFailed(ctx context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.LastError = errorMsg
	webhook.LastAttemptAt = time.Now().UTC()

	if webhook.Attempts >= webhook.MaxAttempts {
		// Exhausted all retries, park in the DLQ
		webhook.Status = WebhookStatusFailed
		now := time.Now().UTC()
		webhook.CompletedAt = &now
	} else {
		webhook.Status = WebhookStatusPending
		webhook.NextAttemptAt = nextAttemptAt
	}

	m.webhookQueue[webhookID] = webhook
	return nil
}

// GetWebhook retrieves a webhook by ID.
func (m *MemoryStore) GetWebhook(ctx context.Context, webhookID string) (PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return PendingWebhook{}, ErrNotFound
	}

	return webhook, nil
}

// ListWebhooks lists webhooks with optional status filter. Filtering on
// WebhookStatusFailed is how the admin DLQ endpoint reads the dead letters.
func (m *MemoryStore) ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var webhooks []PendingWebhook

	for _, webhook := range m.webhookQueue {
		if status == "" || webhook.Status == status {
			webhooks = append(webhooks, webhook)
		}
	}

	// Newest first for admin listings
	sort.Slice(webhooks, func(i, j int) bool {
		return webhooks[i].CreatedAt.After(webhooks[j].CreatedAt)
	})

	if limit > 0 && len(webhooks) > limit {
		webhooks = webhooks[:limit]
	}

	return webhooks, nil
}

// RetryWebhook resets webhook to pending state for manual retry (admin operation).
func (m *MemoryStore) RetryWebhook(ctx context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.Status = WebhookStatusPending
	webhook.NextAttemptAt = time.Now().UTC()
	webhook.LastError = ""
	webhook.CompletedAt = nil
	m.webhookQueue[webhookID] = webhook

	return nil
}

// DeleteWebhook removes webhook from queue (admin operation).
func (m *MemoryStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhookQueue[webhookID]; !ok {
		return ErrNotFound
	}

	delete(m.webhookQueue, webhookID)
	return nil
}

// prepareWebhookDefaults fills identity, status, and scheduling defaults on
// a freshly enqueued webhook. Shared by all backends.
func prepareWebhookDefaults(webhook *PendingWebhook) {
	if webhook.ID == "" {
		webhook.ID = generateWebhookID()
	}
	if webhook.Status == "" {
		webhook.Status = WebhookStatusPending
	}
	if webhook.CreatedAt.IsZero() {
		webhook.CreatedAt = time.Now().UTC()
	}
	if webhook.NextAttemptAt.IsZero() {
		webhook.NextAttemptAt = time.Now().UTC()
	}
	if webhook.MaxAttempts == 0 {
		webhook.MaxAttempts = 5 // Default from retry config
	}
}

// generateWebhookID creates a unique identifier for webhooks.
func generateWebhookID() string {
	return fmt.Sprintf("webhook_%d", time.Now().UnixNano())
}
