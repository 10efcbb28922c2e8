package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/VigilPay/server/internal/errors"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/storage"
	"github.com/VigilPay/server/pkg/responders"
)

const (
	defaultDLQPageSize = 50
	maxDLQPageSize     = 500
)

// listDLQWebhooks returns webhooks that exhausted their retries. Operators
// inspect this queue and requeue entries once the receiving endpoint is
// fixed.
func (h *handlers) listDLQWebhooks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	limit := defaultDLQPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be a positive integer")
			return
		}
		if parsed > maxDLQPageSize {
			parsed = maxDLQPageSize
		}
		limit = parsed
	}

	webhooks, err := h.store.ListWebhooks(r.Context(), storage.WebhookStatusFailed, limit)
	if err != nil {
		log.Error().
			Err(err).
			Msg("admin.dlq_list_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list dead-letter queue")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"webhooks": webhooks,
		"count":    len(webhooks),
	})
}

// retryDLQWebhook resets a dead-lettered webhook to pending so the queue
// worker picks it up on its next poll.
func (h *handlers) retryDLQWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id := chi.URLParam(r, "id")
	if id == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "webhook id required")
		return
	}

	webhook, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookNotFound, "webhook not found")
			return
		}
		log.Error().
			Err(err).
			Str("webhook_id", id).
			Msg("admin.dlq_get_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load webhook")
		return
	}
	if webhook.Status != storage.WebhookStatusFailed {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
			"webhook is not in the dead-letter queue", "status", string(webhook.Status))
		return
	}

	if err := h.store.RetryWebhook(r.Context(), id); err != nil {
		log.Error().
			Err(err).
			Str("webhook_id", id).
			Msg("admin.dlq_retry_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to requeue webhook")
		return
	}

	log.Info().
		Str("webhook_id", id).
		Str("event_type", webhook.EventType).
		Int("previous_attempts", webhook.Attempts).
		Msg("admin.dlq_webhook_requeued")

	responders.JSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": string(storage.WebhookStatusPending),
	})
}
