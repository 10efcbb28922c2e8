package httpserver

import (
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/VigilPay/server/internal/errors"
	"github.com/VigilPay/server/internal/live"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/storage"
)

// subscribeLive upgrades to a websocket scoped to one payment's room. The
// client receives a payment-update event when the monitor confirms; a
// subscriber connecting after confirmation gets nothing and should poll the
// status endpoint first.
func (h *handlers) subscribeLive(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	reference := chi.URLParam(r, "reference")
	if _, err := solana.PublicKeyFromBase58(reference); err != nil {
		log.Warn().
			Err(err).
			Str("reference", reference).
			Msg("live.invalid_reference")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidReference, "reference is not a valid base58 public key")
		return
	}

	// Unknown references are rejected before the upgrade so callers get a
	// proper 404 instead of a dead socket.
	if _, err := h.store.GetPayment(r.Context(), reference); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentNotFound, "payment not found")
			return
		}
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("live.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load payment")
		return
	}

	h.live.Serve(w, r, live.PaymentRoom(reference))
}
