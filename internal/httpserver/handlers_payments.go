package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	netmail "net/mail"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/VigilPay/server/internal/apikey"
	apierrors "github.com/VigilPay/server/internal/errors"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/money"
	"github.com/VigilPay/server/internal/storage"
	"github.com/VigilPay/server/pkg/responders"
)

const nativeDecimals = 9

// paymentView is the wire shape for a payment intent in API responses.
type paymentView struct {
	Reference         string            `json:"reference"`
	Status            string            `json:"status"`
	Kind              string            `json:"kind"`
	Amount            string            `json:"amount"`
	BaseUnits         uint64            `json:"baseUnits"`
	Recipient         string            `json:"recipient"`
	TokenMint         string            `json:"tokenMint,omitempty"`
	TokenDecimals     uint8             `json:"tokenDecimals"`
	Memo              string            `json:"memo,omitempty"`
	Signature         string            `json:"signature,omitempty"`
	OverpaidBaseUnits uint64            `json:"overpaidBaseUnits,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ConfirmedAt       *time.Time        `json:"confirmedAt,omitempty"`
}

func viewOf(p storage.Payment) paymentView {
	return paymentView{
		Reference:         p.Reference,
		Status:            string(p.Status),
		Kind:              string(p.Kind),
		Amount:            p.Amount,
		BaseUnits:         p.BaseUnits,
		Recipient:         p.Recipient,
		TokenMint:         p.TokenMint,
		TokenDecimals:     p.TokenDecimals,
		Memo:              p.Memo,
		Signature:         p.Signature,
		OverpaidBaseUnits: p.OverpaidBaseUnits,
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		ConfirmedAt:       p.ConfirmedAt,
	}
}

// createPayment registers a new payment intent and hands back the reference
// the customer's wallet must attach to the transfer. The reference is a
// fresh ed25519 public key, so it is unguessable and never reused.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	merchant, authenticated := apikey.FromRequest(r)
	if h.cfg.APIKey.Enabled && !authenticated {
		log.Warn().
			Msg("payments.create_unauthenticated")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "valid API key required")
		return
	}

	var req struct {
		Amount        string            `json:"amount"`
		Kind          string            `json:"kind"`
		Recipient     string            `json:"recipient,omitempty"`
		TokenMint     string            `json:"tokenMint,omitempty"`
		TokenDecimals *uint8            `json:"tokenDecimals,omitempty"`
		Memo          string            `json:"memo,omitempty"`
		CustomerEmail string            `json:"customerEmail,omitempty"`
		Metadata      map[string]string `json:"metadata,omitempty"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("payments.create_invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if req.Amount == "" {
		log.Warn().
			Msg("payments.create_missing_amount")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "amount required")
		return
	}

	kind := storage.PaymentKind(req.Kind)
	switch kind {
	case storage.PaymentKindNative, storage.PaymentKindToken:
	case "":
		kind = storage.PaymentKindNative
	default:
		log.Warn().
			Str("kind", req.Kind).
			Msg("payments.create_invalid_kind")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, fmt.Sprintf("unknown payment kind %q", req.Kind))
		return
	}

	recipient := req.Recipient
	if recipient == "" {
		recipient = h.cfg.Solana.RecipientAddress
	}
	if recipient == "" {
		log.Warn().
			Msg("payments.create_missing_recipient")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "recipient required (no default configured)")
		return
	}
	if _, err := solana.PublicKeyFromBase58(recipient); err != nil {
		log.Warn().
			Err(err).
			Str("recipient", logger.TruncateAddress(recipient)).
			Msg("payments.create_invalid_recipient")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidWallet, fmt.Sprintf("invalid recipient: %v", err))
		return
	}

	tokenMint := ""
	decimals := uint8(nativeDecimals)
	if kind == storage.PaymentKindToken {
		tokenMint = req.TokenMint
		if tokenMint == "" {
			tokenMint = h.cfg.Solana.TokenMint
		}
		if tokenMint == "" {
			log.Warn().
				Msg("payments.create_missing_token_mint")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "tokenMint required for token payments")
			return
		}
		if _, err := solana.PublicKeyFromBase58(tokenMint); err != nil {
			log.Warn().
				Err(err).
				Str("token_mint", tokenMint).
				Msg("payments.create_invalid_token_mint")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidTokenMint, fmt.Sprintf("invalid tokenMint: %v", err))
			return
		}
		decimals = h.cfg.Solana.TokenDecimals
		if req.TokenDecimals != nil {
			decimals = *req.TokenDecimals
		}
	}

	baseUnits, err := money.ParseAmount(req.Amount, decimals)
	if err != nil {
		log.Warn().
			Err(err).
			Str("amount", req.Amount).
			Msg("payments.create_invalid_amount")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, fmt.Sprintf("invalid amount: %v", err))
		return
	}

	if req.CustomerEmail != "" {
		if _, err := netmail.ParseAddress(req.CustomerEmail); err != nil {
			log.Warn().
				Err(err).
				Msg("payments.create_invalid_email")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidEmail, "invalid customerEmail")
			return
		}
	}

	reference := solana.NewWallet().PublicKey().String()
	now := time.Now().UTC()

	payment := storage.Payment{
		Reference:     reference,
		MerchantID:    merchant.ID,
		CustomerEmail: req.CustomerEmail,
		Kind:          kind,
		TokenMint:     tokenMint,
		TokenDecimals: decimals,
		Amount:        req.Amount,
		BaseUnits:     baseUnits,
		Recipient:     recipient,
		Memo:          req.Memo,
		Status:        storage.PaymentStatusPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.store.CreatePayment(r.Context(), payment); err != nil {
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("payments.create_store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to persist payment")
		return
	}

	if h.metrics != nil {
		h.metrics.ObservePaymentCreated(string(kind))
	}

	log.Info().
		Str("reference", reference).
		Str("merchant_id", merchant.ID).
		Str("kind", string(kind)).
		Str("amount", req.Amount).
		Uint64("base_units", baseUnits).
		Str("recipient", logger.TruncateAddress(recipient)).
		Msg("payments.created")

	responders.JSON(w, http.StatusCreated, viewOf(payment))
}

// getPayment returns the current status of a payment intent. Customers poll
// this while waiting for the monitor to observe the transfer; the websocket
// subscribe endpoint is the push-based alternative.
func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	reference := chi.URLParam(r, "reference")
	if _, err := solana.PublicKeyFromBase58(reference); err != nil {
		log.Warn().
			Err(err).
			Str("reference", reference).
			Msg("payments.get_invalid_reference")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidReference, "reference is not a valid base58 public key")
		return
	}

	payment, err := h.store.GetPayment(r.Context(), reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentNotFound, "payment not found")
			return
		}
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("payments.get_store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load payment")
		return
	}

	responders.JSON(w, http.StatusOK, viewOf(payment))
}
