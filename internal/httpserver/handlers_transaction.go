package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/VigilPay/server/internal/errors"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/rpcutil"
	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
	"github.com/VigilPay/server/pkg/responders"
)

// buildPaymentTransaction serves a Solana Pay style transaction request: the
// wallet POSTs its public key and receives an unsigned transfer carrying the
// payment reference, ready to sign and submit. The server never signs and
// never sees the submitted transaction; the monitor finds it later through
// the reference key.
func (h *handlers) buildPaymentTransaction(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	buildStart := time.Now()

	reference := chi.URLParam(r, "reference")
	referenceKey, err := solana.PublicKeyFromBase58(reference)
	if err != nil {
		log.Warn().
			Err(err).
			Str("reference", reference).
			Msg("txrequest.invalid_reference")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidReference, "reference is not a valid base58 public key")
		return
	}

	var req struct {
		Account string `json:"account"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("txrequest.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Account == "" {
		log.Warn().
			Msg("txrequest.missing_account")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "account required")
		return
	}
	payer, err := solana.PublicKeyFromBase58(req.Account)
	if err != nil {
		log.Warn().
			Err(err).
			Str("account", logger.TruncateAddress(req.Account)).
			Msg("txrequest.invalid_account")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidWallet, fmt.Sprintf("invalid account: %v", err))
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
			Msg("txrequest.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load payment")
		return
	}
	if !payment.IsPending() {
		log.Warn().
			Str("reference", reference).
			Str("status", string(payment.Status)).
			Msg("txrequest.payment_not_pending")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePaymentNotPending,
			"payment is no longer awaiting a transfer", "status", string(payment.Status))
		return
	}

	recipient, err := solana.PublicKeyFromBase58(payment.Recipient)
	if err != nil {
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("txrequest.invalid_stored_recipient")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "stored recipient is not a valid address")
		return
	}

	var mint solana.PublicKey
	if payment.Kind == storage.PaymentKindToken {
		mint, err = solana.PublicKeyFromBase58(payment.TokenMint)
		if err != nil {
			log.Error().
				Err(err).
				Str("reference", reference).
				Msg("txrequest.invalid_stored_mint")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "stored token mint is not a valid address")
			return
		}
	}

	if h.ledger == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRPCError, "ledger client unavailable")
		return
	}

	// Fresh blockhash through the interactive retry helper; the caller is
	// waiting on this response, so a transient RPC fault should not 502.
	blockhash, err := rpcutil.WithRetry(r.Context(), func() (solana.Hash, error) {
		hash, _, err := h.ledger.GetLatestBlockhash(r.Context())
		return hash, err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("txrequest.blockhash_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRPCError, "failed to fetch a recent blockhash")
		return
	}

	createRecipientATA := false
	if payment.Kind == storage.PaymentKindToken {
		createRecipientATA = h.recipientATAMissing(r, recipient, mint)
	}

	built, err := solanaclient.BuildTransferTransaction(solanaclient.TransferRequest{
		Payer:                       payer,
		Recipient:                   recipient,
		Reference:                   referenceKey,
		AmountBaseUnits:             payment.BaseUnits,
		TokenMint:                   mint,
		TokenDecimals:               payment.TokenDecimals,
		CreateRecipientTokenAccount: createRecipientATA,
		Memo:                        payment.Memo,
		Blockhash:                   blockhash,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("reference", reference).
			Msg("txrequest.build_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to build transaction")
		return
	}

	log.Info().
		Str("reference", reference).
		Str("payer", logger.TruncateAddress(req.Account)).
		Str("kind", string(payment.Kind)).
		Uint64("base_units", payment.BaseUnits).
		Bool("create_recipient_ata", createRecipientATA).
		Dur("build_duration", time.Since(buildStart)).
		Msg("txrequest.built")

	responders.JSON(w, http.StatusOK, map[string]any{
		"transaction": built.Transaction,
		"message":     transferMessage(payment),
	})
}

// recipientATAMissing checks whether the recipient's associated token
// account exists so the builder can prepend the create instruction. Lookup
// failures lean towards "exists": creating an account that is already there
// fails the whole transfer, while omitting a needed create only fails the
// token program's balance check, which the wallet surfaces cleanly.
func (h *handlers) recipientATAMissing(r *http.Request, recipient, mint solana.PublicKey) bool {
	log := logger.FromContext(r.Context())

	ata, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		log.Warn().
			Err(err).
			Msg("txrequest.derive_recipient_ata_failed")
		return false
	}
	exists, err := h.ledger.AccountExists(r.Context(), ata)
	if err != nil {
		log.Warn().
			Err(err).
			Str("ata", logger.TruncateAddress(ata.String())).
			Msg("txrequest.recipient_ata_lookup_failed")
		return false
	}
	return !exists
}

// transferMessage is the human-readable label wallets display next to the
// approval prompt.
func transferMessage(p storage.Payment) string {
	if p.Kind == storage.PaymentKindToken {
		return fmt.Sprintf("Payment of %s (token %s)", p.Amount, logger.TruncateAddress(p.TokenMint))
	}
	return fmt.Sprintf("Payment of %s SOL", p.Amount)
}
