package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/VigilPay/server/internal/callbacks"
	"github.com/VigilPay/server/internal/live"
	"github.com/VigilPay/server/internal/storage"
)

const emailKindPaymentConfirmed = "payment_confirmed"

// paymentUpdate is the payload broadcast to live subscribers when a payment
// settles.
type paymentUpdate struct {
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	Signature   string     `json:"signature"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// confirm settles a validated payment and fans out the notifications. The
// conditional status flip is the only write correctness depends on; every
// later leg is best effort, logged on failure, and never undoes the flip.
func (m *Monitor) confirm(ctx context.Context, payment storage.Payment, outcome ValidationOutcome) error {
	confirmed, err := m.store.ConfirmIfPending(ctx, payment.Reference, outcome.Signature)
	if err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			m.logger.Debug().
				Str("reference", payment.Reference).
				Str("signature", outcome.Signature).
				Msg("payment already settled elsewhere, skipping fanout")
			return nil
		}
		return databaseError(opConfirmPayment, payment, err)
	}

	if outcome.OverpaidBaseUnits > 0 {
		if err := m.store.RecordOverpayment(ctx, payment.Reference, outcome.OverpaidBaseUnits); err != nil {
			m.logger.Warn().
				Err(err).
				Str("reference", payment.Reference).
				Uint64("overpaid_base_units", outcome.OverpaidBaseUnits).
				Msg("failed to record overpayment")
		}
	}

	logEvt := m.logger.Info().
		Str("reference", payment.Reference).
		Str("signature", outcome.Signature).
		Str("payment_type", string(payment.Kind)).
		Str("validation_method", outcome.Method).
		Int64("delta_base_units", outcome.DeltaBaseUnits).
		Uint64("expected_base_units", outcome.ExpectedBaseUnits).
		Uint64("tolerance_base_units", outcome.ToleranceBaseUnits)
	if outcome.OverpaidBaseUnits > 0 {
		logEvt = logEvt.Uint64("overpaid_base_units", outcome.OverpaidBaseUnits)
	}
	logEvt.Msg("payment confirmed")

	if m.metrics != nil {
		m.metrics.ObservePaymentConfirmed(string(payment.Kind), outcome.Method,
			time.Since(payment.CreatedAt), outcome.OverpaidBaseUnits)
	}

	m.notifier.PaymentConfirmed(ctx, paymentEventFor(confirmed, outcome))

	if m.live != nil {
		m.live.Publish(live.PaymentRoom(confirmed.Reference), live.EventPaymentUpdate, paymentUpdate{
			Reference:   confirmed.Reference,
			Status:      string(confirmed.Status),
			Signature:   confirmed.Signature,
			ConfirmedAt: confirmed.ConfirmedAt,
		})
	}

	record := storage.TransactionRecord{
		Signature: outcome.Signature,
		Reference: payment.Reference,
		Payer:     outcome.Payer,
		BaseUnits: settledBaseUnits(outcome.DeltaBaseUnits),
		Kind:      payment.Kind,
		Metadata:  map[string]string{"validation_method": outcome.Method},
	}
	if err := m.store.RecordTransaction(ctx, record); err != nil {
		m.logger.Warn().
			Err(err).
			Str("reference", payment.Reference).
			Str("signature", outcome.Signature).
			Msg("failed to record settled transfer")
	}

	if m.email != nil && confirmed.CustomerEmail != "" {
		if err := m.email.Enqueue(ctx, emailKindPaymentConfirmed, confirmed); err != nil {
			m.logger.Warn().
				Err(err).
				Str("reference", payment.Reference).
				Msg("failed to enqueue confirmation email")
		}
	}

	return nil
}

// paymentEventFor shapes the webhook payload for a settled payment. The
// idempotency fields are filled by the notifier.
func paymentEventFor(payment storage.Payment, outcome ValidationOutcome) callbacks.PaymentEvent {
	event := callbacks.PaymentEvent{
		Reference:         payment.Reference,
		Instrument:        string(payment.Kind),
		Amount:            payment.Amount,
		BaseUnits:         payment.BaseUnits,
		TokenMint:         payment.TokenMint,
		Recipient:         payment.Recipient,
		Signature:         outcome.Signature,
		OverpaidBaseUnits: outcome.OverpaidBaseUnits,
		Metadata:          payment.Metadata,
	}
	if payment.ConfirmedAt != nil {
		event.ConfirmedAt = payment.ConfirmedAt.UTC()
	}
	return event
}

// settledBaseUnits clamps a balance delta for the transfer record. Deltas
// are non-negative on any path that reaches the confirmer.
func settledBaseUnits(delta int64) uint64 {
	if delta < 0 {
		return 0
	}
	return uint64(delta)
}
