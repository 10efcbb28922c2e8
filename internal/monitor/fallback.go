package monitor

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/VigilPay/server/internal/storage"
)

// runFallback re-examines a native payment whose validation failed hard,
// this time at the stricter finalized commitment. A full validator re-run
// over finalized data may still confirm; the simplified amount check that
// follows can do no more than flag the payment for manual review. It never
// confirms on its own, so ambiguous transfers always reach an operator.
func (m *Monitor) runFallback(ctx context.Context, payment storage.Payment, sig solana.Signature, cause *MonitorError) {
	m.logger.Warn().
		Str("reference", payment.Reference).
		Str("signature", sig.String()).
		Str("payment_type", string(payment.Kind)).
		Str("error_kind", string(KindSolValidationFailed)).
		Str("severity", string(KindSolValidationFailed.Severity())).
		Bool("is_retryable", false).
		Str("cause_kind", string(cause.Kind)).
		Msg("native validation failed, entering fallback review")

	detail, err := m.ledger.GetTransaction(ctx, sig, rpc.CommitmentFinalized)
	if err != nil {
		m.recordManualReview(payment, sig, "finalized_refetch_failed", cause, nil)
		return
	}

	// Confirmed-commitment data can be incomplete while the transaction
	// settles; the full check over finalized data is still authoritative.
	outcome, verr := validateNativeDetail(payment, detail)
	if verr == nil {
		if err := m.confirm(ctx, payment, outcome); err != nil {
			m.logger.Warn().
				Err(err).
				Str("reference", payment.Reference).
				Str("signature", sig.String()).
				Msg("finalized re-validation passed but settle failed")
			return
		}
		m.logger.Info().
			Str("reference", payment.Reference).
			Str("signature", sig.String()).
			Str("validation_method", outcome.Method).
			Msg("payment confirmed via finalized re-validation")
		return
	}

	if detail.Meta == nil || len(detail.Meta.PreBalances) == 0 || len(detail.Meta.PostBalances) == 0 {
		m.recordManualReview(payment, sig, "missing_balance_metadata", cause, nil)
		return
	}

	received := sumPositiveDeltas(detail.Meta.PreBalances, detail.Meta.PostBalances)
	if received*2 >= payment.BaseUnits {
		m.recordManualReview(payment, sig, "simplified_check_passed", cause, &received)
	} else {
		m.recordManualReview(payment, sig, "simplified_check_failed", cause, &received)
	}
}

// recordManualReview emits the structured record operators alert on. The
// payment stays pending; only an operator decision moves it.
func (m *Monitor) recordManualReview(payment storage.Payment, sig solana.Signature, reason string, cause *MonitorError, received *uint64) {
	evt := m.logger.Warn().
		Str("event", "monitor.manual_review_required").
		Str("reference", payment.Reference).
		Str("signature", sig.String()).
		Str("payment_type", string(payment.Kind)).
		Str("reason", reason).
		Str("cause_kind", string(cause.Kind)).
		Uint64("expected_base_units", payment.BaseUnits)
	if received != nil {
		evt = evt.Uint64("received_base_units", *received)
	}
	evt.Msg("manual review required")

	if m.metrics != nil {
		m.metrics.ObserveManualReview(reason)
	}
}

// sumPositiveDeltas totals the lamports credited across all accounts of a
// transaction, the coarse signal the simplified fallback check relies on.
func sumPositiveDeltas(pre, post []uint64) uint64 {
	n := len(pre)
	if len(post) < n {
		n = len(post)
	}
	var sum uint64
	for i := 0; i < n; i++ {
		if post[i] > pre[i] {
			sum += post[i] - pre[i]
		}
	}
	return sum
}
