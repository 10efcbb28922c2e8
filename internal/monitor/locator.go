package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

// findSignature looks up the on-ledger transaction that mentions the
// payment's reference key. found=false means the ledger has not observed
// the reference yet, which is the normal state while the customer has not
// paid; it is reported at debug level, not as an error.
func (m *Monitor) findSignature(ctx context.Context, payment storage.Payment) (solana.Signature, bool, error) {
	reference, err := solana.PublicKeyFromBase58(payment.Reference)
	if err != nil {
		return solana.Signature{}, false, &MonitorError{
			Kind: KindValidationException,
			Op:   opLocateTransaction,
			Err:  fmt.Errorf("parse reference: %w", err),
		}
	}

	sig, err := m.ledger.FindTransactionByReference(ctx, reference, m.commitment)
	if err != nil {
		if errors.Is(err, solanaclient.ErrReferenceNotObserved) {
			m.logger.Debug().
				Str("reference", payment.Reference).
				Str("payment_type", string(payment.Kind)).
				Msg("reference not yet observed on ledger")
			return solana.Signature{}, false, nil
		}
		return solana.Signature{}, false, err
	}
	return sig, true, nil
}
