package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

// Validation method labels, stable in logs and metrics.
const (
	ValidationMethodAccount = "account-based"
	ValidationMethodMemo    = "memo-based"
)

// ValidationOutcome records how a settled transaction satisfied a payment.
type ValidationOutcome struct {
	Signature          string
	Method             string
	DeltaBaseUnits     int64
	ExpectedBaseUnits  uint64
	ToleranceBaseUnits uint64
	OverpaidBaseUnits  uint64
	Payer              string
}

// validateNativeTransfer fetches the located transaction and checks that
// the expected lamports actually reached the recipient.
func (m *Monitor) validateNativeTransfer(ctx context.Context, payment storage.Payment, sig solana.Signature) (ValidationOutcome, error) {
	detail, err := m.ledger.GetTransaction(ctx, sig, m.commitment)
	if err != nil {
		return ValidationOutcome{}, err
	}
	return validateNativeDetail(payment, detail)
}

// validateNativeDetail is the core native-path check, pure over the fetched
// transaction detail:
//
//  1. reject transactions the ledger recorded as failed
//  2. extract the full ordered account key list
//  3. require the reference, in the keys or in a memo instruction
//  4. find the recipient's key index
//  5. compare the recipient's balance delta against the expected amount
//     within the fee-jitter tolerance
//
// The balance arrays are parallel to the extracted key list, which is what
// makes the recipient index lookup sufficient for both legacy and versioned
// transactions.
func validateNativeDetail(payment storage.Payment, detail *solanaclient.TransactionDetail) (ValidationOutcome, error) {
	if detail.Meta != nil && detail.Meta.Err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindTransactionFailed,
			Err:  fmt.Errorf("execution error: %v", detail.Meta.Err),
		}
	}

	keys, err := solanaclient.AccountKeysFor(detail.Tx, detail.Meta)
	if err != nil {
		return ValidationOutcome{}, err
	}

	reference, err := solana.PublicKeyFromBase58(payment.Reference)
	if err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindValidationException,
			Err:  fmt.Errorf("parse reference: %w", err),
		}
	}
	recipient, err := solana.PublicKeyFromBase58(payment.Recipient)
	if err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindValidationException,
			Err:  fmt.Errorf("parse recipient: %w", err),
		}
	}

	method := ValidationMethodAccount
	if !solanaclient.ContainsKey(keys, reference) {
		if !memoMentionsReference(detail.Tx, keys, payment.Reference) {
			return ValidationOutcome{}, &MonitorError{
				Kind: KindReferenceNotFound,
				Err:  fmt.Errorf("reference %s not in account keys or memo", payment.Reference),
			}
		}
		method = ValidationMethodMemo
	}

	idx := solanaclient.KeyIndex(keys, recipient)
	if idx < 0 {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindRecipientNotFound,
			Err:  fmt.Errorf("recipient %s not in account keys", payment.Recipient),
		}
	}

	if detail.Meta == nil ||
		idx >= len(detail.Meta.PreBalances) || idx >= len(detail.Meta.PostBalances) {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindMissingBalanceMetadata,
			Err:  fmt.Errorf("balance arrays missing or short for key index %d", idx),
		}
	}

	delta := int64(detail.Meta.PostBalances[idx]) - int64(detail.Meta.PreBalances[idx])
	expected := payment.BaseUnits
	tolerance := nativeTolerance(expected)

	if delta < int64(expected)-int64(tolerance) {
		return ValidationOutcome{}, &MonitorError{
			Kind:               KindAmountTooLow,
			DeltaBaseUnits:     delta,
			ExpectedBaseUnits:  expected,
			ToleranceBaseUnits: tolerance,
			Err:                fmt.Errorf("recipient delta %d below expected %d (tolerance %d)", delta, expected, tolerance),
		}
	}

	var overpaid uint64
	if delta > int64(expected)+int64(tolerance) {
		overpaid = uint64(delta) - expected
	}

	var payer string
	if len(keys) > 0 {
		payer = keys[0].String()
	}

	return ValidationOutcome{
		Signature:          detail.Signature.String(),
		Method:             method,
		DeltaBaseUnits:     delta,
		ExpectedBaseUnits:  expected,
		ToleranceBaseUnits: tolerance,
		OverpaidBaseUnits:  overpaid,
		Payer:              payer,
	}, nil
}

// nativeTolerance is the fee-jitter allowance on native transfers: 0.5% of
// the expected amount with a 1000 lamport floor, so dust payments are not
// rejected over rounding.
func nativeTolerance(expected uint64) uint64 {
	tolerance := expected / 200
	if tolerance < 1000 {
		tolerance = 1000
	}
	return tolerance
}

// memoMentionsReference reports whether any memo program instruction in the
// transaction carries the reference key's text. Wallets that strip
// non-signer account metas from transfers still validate through this path.
func memoMentionsReference(tx *solana.Transaction, keys []solana.PublicKey, reference string) bool {
	if tx == nil || reference == "" {
		return false
	}
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			continue
		}
		if !keys[inst.ProgramIDIndex].Equals(solana.MemoProgramID) {
			continue
		}
		if strings.Contains(string(inst.Data), reference) {
			return true
		}
	}
	return false
}

// validateTokenTransfer runs the canonical token-path check through the
// ledger client, which scans both top-level and inner instructions for the
// expected transfer. Only the atomic RPC verification is retried here; the
// token path has no balance-delta arithmetic of its own.
func (m *Monitor) validateTokenTransfer(ctx context.Context, payment storage.Payment, sig solana.Signature) (ValidationOutcome, error) {
	reference, err := solana.PublicKeyFromBase58(payment.Reference)
	if err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindValidationException,
			Err:  fmt.Errorf("parse reference: %w", err),
		}
	}
	recipient, err := solana.PublicKeyFromBase58(payment.Recipient)
	if err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindValidationException,
			Err:  fmt.Errorf("parse recipient: %w", err),
		}
	}
	mint, err := solana.PublicKeyFromBase58(payment.TokenMint)
	if err != nil {
		return ValidationOutcome{}, &MonitorError{
			Kind: KindValidationException,
			Err:  fmt.Errorf("parse token mint: %w", err),
		}
	}

	expect := solanaclient.TokenTransferExpectation{
		RecipientOwner:  recipient,
		Mint:            mint,
		Reference:       reference,
		AmountBaseUnits: payment.BaseUnits,
		Decimals:        payment.TokenDecimals,
		Commitment:      m.commitment,
	}

	var result solanaclient.TokenTransferResult
	err = m.executeWithRetry(ctx, payment, opValidateToken, KindValidationException, func(ctx context.Context) error {
		res, verr := m.ledger.ValidateTokenTransfer(ctx, sig, expect)
		if verr != nil {
			return verr
		}
		result = res
		return nil
	})
	if err != nil {
		return ValidationOutcome{}, err
	}

	return ValidationOutcome{
		Signature:         sig.String(),
		Method:            ValidationMethodAccount,
		DeltaBaseUnits:    int64(result.AmountBaseUnits),
		ExpectedBaseUnits: payment.BaseUnits,
		OverpaidBaseUnits: result.OverpaidBaseUnits,
		Payer:             result.Owner.String(),
	}, nil
}
