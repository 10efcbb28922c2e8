package storage

import (
	"fmt"
	"time"
)

// PaymentStatus represents the lifecycle state of a payment intent.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Waiting for an on-chain match
	PaymentStatusConfirmed PaymentStatus = "confirmed" // Transfer validated, signature recorded
	PaymentStatusFailed    PaymentStatus = "failed"    // Permanently failed (operator or API driven)
	PaymentStatusExpired   PaymentStatus = "expired"   // Swept by an external expiry job
)

// PaymentKind selects the transfer instrument.
type PaymentKind string

const (
	PaymentKindNative PaymentKind = "native" // Lamport transfer via the system program
	PaymentKindToken  PaymentKind = "token"  // SPL checked transfer to the recipient's ATA
)

// Payment is a monitored payment intent. The reference key doubles as the
// external lookup token and as the account embedded in the on-chain transfer,
// which is how the monitor finds the transaction later.
type Payment struct {
	Reference     string            // Base58 public key, globally unique, never reused
	MerchantID    string            // Owning merchant (from API key binding)
	CustomerEmail string            // Optional; drives confirmation e-mail when set
	Kind          PaymentKind       // native or token
	TokenMint     string            // Token payments only; empty for native
	TokenDecimals uint8             // Mint decimals; 9 for native
	Amount        string            // Display-unit decimal string, e.g. "1.5"
	BaseUnits     uint64            // Amount converted to base units at creation
	Recipient     string            // Address that must receive the funds
	Memo          string            // Optional memo text attached to the transaction
	Status        PaymentStatus     // Initial status is pending
	Signature     string            // Set when confirmed; immutable thereafter

	// OverpaidBaseUnits records the excess accepted beyond the expected
	// amount. Overpayments confirm; the surplus is kept for reconciliation.
	OverpaidBaseUnits uint64

	Metadata    map[string]string // Merchant-supplied context
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time // When the status flipped to confirmed
}

// IsTerminal reports whether the payment can no longer change status.
// Terminal payments are never re-confirmed; later valid matches are ignored.
func (p Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired:
		return true
	}
	return false
}

// IsPending reports whether the monitor should still be watching this payment.
func (p Payment) IsPending() bool {
	return p.Status == PaymentStatusPending
}

// TransactionRecord is an immutable row appended when a payment confirms.
// Keyed by signature so the ledger of settled transfers never double-counts;
// duplicate inserts are tolerated and ignored.
type TransactionRecord struct {
	Signature string            // On-chain transaction signature (unique)
	Reference string            // Payment this transfer settled
	Payer     string            // Fee payer observed on the transaction, when known
	BaseUnits uint64            // Validated delta in base units
	Kind      PaymentKind       // Instrument of the settled payment
	Metadata  map[string]string // Validation context (method, overpayment, etc.)
	CreatedAt time.Time
}

// validateAndPreparePayment checks required fields, enforces the
// kind/token_mint pairing, and fills default status and timestamps.
func validateAndPreparePayment(p *Payment) error {
	if p.Reference == "" {
		return fmt.Errorf("payment requires reference")
	}
	if p.Recipient == "" {
		return fmt.Errorf("payment requires recipient")
	}
	switch p.Kind {
	case PaymentKindNative:
		if p.TokenMint != "" {
			return fmt.Errorf("native payment must not carry a token mint")
		}
	case PaymentKindToken:
		if p.TokenMint == "" {
			return fmt.Errorf("token payment requires a token mint")
		}
	default:
		return fmt.Errorf("unknown payment kind: %q", p.Kind)
	}
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return nil
}
