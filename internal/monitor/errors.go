package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sony/gobreaker"

	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

// ErrorKind identifies what went wrong while checking a payment. The string
// values are stable: they appear in logs and metric labels, and alerting
// keys on them.
type ErrorKind string

const (
	KindRpcConnectionFailed    ErrorKind = "RpcConnectionFailed"
	KindNetworkTimeout         ErrorKind = "NetworkTimeout"
	KindRpcError               ErrorKind = "RpcError"
	KindDatabaseError          ErrorKind = "DatabaseError"
	KindTransactionNotFound    ErrorKind = "TransactionNotFound"
	KindTransactionFailed      ErrorKind = "TransactionFailed"
	KindAccountKeysError       ErrorKind = "AccountKeysError"
	KindInvalidAccountKeys     ErrorKind = "InvalidAccountKeys"
	KindMissingBalanceMetadata ErrorKind = "MissingBalanceMetadata"
	KindRecipientNotFound      ErrorKind = "RecipientNotFound"
	KindReferenceNotFound      ErrorKind = "ReferenceNotFound"
	KindAmountTooLow           ErrorKind = "AmountTooLow"
	KindSolValidationFailed    ErrorKind = "SolValidationFailed"
	KindValidationException    ErrorKind = "ValidationException"
)

// Severity buckets error kinds for alert routing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severity is a pure function of the kind.
func (k ErrorKind) Severity() Severity {
	switch k {
	case KindRpcConnectionFailed, KindNetworkTimeout, KindDatabaseError:
		return SeverityCritical
	case KindTransactionFailed, KindInvalidAccountKeys, KindRecipientNotFound,
		KindReferenceNotFound, KindAmountTooLow, KindSolValidationFailed:
		return SeverityHigh
	case KindRpcError, KindTransactionNotFound, KindAccountKeysError,
		KindMissingBalanceMetadata:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RPCCode is the coarse sub-code attached to KindRpcError failures. Only a
// subset of codes marks the call worth retrying.
type RPCCode string

const (
	RPCCodeInternal       RPCCode = "internal"
	RPCCodeRateLimit      RPCCode = "rate-limit"
	RPCCodeUnavailable    RPCCode = "unavailable"
	RPCCodeGatewayTimeout RPCCode = "gateway-timeout"
	RPCCodeUnknown        RPCCode = "unknown"
)

// kindRetryable decides whether a failure of this kind is worth re-invoking.
// KindRpcError is the only kind whose answer depends on the sub-code.
func kindRetryable(k ErrorKind, code RPCCode) bool {
	switch k {
	case KindRpcConnectionFailed, KindNetworkTimeout, KindTransactionNotFound,
		KindMissingBalanceMetadata:
		return true
	case KindRpcError:
		switch code {
		case RPCCodeInternal, RPCCodeRateLimit, RPCCodeUnavailable, RPCCodeGatewayTimeout:
			return true
		}
		return false
	default:
		return false
	}
}

// MonitorError is the classified form every failure takes before it is
// logged, counted, or retried. It carries the payment context so a single
// log line identifies the affected intent without a lookup.
type MonitorError struct {
	Kind    ErrorKind
	RPCCode RPCCode
	Op      string

	Reference   string
	PaymentType storage.PaymentKind
	Amount      string
	TokenMint   string
	Recipient   string

	// Populated by the amount check so the terminal log can carry the
	// numeric evidence. Zero expected means not applicable.
	DeltaBaseUnits     int64
	ExpectedBaseUnits  uint64
	ToleranceBaseUnits uint64

	Err error
}

func (e *MonitorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// Severity returns the alert bucket for this error.
func (e *MonitorError) Severity() Severity {
	return e.Kind.Severity()
}

// Retryable reports whether re-invoking the failed operation can help.
func (e *MonitorError) Retryable() bool {
	return kindRetryable(e.Kind, e.RPCCode)
}

// wrapError classifies err and attaches the payment context. An error that
// is already a MonitorError passes through with missing context filled in,
// so validators can pre-classify without losing fields.
func wrapError(op string, payment storage.Payment, err error, fallback ErrorKind) *MonitorError {
	var monErr *MonitorError
	if errors.As(err, &monErr) {
		if monErr.Op == "" {
			monErr.Op = op
		}
		if monErr.Reference == "" {
			monErr.Reference = payment.Reference
		}
		if monErr.PaymentType == "" {
			monErr.PaymentType = payment.Kind
		}
		if monErr.Amount == "" {
			monErr.Amount = payment.Amount
		}
		if monErr.TokenMint == "" {
			monErr.TokenMint = payment.TokenMint
		}
		if monErr.Recipient == "" {
			monErr.Recipient = payment.Recipient
		}
		return monErr
	}

	kind, code := classify(err, fallback)
	return &MonitorError{
		Kind:        kind,
		RPCCode:     code,
		Op:          op,
		Reference:   payment.Reference,
		PaymentType: payment.Kind,
		Amount:      payment.Amount,
		TokenMint:   payment.TokenMint,
		Recipient:   payment.Recipient,
		Err:         err,
	}
}

// classify maps a raw error onto the taxonomy, most specific match first.
// Unknown failures land on fallback, except when the error text carries a
// recognizable RPC status, which keeps throttling retryable no matter
// which operation surfaced it.
func classify(err error, fallback ErrorKind) (ErrorKind, RPCCode) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindNetworkTimeout, ""
	case isTimeout(err):
		return KindNetworkTimeout, ""
	case isConnectionFailure(err):
		return KindRpcConnectionFailed, ""
	case errors.Is(err, solanaclient.ErrTransactionNotFound):
		return KindTransactionNotFound, ""
	case errors.Is(err, solanaclient.ErrTransactionExecutionFailed):
		return KindTransactionFailed, ""
	case errors.Is(err, solanaclient.ErrNoAccountKeys):
		return KindInvalidAccountKeys, ""
	case errors.Is(err, solanaclient.ErrAccountResolution):
		return KindAccountKeysError, ""
	case errors.Is(err, solanaclient.ErrReferenceMissing):
		return KindReferenceNotFound, ""
	case errors.Is(err, solanaclient.ErrNoMatchingTransfer):
		return KindRecipientNotFound, ""
	case errors.Is(err, solanaclient.ErrAmountBelowExpected):
		return KindAmountTooLow, ""
	}
	if code := rpcCodeFor(err); code != RPCCodeUnknown {
		return KindRpcError, code
	}
	if fallback == KindRpcError {
		return KindRpcError, RPCCodeUnknown
	}
	return fallback, ""
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionFailure covers the transport-down family: refused sockets,
// DNS failures, resets, and an open circuit breaker, which means the RPC
// endpoint has already been failing for a while.
func isConnectionFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host")
}

// rpcCodeFor recognizes RPC failures by status text. Solana nodes and the
// proxies in front of them surface throttling and overload as HTTP statuses
// embedded in the error string, so text matching is the practical option.
func rpcCodeFor(err error) RPCCode {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "status code: 429"):
		return RPCCodeRateLimit
	case strings.Contains(msg, "gateway timeout"),
		strings.Contains(msg, "status code: 504"):
		return RPCCodeGatewayTimeout
	case strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "status code: 502"),
		strings.Contains(msg, "status code: 503"):
		return RPCCodeUnavailable
	case strings.Contains(msg, "internal error"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "status code: 500"),
		strings.Contains(msg, "-32603"):
		return RPCCodeInternal
	}
	return RPCCodeUnknown
}

// databaseError classifies a storage failure at its call site. Storage
// errors never look like RPC failures, so they bypass classify entirely.
func databaseError(op string, payment storage.Payment, err error) *MonitorError {
	return &MonitorError{
		Kind:        KindDatabaseError,
		Op:          op,
		Reference:   payment.Reference,
		PaymentType: payment.Kind,
		Amount:      payment.Amount,
		TokenMint:   payment.TokenMint,
		Recipient:   payment.Recipient,
		Err:         err,
	}
}
