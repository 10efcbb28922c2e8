package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Request validation errors
const (
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
	ErrCodeInvalidAmount  ErrorCode = "invalid_amount"
	ErrCodeInvalidWallet  ErrorCode = "invalid_wallet"
	ErrCodeInvalidEmail   ErrorCode = "invalid_email"
	ErrCodeInvalidPayload ErrorCode = "invalid_payload"
)

// Payment intent state errors
const (
	ErrCodeInvalidReference   ErrorCode = "invalid_reference"
	ErrCodePaymentNotFound    ErrorCode = "payment_not_found"
	ErrCodePaymentNotPending  ErrorCode = "payment_not_pending"
	ErrCodeInvalidTokenMint   ErrorCode = "invalid_token_mint"
	ErrCodeTransactionTooOld  ErrorCode = "transaction_too_old"
	ErrCodeInvalidTransaction ErrorCode = "invalid_transaction"
)

// Webhook queue errors (admin surface)
const (
	ErrCodeWebhookNotFound ErrorCode = "webhook_not_found"
)

// Access errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeRateLimited  ErrorCode = "rate_limited"
)

// External service errors (Solana RPC, webhook targets)
const (
	ErrCodeRPCError     ErrorCode = "rpc_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidWallet,
		ErrCodeInvalidEmail,
		ErrCodeInvalidPayload,
		ErrCodeInvalidReference,
		ErrCodeInvalidTokenMint,
		ErrCodeInvalidTransaction:
		return 400

	// 401 Unauthorized - missing or bad credentials on protected routes
	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found
	case ErrCodePaymentNotFound,
		ErrCodeWebhookNotFound:
		return 404

	// 409 Conflict - payment no longer in a state that allows the operation
	case ErrCodePaymentNotPending,
		ErrCodeTransactionTooOld:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - upstream service errors
	case ErrCodeRPCError,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
