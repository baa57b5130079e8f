package errors

// ErrorCode represents a machine-readable denial/error identifier.
type ErrorCode string

// Authentication errors
const (
	ErrCodeInvalidAPIKey ErrorCode = "invalid_api_key"
	ErrCodeKeyExpired    ErrorCode = "key_expired"
	ErrCodeKeySuspended  ErrorCode = "key_suspended"
	ErrCodeIPNotAllowed  ErrorCode = "ip_not_allowed"
)

// Admission-pipeline denials (spec §4.7)
const (
	ErrCodeToolNotAllowed         ErrorCode = "tool_not_allowed"
	ErrCodeRateLimited            ErrorCode = "rate_limited"
	ErrCodeBudgetExceeded         ErrorCode = "budget_exceeded"
	ErrCodeQuotaExceeded          ErrorCode = "quota_exceeded"
	ErrCodeSpendingLimitExceeded  ErrorCode = "spending_limit_exceeded"
	ErrCodeInsufficientCredits    ErrorCode = "insufficient_credits"
)

// Validation errors (request input)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidMethod ErrorCode = "invalid_method"
	ErrCodeInvalidParams ErrorCode = "invalid_params"
	ErrCodeParseError    ErrorCode = "parse_error"
)

// Resource/state errors
const (
	ErrCodeToolNotFound     ErrorCode = "tool_not_found"
	ErrCodeSessionNotFound  ErrorCode = "session_not_found"
	ErrCodeSessionExpired   ErrorCode = "session_expired"
	ErrCodeTokenNotFound    ErrorCode = "token_not_found"
	ErrCodeTokenRevoked     ErrorCode = "token_revoked"
	ErrCodeTokenExpired     ErrorCode = "token_expired"
	ErrCodeClientNotFound   ErrorCode = "client_not_found"
)

// OAuth-specific errors (RFC 6749 §5.2 error param values)
const (
	ErrCodeInvalidGrant     ErrorCode = "invalid_grant"
	ErrCodeInvalidRequest   ErrorCode = "invalid_request"
	ErrCodeInvalidClient    ErrorCode = "invalid_client"
	ErrCodeUnsupportedGrant ErrorCode = "unsupported_grant_type"
)

// External/proxy service errors
const (
	ErrCodeBackendUnavailable ErrorCode = "backend_unavailable"
	ErrCodeBackendTimeout     ErrorCode = "backend_timeout"
	ErrCodeCircuitOpen        ErrorCode = "circuit_open"
	ErrCodeNetworkError       ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not policy denials.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeBackendUnavailable,
		ErrCodeBackendTimeout,
		ErrCodeNetworkError,
		ErrCodeCircuitOpen,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidMethod,
		ErrCodeInvalidParams,
		ErrCodeParseError,
		ErrCodeInvalidRequest,
		ErrCodeInvalidGrant,
		ErrCodeUnsupportedGrant:
		return 400

	case ErrCodeInvalidAPIKey,
		ErrCodeKeyExpired,
		ErrCodeKeySuspended,
		ErrCodeInvalidClient:
		return 401

	case ErrCodeIPNotAllowed,
		ErrCodeToolNotAllowed:
		return 403

	case ErrCodeToolNotFound,
		ErrCodeSessionNotFound,
		ErrCodeTokenNotFound,
		ErrCodeClientNotFound:
		return 404

	case ErrCodeSessionExpired,
		ErrCodeTokenExpired,
		ErrCodeTokenRevoked:
		return 410

	case ErrCodeInsufficientCredits:
		return 402

	case ErrCodeRateLimited,
		ErrCodeBudgetExceeded,
		ErrCodeQuotaExceeded,
		ErrCodeSpendingLimitExceeded:
		return 429

	case ErrCodeBackendUnavailable,
		ErrCodeBackendTimeout,
		ErrCodeCircuitOpen,
		ErrCodeNetworkError:
		return 502

	default:
		return 500
	}
}

// JSONRPCCode returns the JSON-RPC 2.0 error code associated with this
// denial reason, following spec §4.7's code table. Reserved/custom codes
// live in the -32000 to -32099 server-error range, with -32402 reserved
// for insufficient-credits per the MCP payment extension.
func (e ErrorCode) JSONRPCCode() int {
	switch e {
	case ErrCodeParseError:
		return -32700
	case ErrCodeInvalidRequest:
		return -32600
	case ErrCodeToolNotFound, ErrCodeInvalidMethod:
		return -32601
	case ErrCodeInvalidParams, ErrCodeMissingField, ErrCodeInvalidField:
		return -32602
	case ErrCodeInternalError, ErrCodeConfigError:
		return -32603
	case ErrCodeInsufficientCredits:
		return -32402
	case ErrCodeRateLimited:
		return -32001
	case ErrCodeQuotaExceeded:
		return -32002
	case ErrCodeInvalidAPIKey, ErrCodeKeyExpired, ErrCodeKeySuspended,
		ErrCodeIPNotAllowed, ErrCodeToolNotAllowed, ErrCodeBudgetExceeded,
		ErrCodeSpendingLimitExceeded:
		return -32003
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout, ErrCodeCircuitOpen, ErrCodeNetworkError:
		return -32000
	default:
		return -32603
	}
}
