package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewDomainError to add operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the negotiation domain.
var (
	ErrVehicleNotFound     = fmt.Errorf("vehicle %w", ErrNotFound)
	ErrClientNotFound      = fmt.Errorf("client %w", ErrNotFound)
	ErrNegotiationNotFound = fmt.Errorf("negotiation %w", ErrNotFound)
	ErrOfferNotFound       = fmt.Errorf("offer %w", ErrNotFound)

	// ErrNegotiationTerminal is raised when a mutation targets a negotiation
	// that has already concluded or failed. Never silently ignored.
	ErrNegotiationTerminal = fmt.Errorf("negotiation already terminal")

	// ErrOfferNotActive is raised when Accept targets a superseded or
	// already-settled offer version.
	ErrOfferNotActive = fmt.Errorf("offer is not the active offer")

	// ErrAgentFailure means the reasoning backend exhausted its retry budget
	// or kept returning output that fails schema validation. The round is not
	// advanced; retrying the round is safe.
	ErrAgentFailure = fmt.Errorf("agent pipeline failure")

	// ErrMalformedOutput marks a single backend response that failed schema
	// validation. Retryable inside the pipeline, never accepted into the model.
	ErrMalformedOutput = fmt.Errorf("malformed agent output")

	// ErrBackendUnavailable marks a transient reasoning backend failure.
	ErrBackendUnavailable = fmt.Errorf("reasoning backend unavailable")

	// ErrMarketDataUnavailable means aggregation failed and no prior snapshot
	// exists to degrade to.
	ErrMarketDataUnavailable = fmt.Errorf("market data unavailable")

	// ErrRateLimit marks an upstream 429-class response.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")

	// ErrAuthInvalid marks a permanently failing credential.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.ExecuteRound")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is a transient failure that may succeed on
// retry within the pipeline's retry budget.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrMalformedOutput) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Every sentinel error maps to exactly one code.
const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeLimitReached        ErrorCode = "LIMIT_REACHED"
	CodeVehicleNotFound     ErrorCode = "VEHICLE_NOT_FOUND"
	CodeClientNotFound      ErrorCode = "CLIENT_NOT_FOUND"
	CodeNegotiationNotFound ErrorCode = "NEGOTIATION_NOT_FOUND"
	CodeOfferNotFound       ErrorCode = "OFFER_NOT_FOUND"
	CodeNegotiationTerminal ErrorCode = "NEGOTIATION_TERMINAL"
	CodeOfferNotActive      ErrorCode = "OFFER_NOT_ACTIVE"
	CodeAgentFailure        ErrorCode = "AGENT_FAILURE"
	CodeMalformedOutput     ErrorCode = "MALFORMED_OUTPUT"
	CodeBackendUnavailable  ErrorCode = "BACKEND_UNAVAILABLE"
	CodeMarketUnavailable   ErrorCode = "MARKET_DATA_UNAVAILABLE"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order matters for wrapped sentinels: specific entries are consulted before
// category fallbacks in ErrorCodeOf.
var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrVehicleNotFound, CodeVehicleNotFound},
	{ErrClientNotFound, CodeClientNotFound},
	{ErrNegotiationNotFound, CodeNegotiationNotFound},
	{ErrOfferNotFound, CodeOfferNotFound},
	{ErrNegotiationTerminal, CodeNegotiationTerminal},
	{ErrOfferNotActive, CodeOfferNotActive},
	{ErrAgentFailure, CodeAgentFailure},
	{ErrMalformedOutput, CodeMalformedOutput},
	{ErrBackendUnavailable, CodeBackendUnavailable},
	{ErrMarketDataUnavailable, CodeMarketUnavailable},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, most specific sentinel first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeMap {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
