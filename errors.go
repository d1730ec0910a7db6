package apicall

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
)

// Errors reported by the call core.
var (
	// ErrRetryBudgetExhausted is matched by every *RetryBudgetExhaustedError.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrUnexpectedResultType is matched by every *ResultTypeError.
	ErrUnexpectedResultType = errors.New("unexpected result type")

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("result decode failed")

	// ErrTooManyEmptyPages is returned by an executor configured with
	// WithMaxEmptyPages once that many consecutive pages came back empty.
	ErrTooManyEmptyPages = errors.New("too many consecutive empty pages")

	// ErrInvalidDescriptor is returned when a PageStreamingDescriptor lacks a
	// required accessor.
	ErrInvalidDescriptor = errors.New("invalid page streaming descriptor")

	// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
	ErrInvalidRetryConfig = errors.New("invalid retry config")

	errNoConverter = errors.New("no converter for item type")
)

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to replace the code-set based default.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should trip the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to open the circuit breaker and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// CodeClassifier classifies errors by their status code (see CodeOf).
// Retryable codes decide retries; trip codes decide circuit breaker failures.
type CodeClassifier struct {
	// Retryable lists codes that should trigger retries.
	Retryable CodeSet

	// Trip lists codes that count as circuit breaker failures.
	Trip CodeSet
}

// NewCodeClassifier creates a CodeClassifier retrying on the given set and
// tripping on server-side failures (unavailable, internal, unknown, data loss,
// deadline exceeded).
func NewCodeClassifier(retryable CodeSet) *CodeClassifier {
	return &CodeClassifier{
		Retryable: retryable,
		Trip:      DefaultTripCodes(),
	}
}

// DefaultTripCodes is the default set of codes that count against a circuit breaker.
func DefaultTripCodes() CodeSet {
	return NewCodeSet(
		codes.Unknown,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unavailable,
		codes.DataLoss,
	)
}

// IsRetryable implements ErrorClassifier.
func (c *CodeClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return c.Retryable.Contains(CodeOf(err))
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
// Rejections from the breaker itself never count.
func (c *CodeClassifier) ShouldTripCircuit(err error) bool {
	if err == nil || IsCircuitBreakerRejection(err) {
		return false
	}
	return c.Trip.Contains(CodeOf(err))
}

// DefaultCircuitBreakerErrorClassifier trips on server-side failures but not on
// request rejections, rate limits or cancellations.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewCodeClassifier(IdempotentCodes())
}

// RetryBudgetExhaustedError is returned when a retryable failure kept recurring
// until the total timeout (or the attempt limit) ran out. It is distinct from
// the underlying failure so callers can tell "the server rejected the request"
// from "the call kept failing transiently until we gave up".
type RetryBudgetExhaustedError struct {
	// Err is the last underlying failure.
	Err error

	// Attempts is the number of attempts made, including the first.
	Attempts int

	// Elapsed is the time spent across all attempts and backoff sleeps.
	Elapsed time.Duration

	// Budget is the configured total timeout.
	Budget time.Duration
}

// Retries is the number of attempts after the first.
func (e *RetryBudgetExhaustedError) Retries() int {
	if e.Attempts < 1 {
		return 0
	}
	return e.Attempts - 1
}

// Error implements the error interface.
func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget of %s exhausted after %d attempts (%s elapsed): %v",
		e.Budget, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap returns the last underlying failure.
func (e *RetryBudgetExhaustedError) Unwrap() error {
	return e.Err
}

// Is matches ErrRetryBudgetExhausted.
func (e *RetryBudgetExhaustedError) Is(target error) bool {
	return target == ErrRetryBudgetExhausted
}

// ResultTypeError reports a page whose result type is not assignable to the
// type the caller asked for. It is a protocol fault and never retried.
type ResultTypeError struct {
	Expected *ResultType
	Actual   *ResultType
}

// Error implements the error interface.
func (e *ResultTypeError) Error() string {
	return fmt.Sprintf("unexpected result type %s vs %s", e.Actual, e.Expected)
}

// Is matches ErrUnexpectedResultType.
func (e *ResultTypeError) Is(target error) bool {
	return target == ErrUnexpectedResultType
}

// DecodeError reports a raw item that could not be converted into the caller's
// representation. It is a protocol fault and never retried.
type DecodeError struct {
	Err  error
	Type *ResultType
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s result: %v", e.Type, e.Err)
}

// Unwrap returns the decoder's error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusCodeError wraps an error with an HTTP status code.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	if resp.StatusCode >= 300 {
//	    return apicall.NewStatusCodeError(resp.StatusCode, errors.New(resp.Status))
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// HTTPStatusToCode maps an HTTP status onto the status code a gRPC gateway
// would use for it.
func HTTPStatusToCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusRequestedRangeNotSatisfiable:
		return codes.OutOfRange
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case 499:
		return codes.Canceled
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return codes.DeadlineExceeded
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return codes.OK
	case statusCode >= 400 && statusCode < 500:
		return codes.FailedPrecondition
	case statusCode >= 500:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// extractStatusCode attempts to extract an HTTP status code from various error types.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}

	// jp-go-errors types expose StatusCode without implementing HTTPError.
	type httpStatusProvider interface {
		StatusCode() int
	}
	var statusProvider httpStatusProvider
	if errors.As(err, &statusProvider) {
		return statusProvider.StatusCode()
	}

	return 0
}
