package apicall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category is the coarse classification of a failure code. The retry engine
// decides on exact codes; categories exist for logging, metrics and callers
// that want to tell transient faults from permanent ones.
type Category int

const (
	// CategoryNone is reported for a nil error (codes.OK).
	CategoryNone Category = iota

	// CategoryTransientServer means the server was overloaded or aborted the
	// operation and a later attempt may succeed.
	CategoryTransientServer

	// CategoryTransientNetwork means the call did not complete in time or the
	// service could not be reached.
	CategoryTransientNetwork

	// CategoryPermanentClient means the request itself was rejected
	// (invalid argument, not found, permission denied, ...).
	CategoryPermanentClient

	// CategoryPermanentServer means the server failed in a way that retrying
	// will not fix (internal error, unimplemented, data loss).
	CategoryPermanentServer
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryTransientServer:
		return "transient-server"
	case CategoryTransientNetwork:
		return "transient-network"
	case CategoryPermanentClient:
		return "permanent-client"
	case CategoryPermanentServer:
		return "permanent-server"
	default:
		return "unknown"
	}
}

// Transient reports whether the category describes a fault that may clear up
// on its own.
func (c Category) Transient() bool {
	return c == CategoryTransientServer || c == CategoryTransientNetwork
}

// CategoryOf maps a status code onto its Category.
func CategoryOf(code codes.Code) Category {
	switch code {
	case codes.OK:
		return CategoryNone
	case codes.ResourceExhausted, codes.Aborted:
		return CategoryTransientServer
	case codes.Unavailable, codes.DeadlineExceeded:
		return CategoryTransientNetwork
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition,
		codes.OutOfRange, codes.Canceled:
		return CategoryPermanentClient
	default:
		// Unknown, Internal, Unimplemented, DataLoss
		return CategoryPermanentServer
	}
}

// Failure is a classified remote-call failure. It satisfies the gRPC status
// interface, so status.Code and status.FromError understand it as well.
type Failure struct {
	Err     error
	Message string
	Code    codes.Code
}

// NewFailure creates a Failure with the given code and message.
func NewFailure(code codes.Code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// WrapFailure classifies err under code, keeping err reachable through Unwrap.
func WrapFailure(code codes.Code, err error) *Failure {
	return &Failure{Code: code, Message: err.Error(), Err: err}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", codeName(f.Code), f.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (f *Failure) Unwrap() error {
	return f.Err
}

// GRPCStatus returns the failure as a gRPC status.
func (f *Failure) GRPCStatus() *status.Status {
	return status.New(f.Code, f.Message)
}

// CodeOf extracts the status code from err. It understands, in order:
// Failure, anything carrying a gRPC status, circuit breaker rejections,
// context errors, jp-go-errors rate limit and timeout errors, HTTP status
// errors, and network errors. Anything else is codes.Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Code
	}

	type grpcStatus interface {
		GRPCStatus() *status.Status
	}
	var gs grpcStatus
	if errors.As(err, &gs) {
		if st := gs.GRPCStatus(); st != nil {
			return st.Code()
		}
	}

	if IsCircuitBreakerRejection(err) {
		return codes.Unavailable
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	if errors.Is(err, jperrors.ErrRateLimited) {
		return codes.ResourceExhausted
	}
	if jperrors.IsTimeout(err) {
		return codes.DeadlineExceeded
	}

	if statusCode := extractStatusCode(err); statusCode != 0 {
		return HTTPStatusToCode(statusCode)
	}

	return networkCode(err)
}

// networkCode classifies low level network errors: timeouts become
// DeadlineExceeded, refused or reset connections become Unavailable.
func networkCode(err error) codes.Code {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return codes.DeadlineExceeded
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == syscall.ECONNRESET || errno == syscall.ECONNREFUSED {
			return codes.Unavailable
		}
	}

	return codes.Unknown
}

// CodeSet is an immutable set of status codes, used to describe which failures
// an operation may retry.
type CodeSet uint32

// NewCodeSet returns the set containing the given codes.
func NewCodeSet(cs ...codes.Code) CodeSet {
	var s CodeSet
	for _, c := range cs {
		s = s.With(c)
	}
	return s
}

// IdempotentCodes is the retry set used for operations that are safe to
// repeat: deadline exceeded and unavailable.
func IdempotentCodes() CodeSet {
	return NewCodeSet(codes.DeadlineExceeded, codes.Unavailable)
}

// NonIdempotentCodes is the empty retry set: such operations never retry.
func NonIdempotentCodes() CodeSet {
	return CodeSet(0)
}

// With returns a copy of the set that also contains c.
func (s CodeSet) With(c codes.Code) CodeSet {
	if c > 31 {
		return s
	}
	return s | 1<<uint32(c)
}

// Contains reports whether c is in the set.
func (s CodeSet) Contains(c codes.Code) bool {
	if c > 31 {
		return false
	}
	return s&(1<<uint32(c)) != 0
}

// Empty reports whether the set has no members.
func (s CodeSet) Empty() bool {
	return s == 0
}

// Codes returns the members in ascending order.
func (s CodeSet) Codes() []codes.Code {
	var out []codes.Code
	for c := codes.Code(0); c < 32; c++ {
		if s.Contains(c) {
			out = append(out, c)
		}
	}
	return out
}

// String renders the set as "{DEADLINE_EXCEEDED,UNAVAILABLE}".
func (s CodeSet) String() string {
	names := make([]string, 0, len(s.Codes()))
	for _, c := range s.Codes() {
		names = append(names, codeName(c))
	}
	return "{" + strings.Join(names, ",") + "}"
}

// ParseCode parses a canonical code name such as "UNAVAILABLE" or
// "deadline_exceeded". Both CANCELLED and CANCELED are accepted.
func ParseCode(name string) (codes.Code, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "CANCELED" {
		upper = "CANCELLED"
	}
	var c codes.Code
	if err := c.UnmarshalJSON([]byte(`"` + upper + `"`)); err != nil {
		return codes.Unknown, fmt.Errorf("unknown status code %q: %w", name, err)
	}
	return c, nil
}

// codeName renders a code in the canonical upper snake case form.
func codeName(c codes.Code) string {
	switch c {
	case codes.OK:
		return "OK"
	case codes.Canceled:
		return "CANCELLED"
	case codes.Unknown:
		return "UNKNOWN"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Aborted:
		return "ABORTED"
	case codes.OutOfRange:
		return "OUT_OF_RANGE"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Internal:
		return "INTERNAL"
	case codes.Unavailable:
		return "UNAVAILABLE"
	case codes.DataLoss:
		return "DATA_LOSS"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	default:
		return fmt.Sprintf("CODE(%d)", uint32(c))
	}
}
