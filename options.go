package apicall

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc/codes"
)

// RetryConfig is the retry policy for one kind of operation. Build it once per
// operation kind (typically "idempotent" or "non-idempotent") and share it
// read-only; NewRetryWrapper copies it.
type RetryConfig struct {
	// ErrorClassifier overrides the code based retry decision.
	// Default: nil, meaning RetryableCodes decides.
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives attempt, retry and backoff observations. Optional.
	Metrics *Metrics

	// MethodName labels logs and metrics.
	MethodName string

	// InitialDelay is the delay before the first retry.
	// Default: 100 milliseconds
	InitialDelay time.Duration

	// DelayMultiplier grows the delay after every retry: the k-th retry waits
	// min(InitialDelay * DelayMultiplier^k, MaxDelay).
	// Default: 1.3
	DelayMultiplier float64

	// MaxDelay caps the delay between retries.
	// Default: 60 seconds
	MaxDelay time.Duration

	// InitialCallTimeout is the deadline of the first attempt.
	// Default: 20 seconds
	InitialCallTimeout time.Duration

	// CallTimeoutMultiplier grows the attempt deadline after every retry.
	// Default: 1.0
	CallTimeoutMultiplier float64

	// MaxCallTimeout caps the attempt deadline.
	// Default: 20 seconds
	MaxCallTimeout time.Duration

	// TotalTimeout bounds the time spent on one logical call across all
	// attempts and sleeps.
	// Default: 600 seconds
	TotalTimeout time.Duration

	// MaxAttempts limits the number of attempts (including the first).
	// Default: 0, meaning only TotalTimeout bounds retries
	MaxAttempts int

	// JitterPercent randomises each delay by up to this percentage.
	// Default: 0
	JitterPercent uint64

	// RetryableCodes lists the codes that may be retried. An empty set never retries.
	// Default: IdempotentCodes()
	RetryableCodes CodeSet
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// DefaultRetryConfig returns the retry configuration for idempotent operations
// with the standard timing parameters.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialDelay:          100 * time.Millisecond,
		DelayMultiplier:       1.3,
		MaxDelay:              60 * time.Second,
		InitialCallTimeout:    20 * time.Second,
		CallTimeoutMultiplier: 1.0,
		MaxCallTimeout:        20 * time.Second,
		TotalTimeout:          600 * time.Second,
		RetryableCodes:        IdempotentCodes(),
		Logger:                slog.Default(),
	}
}

// IdempotentRetryConfig is DefaultRetryConfig: it retries on DEADLINE_EXCEEDED
// and UNAVAILABLE. Use it for reads, updates and deletes by id.
func IdempotentRetryConfig() *RetryConfig {
	return DefaultRetryConfig()
}

// NonIdempotentRetryConfig uses the default timing but an empty retry set, so
// the call is attempted exactly once. Use it for creates.
func NonIdempotentRetryConfig() *RetryConfig {
	c := DefaultRetryConfig()
	c.RetryableCodes = NonIdempotentCodes()
	return c
}

// Validate checks the timing parameters.
func (c *RetryConfig) Validate() error {
	switch {
	case c.InitialDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidRetryConfig)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay %s is below initial delay %s",
			ErrInvalidRetryConfig, c.MaxDelay, c.InitialDelay)
	case c.DelayMultiplier < 1:
		return fmt.Errorf("%w: delay multiplier %v is below 1", ErrInvalidRetryConfig, c.DelayMultiplier)
	case c.InitialCallTimeout <= 0:
		return fmt.Errorf("%w: initial call timeout must be positive", ErrInvalidRetryConfig)
	case c.MaxCallTimeout < c.InitialCallTimeout:
		return fmt.Errorf("%w: max call timeout %s is below initial call timeout %s",
			ErrInvalidRetryConfig, c.MaxCallTimeout, c.InitialCallTimeout)
	case c.CallTimeoutMultiplier < 1:
		return fmt.Errorf("%w: call timeout multiplier %v is below 1",
			ErrInvalidRetryConfig, c.CallTimeoutMultiplier)
	case c.TotalTimeout <= 0:
		return fmt.Errorf("%w: total timeout must be positive", ErrInvalidRetryConfig)
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidRetryConfig)
	case c.JitterPercent > 100:
		return fmt.Errorf("%w: jitter percent %d is above 100", ErrInvalidRetryConfig, c.JitterPercent)
	}
	return nil
}

// DelayFor returns the backoff before retry k (k = 0 for the first retry):
// min(InitialDelay * DelayMultiplier^k, MaxDelay), without jitter.
func (c *RetryConfig) DelayFor(k int) time.Duration {
	return escalate(c.InitialDelay, c.DelayMultiplier, c.MaxDelay, k)
}

// CallTimeoutFor returns the deadline of attempt k (k = 0 for the first attempt):
// min(InitialCallTimeout * CallTimeoutMultiplier^k, MaxCallTimeout).
func (c *RetryConfig) CallTimeoutFor(k int) time.Duration {
	return escalate(c.InitialCallTimeout, c.CallTimeoutMultiplier, c.MaxCallTimeout, k)
}

// escalate computes min(initial * multiplier^k, limit) without overflowing.
func escalate(initial time.Duration, multiplier float64, limit time.Duration, k int) time.Duration {
	if k < 0 {
		k = 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	v := float64(initial) * math.Pow(multiplier, float64(k))
	if math.IsInf(v, 0) || math.IsNaN(v) || v >= float64(limit) {
		return limit
	}
	return time.Duration(v)
}

// WithRetryDelays configures the backoff sequence.
//
// Example:
//
//	apicall.WithRetryDelays(100*time.Millisecond, 1.3, time.Minute)
//	// Delays: 100ms, 130ms, 169ms, ... capped at 1m
func WithRetryDelays(initial time.Duration, multiplier float64, max time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.InitialDelay = initial
		c.DelayMultiplier = multiplier
		c.MaxDelay = max
	}
}

// WithExponentialBackoff configures doubling delays capped at maxDelay.
//
// Example:
//
//	apicall.WithExponentialBackoff(time.Second, 30*time.Second)
//	// Delays: 1s, 2s, 4s, 8s, 16s, 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return WithRetryDelays(initialDelay, 2.0, maxDelay)
}

// WithConstantBackoff configures the same delay between all retries.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return WithRetryDelays(delay, 1.0, delay)
}

// WithMultiplier sets the delay multiplier only.
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.DelayMultiplier = multiplier
	}
}

// WithCallTimeouts configures the per-attempt deadline sequence.
//
// Example:
//
//	apicall.WithCallTimeouts(time.Second, 1.5, 10*time.Second)
//	// Attempt deadlines: 1s, 1.5s, 2.25s, ... capped at 10s
func WithCallTimeouts(initial time.Duration, multiplier float64, max time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.InitialCallTimeout = initial
		c.CallTimeoutMultiplier = multiplier
		c.MaxCallTimeout = max
	}
}

// WithTotalTimeout sets the retry budget of one logical call.
func WithTotalTimeout(total time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.TotalTimeout = total
	}
}

// WithMaxAttempts limits the number of attempts, including the first.
// Zero removes the limit.
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithJitter randomises each delay by up to percent percent.
func WithJitter(percent uint64) RetryOption {
	return func(c *RetryConfig) {
		c.JitterPercent = percent
	}
}

// WithRetryableCodes replaces the retry set.
//
// Example:
//
//	apicall.WithRetryableCodes(codes.Unavailable)
func WithRetryableCodes(cs ...codes.Code) RetryOption {
	return func(c *RetryConfig) {
		c.RetryableCodes = NewCodeSet(cs...)
	}
}

// WithRetryableCodeSet replaces the retry set.
func WithRetryableCodeSet(set CodeSet) RetryOption {
	return func(c *RetryConfig) {
		c.RetryableCodes = set
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions,
// replacing the code set.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithMetrics records retry observations on m.
func WithMetrics(m *Metrics) RetryOption {
	return func(c *RetryConfig) {
		c.Metrics = m
	}
}

// WithMethodName labels logs and metrics with the remote method name.
func WithMethodName(name string) RetryOption {
	return func(c *RetryConfig) {
		c.MethodName = name
	}
}

// FromRetryConfig copies every field of src.
func FromRetryConfig(src *RetryConfig) RetryOption {
	return func(c *RetryConfig) {
		if src != nil {
			*c = *src
		}
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors should trip the circuit breaker.
	// Default: CodeClassifier with DefaultTripCodes
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker, usually the remote method.
	// Default: "apicall"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithBreakerName names the breaker.
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets the timeout for staying in open state.
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	apicall.WithReadyToTrip(func(counts apicall.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// FromCircuitBreakerConfig copies every field of src.
func FromCircuitBreakerConfig(src *CircuitBreakerConfig) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		if src != nil {
			*c = *src
		}
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "apicall",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// ExecutorConfig holds paged query executor options.
type ExecutorConfig struct {
	// Logger for page fetches and iteration faults.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives page and item observations. Optional.
	Metrics *Metrics

	// MethodName labels logs and metrics.
	MethodName string

	// PageSize is injected into the first request when positive.
	// Default: 0, leaving the request untouched
	PageSize int

	// MaxEmptyPages fails the iteration with ErrTooManyEmptyPages after that
	// many consecutive pages without items while more results are pending.
	// Default: 0, meaning unbounded
	MaxEmptyPages int
}

// ExecutorOption is a functional option for configuring a PagedQueryExecutor.
type ExecutorOption func(*ExecutorConfig)

// DefaultExecutorConfig returns the executor configuration with defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Logger: slog.Default(),
	}
}

// WithPageSize asks the server for pages of at most size items.
func WithPageSize(size int) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.PageSize = size
	}
}

// WithMaxEmptyPages bounds the number of consecutive empty pages.
func WithMaxEmptyPages(n int) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.MaxEmptyPages = n
	}
}

// WithExecutorLogger sets a custom logger for the executor.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Logger = logger
	}
}

// WithExecutorMetrics records page and item observations on m.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Metrics = m
	}
}

// WithExecutorMethodName labels logs and metrics with the remote method name.
func WithExecutorMethodName(name string) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.MethodName = name
	}
}
