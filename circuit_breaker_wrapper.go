package apicall

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper wraps an Invoker with a circuit breaker. Failures the
// classifier considers serious count against the breaker; once it opens,
// calls are rejected without reaching the remote method until the open
// timeout has passed.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     Invoker[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	name       string
}

// NewCircuitBreakerWrapper creates a new circuit breaker wrapper around an Invoker.
//
// Example:
//
//	wrapper := apicall.NewCircuitBreakerWrapper(
//	    invoker,
//	    apicall.WithBreakerName("RunQuery"),
//	    apicall.WithTimeout(time.Minute),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client Invoker[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.Name == "" {
		config.Name = "apicall"
	}

	classifier := config.ErrorClassifier
	logger := config.Logger

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, breakerState(from), breakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier.ShouldTripCircuit(err)
		},
	}
	if config.ReadyToTrip != nil {
		readyToTrip := config.ReadyToTrip
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return readyToTrip(breakerCounts(counts))
		}
	}

	return &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker[Resp](settings),
		logger:     logger,
		classifier: classifier,
		name:       config.Name,
	}
}

// Execute runs the request through the circuit breaker. Rejections are
// reported as jp-go-errors circuit breaker errors that still match
// gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests; see
// IsCircuitBreakerRejection.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return w.client.Execute(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		w.logger.Warn("circuit breaker is open, request rejected",
			"name", w.name,
			"error", err)
		return zero, w.rejection("request rejected", "open", err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		w.logger.Debug("circuit breaker in half-open state, too many requests",
			"name", w.name,
			"error", err)
		return zero, w.rejection("too many requests in half-open state", "half-open", err)
	}

	w.logger.Debug("request failed through circuit breaker",
		"name", w.name,
		"error", err,
		"should_trip", w.classifier.ShouldTripCircuit(err))
	return zero, err
}

func (w *CircuitBreakerWrapper[Req, Resp]) rejection(msg, state string, cause error) error {
	counts := w.cb.Counts()
	return jperrors.NewCircuitBreakerError(
		msg,
		w.name,
		state,
		jperrors.WithCause(cause),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)
}

// Name returns the breaker name.
func (w *CircuitBreakerWrapper[Req, Resp]) Name() string {
	return w.name
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return breakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	return breakerCounts(w.cb.Counts())
}

// IsCircuitBreakerRejection reports whether err is a breaker refusing a call,
// as opposed to a failure of the call itself. Rejections are never retried and
// never count against a breaker.
func IsCircuitBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func breakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func breakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
