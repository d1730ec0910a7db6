package apicall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc/codes"
)

// RetryWrapper wraps an Invoker with the retry policy of a RetryConfig: every
// attempt runs under an escalating deadline, retryable failures are retried
// after an exponentially growing delay, and the whole call is bounded by the
// total timeout. It implements Invoker itself, so retry is transparent to callers.
//
// A RetryWrapper is safe for concurrent use. Each Execute call has its own
// retry budget.
type RetryWrapper[Req, Resp any] struct {
	client Invoker[Req, Resp]
	config RetryConfig
	logger *slog.Logger
	err    error
	stats  *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	totalExhausted  int64
	lastAttemptTime time.Time
	lastError       error
}

// callState is the per-Execute bookkeeping shared by the attempt function and
// the backoff.
type callState struct {
	start     time.Time
	lastErr   error
	attempts  int
	exhausted bool
}

// NewRetryWrapper creates a new retry wrapper around an Invoker.
// An invalid configuration is reported by every Execute call.
//
// Example:
//
//	wrapper := apicall.NewRetryWrapper(
//	    invoker,
//	    apicall.WithRetryableCodes(codes.Unavailable),
//	    apicall.WithRetryDelays(100*time.Millisecond, 1.3, time.Minute),
//	    apicall.WithTotalTimeout(10*time.Minute),
//	)
func NewRetryWrapper[Req, Resp any](
	client Invoker[Req, Resp],
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryWrapper[Req, Resp]{
		client: client,
		config: *config,
		logger: config.Logger,
		err:    config.Validate(),
		stats:  &retryStats{},
	}
}

// Config returns a copy of the effective configuration.
func (w *RetryWrapper[Req, Resp]) Config() RetryConfig {
	return w.config
}

// Execute performs the request with retry logic.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if w.err != nil {
		return zero, w.err
	}

	select {
	case <-ctx.Done():
		w.logger.Warn("context already done before request (expected condition)",
			"method", w.config.MethodName,
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var response Resp
	state := &callState{start: time.Now()}

	err := retry.Do(ctx, w.newBackoff(state), func(ctx context.Context) error {
		attempt := state.attempts
		state.attempts++

		w.stats.mu.Lock()
		w.stats.totalAttempts++
		if attempt > 0 {
			w.stats.totalRetries++
		}
		w.stats.lastAttemptTime = time.Now()
		w.stats.mu.Unlock()

		resp, err := w.attempt(ctx, req, w.attemptTimeout(state, attempt))
		code := CodeOf(err)
		w.config.Metrics.observeAttempt(w.config.MethodName, code)

		if err == nil {
			if attempt > 0 {
				w.logger.Info("request succeeded after retry",
					"method", w.config.MethodName,
					"attempts", state.attempts)
			}
			response = resp
			return nil
		}

		// The caller gave up; the context error is never retried.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state.lastErr = err

		if IsCircuitBreakerRejection(err) || !w.isRetryable(err) {
			w.logger.Debug("non-retryable error, giving up",
				"method", w.config.MethodName,
				"code", codeName(code),
				"error", err,
				"attempts", state.attempts)
			return err
		}

		w.logger.Debug("retryable error",
			"method", w.config.MethodName,
			"code", codeName(code),
			"attempt", state.attempts,
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		if state.exhausted {
			err = &RetryBudgetExhaustedError{
				Err:      err,
				Attempts: state.attempts,
				Elapsed:  time.Since(state.start),
				Budget:   w.config.TotalTimeout,
			}
			w.config.Metrics.observeExhausted(w.config.MethodName)
			w.logger.Warn("retry budget exhausted",
				"method", w.config.MethodName,
				"attempts", state.attempts,
				"budget", w.config.TotalTimeout,
				"error", err)
		} else {
			w.logger.Debug("request failed",
				"method", w.config.MethodName,
				"attempts", state.attempts,
				"error", err)
		}

		w.stats.mu.Lock()
		w.stats.totalFailures++
		if state.exhausted {
			w.stats.totalExhausted++
		}
		w.stats.lastError = err
		w.stats.mu.Unlock()
		return zero, err
	}

	w.stats.mu.Lock()
	w.stats.totalSuccesses++
	w.stats.mu.Unlock()

	return response, nil
}

// attempt runs one call under its own deadline. A failure caused by that
// deadline is reported as DEADLINE_EXCEEDED even when the invoker returned an
// unclassified error.
func (w *RetryWrapper[Req, Resp]) attempt(ctx context.Context, req Req, timeout time.Duration) (Resp, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := w.client.Execute(attemptCtx, req)
	if err != nil && ctx.Err() == nil &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		CodeOf(err) == codes.Unknown {
		err = WrapFailure(codes.DeadlineExceeded, err)
	}
	return resp, err
}

// attemptTimeout escalates the per-attempt deadline and clamps it to what is
// left of the total budget.
func (w *RetryWrapper[Req, Resp]) attemptTimeout(state *callState, attempt int) time.Duration {
	timeout := w.config.CallTimeoutFor(attempt)
	remaining := w.config.TotalTimeout - time.Since(state.start)
	if remaining < timeout {
		timeout = remaining
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return timeout
}

func (w *RetryWrapper[Req, Resp]) isRetryable(err error) bool {
	if w.config.ErrorClassifier != nil {
		return w.config.ErrorClassifier.IsRetryable(err)
	}
	return w.config.RetryableCodes.Contains(CodeOf(err))
}

// newBackoff builds the delay sequence min(InitialDelay * DelayMultiplier^k, MaxDelay),
// optionally jittered and limited to MaxAttempts, and stops it once the next
// sleep would cross the total timeout.
func (w *RetryWrapper[Req, Resp]) newBackoff(state *callState) retry.Backoff {
	k := 0
	var next retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := w.config.DelayFor(k)
		k++
		return d, false
	})

	// Jitter may push a delay past MaxDelay; the cap pulls it back. Only
	// positive sequences are capped since WithCappedDuration lifts zero
	// delays to the cap.
	if w.config.JitterPercent > 0 {
		next = retry.WithJitterPercent(w.config.JitterPercent, next)
		if w.config.InitialDelay > 0 {
			next = retry.WithCappedDuration(w.config.MaxDelay, next)
		}
	}

	if w.config.MaxAttempts > 0 {
		next = retry.WithMaxRetries(uint64(w.config.MaxAttempts-1), next) // #nosec G115 - validated non-negative
	}

	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop || time.Since(state.start)+delay >= w.config.TotalTimeout {
			state.exhausted = true
			return 0, true
		}

		w.config.Metrics.observeRetry(w.config.MethodName, CodeOf(state.lastErr), delay)
		w.logger.Debug("retrying request after delay",
			"method", w.config.MethodName,
			"attempt", state.attempts,
			"delay", delay)
		return delay, false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time `json:"last_attempt_time"`

	// LastError is the last error encountered (if any)
	LastError error `json:"-"`

	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64 `json:"total_attempts"`

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64 `json:"total_retries"`

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64 `json:"total_successes"`

	// TotalFailures is the number of failed operations
	TotalFailures int64 `json:"total_failures"`

	// TotalExhausted is the number of failures caused by running out of retry budget
	TotalExhausted int64 `json:"total_exhausted"`
}

// GetRetryStats returns a snapshot of the retry statistics.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		TotalExhausted:  w.stats.totalExhausted,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
