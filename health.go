package apicall

// HealthStatus describes the circuit breaker of one remote method.
type HealthStatus struct {
	// Name is the breaker name, usually the method.
	Name string `json:"name"`

	// Status is the breaker state ("closed", "half-open", "open").
	Status string `json:"status"`

	// Healthy is true for closed and half-open breakers.
	Healthy bool `json:"healthy"`

	// Requests is the number of requests in the current interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the number of successful requests in the current interval.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the number of failed requests in the current interval.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// MethodHealth combines breaker health and retry statistics of a call.
type MethodHealth struct {
	Method  string        `json:"method"`
	Breaker *HealthStatus `json:"breaker,omitempty"`
	Retry   RetryStats    `json:"retry"`
}

// Healthy is false only when the breaker is open.
func (h MethodHealth) Healthy() bool {
	return h.Breaker == nil || h.Breaker.Healthy
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	return HealthStatus{
		Name:                 w.name,
		Status:               state.String(),
		Healthy:              state != StateOpen,
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}
