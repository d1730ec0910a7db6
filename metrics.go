package apicall

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"
)

// Metrics holds the Prometheus collectors for retries and paging. A nil
// *Metrics is valid and records nothing.
//
// Exposed series (with the configured namespace as prefix):
//   - attempts_total{method, code} (Counter): attempts by outcome code
//   - retries_total{method, code} (Counter): retries by the code that caused them
//   - retry_backoff_seconds{method} (Histogram): backoff sleeps
//   - retry_exhausted_total{method} (Counter): calls that ran out of retry budget
//   - pages_fetched_total{method} (Counter): pages fetched by paged queries
//   - empty_pages_total{method} (Counter): pages that carried no items
//   - items_yielded_total{method} (Counter): items handed to callers
type Metrics struct {
	attempts       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	backoff        *prometheus.HistogramVec
	retryExhausted *prometheus.CounterVec
	pages          *prometheus.CounterVec
	emptyPages     *prometheus.CounterVec
	items          *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler,
// or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of call attempts by outcome code",
		}, []string{"method", "code"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retries by the code that caused them",
		}, []string{"method", "code"}),
		backoff: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff duration before retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"method"}),
		retryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Total number of calls that exhausted their retry budget",
		}, []string{"method"}),
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of pages fetched by paged queries",
		}, []string{"method"}),
		emptyPages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_pages_total",
			Help:      "Total number of fetched pages without items",
		}, []string{"method"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_yielded_total",
			Help:      "Total number of items returned to callers of paged queries",
		}, []string{"method"}),
	}
}

func (m *Metrics) observeAttempt(method string, code codes.Code) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(method, codeName(code)).Inc()
}

func (m *Metrics) observeRetry(method string, code codes.Code, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method, codeName(code)).Inc()
	m.backoff.WithLabelValues(method).Observe(delay.Seconds())
}

func (m *Metrics) observeExhausted(method string) {
	if m == nil {
		return
	}
	m.retryExhausted.WithLabelValues(method).Inc()
}

func (m *Metrics) observePage(method string, items int) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(method).Inc()
	if items == 0 {
		m.emptyPages.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) observeItem(method string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(method).Inc()
}
