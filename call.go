package apicall

import (
	"context"
	"log/slog"
)

// UnaryCall is one remote method bound to its retry policy and, optionally, a
// circuit breaker. The breaker sits inside the retry loop, so each attempt is
// counted and an open breaker ends the call at once.
type UnaryCall[Req, Resp any] struct {
	method  string
	retry   *RetryWrapper[Req, Resp]
	breaker *CircuitBreakerWrapper[Req, Resp]
}

// NewUnaryCall binds invoker to a policy. A nil retryConfig means
// DefaultRetryConfig; a nil breakerConfig disables the breaker. Both configs
// are copied.
//
// Example:
//
//	create := apicall.NewUnaryCall("CreateGroup", invoker, apicall.NonIdempotentRetryConfig(), nil)
//	group, err := create.Execute(ctx, req)
func NewUnaryCall[Req, Resp any](
	method string,
	invoker Invoker[Req, Resp],
	retryConfig *RetryConfig,
	breakerConfig *CircuitBreakerConfig,
) *UnaryCall[Req, Resp] {
	call := &UnaryCall[Req, Resp]{method: method}

	inner := invoker
	if breakerConfig != nil {
		call.breaker = NewCircuitBreakerWrapper(invoker,
			FromCircuitBreakerConfig(breakerConfig),
			func(c *CircuitBreakerConfig) {
				if c.Name == "" || c.Name == DefaultCircuitBreakerConfig().Name {
					c.Name = method
				}
			})
		inner = call.breaker
	}

	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	call.retry = NewRetryWrapper(inner,
		FromRetryConfig(retryConfig),
		func(c *RetryConfig) {
			if c.MethodName == "" {
				c.MethodName = method
			}
		})

	return call
}

// Method returns the remote method name.
func (c *UnaryCall[Req, Resp]) Method() string {
	return c.method
}

// Execute implements Invoker.
func (c *UnaryCall[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return c.retry.Execute(ctx, req)
}

// Health reports breaker state and retry statistics.
func (c *UnaryCall[Req, Resp]) Health() MethodHealth {
	h := MethodHealth{
		Method: c.method,
		Retry:  c.retry.GetRetryStats(),
	}
	if c.breaker != nil {
		status := c.breaker.GetHealth()
		h.Breaker = &status
	}
	return h
}

// PagedCall is a paged remote method: a UnaryCall for single pages plus the
// descriptor and resolver needed to stream its items.
type PagedCall[Req, Resp, Item, T any] struct {
	page     *UnaryCall[Req, Resp]
	desc     PageStreamingDescriptor[Req, Resp, Item]
	resolver ResultTypeResolver[Item, T]
	opts     []ExecutorOption
}

// NewPagedCall creates a paged call. opts apply to every executor it starts.
func NewPagedCall[Req, Resp, Item, T any](
	page *UnaryCall[Req, Resp],
	desc PageStreamingDescriptor[Req, Resp, Item],
	resolver ResultTypeResolver[Item, T],
	opts ...ExecutorOption,
) *PagedCall[Req, Resp, Item, T] {
	return &PagedCall[Req, Resp, Item, T]{
		page:     page,
		desc:     desc,
		resolver: resolver,
		opts:     opts,
	}
}

// Query starts streaming the results of req. Each page fetch gets a fresh
// retry budget.
func (p *PagedCall[Req, Resp, Item, T]) Query(
	ctx context.Context,
	req Req,
	opts ...ExecutorOption,
) (*PagedQueryExecutor[Req, Resp, Item, T], error) {
	all := make([]ExecutorOption, 0, len(p.opts)+len(opts)+1)
	all = append(all, WithExecutorMethodName(p.page.Method()))
	all = append(all, p.opts...)
	all = append(all, opts...)
	return NewPagedQueryExecutor(ctx, p.page, p.desc, req, p.resolver, all...)
}

// Resume starts streaming req from cursor, typically the CursorAfter of an
// executor that failed or was abandoned.
func (p *PagedCall[Req, Resp, Item, T]) Resume(
	ctx context.Context,
	req Req,
	cursor Cursor,
	opts ...ExecutorOption,
) (*PagedQueryExecutor[Req, Resp, Item, T], error) {
	return p.Query(ctx, p.desc.InjectToken(req, cursor), opts...)
}

// Page fetches a single page without streaming.
func (p *PagedCall[Req, Resp, Item, T]) Page(ctx context.Context, req Req) (Resp, error) {
	return p.page.Execute(ctx, req)
}

// Health reports the health of the page call.
func (p *PagedCall[Req, Resp, Item, T]) Health() MethodHealth {
	return p.page.Health()
}

// CombineRetryAndCircuitBreaker wraps client with a circuit breaker (inner
// layer) and retry (outer layer). A non-nil logger replaces the loggers of
// both configs. Neither config is modified.
func CombineRetryAndCircuitBreaker[Req, Resp any](
	client Invoker[Req, Resp],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) Invoker[Req, Resp] {
	withCB := NewCircuitBreakerWrapper(client,
		FromCircuitBreakerConfig(cbConfig),
		func(c *CircuitBreakerConfig) {
			if logger != nil {
				c.Logger = logger
			}
		})

	return NewRetryWrapper[Req, Resp](withCB,
		FromRetryConfig(retryConfig),
		func(c *RetryConfig) {
			if logger != nil {
				c.Logger = logger
			}
		})
}
