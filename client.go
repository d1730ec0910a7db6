// Package apicall is the execution core shared by generated API clients.
// It turns one logical remote call into a retry-governed call, and one logical
// paged query into a lazy, forward-only stream of decoded results.
//
// The package is built from three pieces:
//
//   - Invoker, the single remote call supplied by the surrounding client
//     (gRPC, HTTP, or anything else that maps a request to a response).
//   - RetryWrapper, which wraps an Invoker with exponential backoff, per-attempt
//     timeout escalation and a total-time budget, keyed by retryable status codes.
//   - PagedQueryExecutor, which drives repeated calls through a
//     PageStreamingDescriptor and exposes the results one item at a time.
//
// Example:
//
//	call := apicall.NewRetryWrapper(
//	    apicall.InvokerFunc[*ListRequest, *ListResponse](client.List),
//	    apicall.WithRetryableCodes(codes.Unavailable, codes.DeadlineExceeded),
//	)
//	exec, err := apicall.NewPagedQueryExecutor(ctx, call, listDescriptor, req, resolver)
//	for item, err := range exec.Items(ctx) {
//	    ...
//	}
package apicall

import (
	"context"
)

// Invoker performs exactly one remote call. Type parameters Req and Resp can be
// any types, which makes it usable for gRPC stubs, HTTP clients, or in-memory
// fakes alike. Failures should carry a status code (see CodeOf) so the retry
// engine can classify them.
type Invoker[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context controls the attempt deadline and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// InvokerFunc adapts an ordinary function to the Invoker interface.
//
// Example:
//
//	inv := apicall.InvokerFunc[*GetGroupRequest, *Group](store.GetGroup)
type InvokerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute calls f(ctx, req).
func (f InvokerFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}
