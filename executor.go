package apicall

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
)

type executorState int

const (
	stateNeedFetch executorState = iota
	stateHasBuffered
	stateExhausted
	stateFailed
)

func (s executorState) String() string {
	switch s {
	case stateNeedFetch:
		return "need-fetch"
	case stateHasBuffered:
		return "has-buffered"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PagedQueryExecutor turns a paged remote operation into a lazy, forward-only
// stream of decoded items. It buffers one page at a time and fetches the next
// page through call whenever the buffer runs dry, until the server reports the
// last batch.
//
// An executor belongs to a single consumer and is not safe for concurrent use.
// It cannot be restarted: to resume, build a new executor whose request
// starts at CursorAfter.
type PagedQueryExecutor[Req, Resp, Item, T any] struct {
	call     Invoker[Req, Resp]
	desc     PageStreamingDescriptor[Req, Resp, Item]
	resolver ResultTypeResolver[Item, T]
	config   ExecutorConfig
	logger   *slog.Logger

	request    Req
	response   Resp
	pageToken  Cursor
	buffer     []Item
	index      int
	lastBatch  bool
	cursor     Cursor
	actualType *ResultType

	state      executorState
	err        error
	pages      int
	emptyPages int
	yielded    int
}

// NewPagedQueryExecutor validates desc, runs the first request through call
// and returns an executor positioned before the first item. call is normally a
// RetryWrapper, so every page fetch gets its own retry budget.
//
// A failing first fetch, or a first page whose result type the resolver
// rejects, is returned as the error; no executor is created.
func NewPagedQueryExecutor[Req, Resp, Item, T any](
	ctx context.Context,
	call Invoker[Req, Resp],
	desc PageStreamingDescriptor[Req, Resp, Item],
	req Req,
	resolver ResultTypeResolver[Item, T],
	opts ...ExecutorOption,
) (*PagedQueryExecutor[Req, Resp, Item, T], error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	config := DefaultExecutorConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.PageSize > 0 {
		var err error
		if req, err = desc.WithPageSize(req, config.PageSize); err != nil {
			return nil, err
		}
	}

	e := &PagedQueryExecutor[Req, Resp, Item, T]{
		call:     call,
		desc:     desc,
		resolver: resolver,
		config:   *config,
		logger:   config.Logger,
	}

	if err := e.fetch(ctx, req); err != nil {
		return nil, err
	}

	if skipped, skippedCursor := desc.skipped(e.response); skipped > 0 {
		e.cursor = skippedCursor.clone()
	} else {
		e.cursor = desc.startCursor(req).clone()
	}

	return e, nil
}

// Next returns the next item. ok is false once the stream has ended; err is
// set when the stream failed. Both conditions are permanent: every later call
// returns the same result.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) Next(ctx context.Context) (item T, ok bool, err error) {
	var zero T

	if err := e.advance(ctx); err != nil {
		return zero, false, err
	}
	if e.state == stateExhausted {
		return zero, false, nil
	}

	return e.pop()
}

// HasNext fetches pages until an item is buffered or the stream ends, without
// consuming anything.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) HasNext(ctx context.Context) (bool, error) {
	if err := e.advance(ctx); err != nil {
		return false, err
	}
	return e.state == stateHasBuffered, nil
}

// advance drives the state machine until it rests in HasBuffered, Exhausted
// or Failed.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) advance(ctx context.Context) error {
	for {
		switch e.state {
		case stateFailed:
			return e.err
		case stateExhausted, stateHasBuffered:
			return nil
		case stateNeedFetch:
			if e.index < len(e.buffer) {
				e.state = stateHasBuffered
				continue
			}
			if e.lastBatch {
				e.cursor = e.desc.endCursor(e.response).clone()
				e.state = stateExhausted
				e.logger.Debug("paged query finished",
					"method", e.config.MethodName,
					"pages", e.pages,
					"items", e.yielded)
				continue
			}
			if err := e.fetch(ctx, e.desc.nextRequest(e.request, e.response)); err != nil {
				return err
			}
		}
	}
}

// fetch runs one page request and loads its response into the buffer.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) fetch(ctx context.Context, req Req) error {
	resp, err := e.call.Execute(ctx, req)
	if err != nil {
		return e.fail(err)
	}

	e.pages++
	e.request = req
	e.response = resp
	e.pageToken = e.desc.startCursor(req)
	e.buffer = e.desc.ExtractResources(resp)
	e.index = 0
	e.actualType = e.desc.resultType(resp)
	if err := e.resolver.Check(e.actualType); err != nil {
		return e.fail(err)
	}
	if !e.desc.moreResults(resp) {
		e.lastBatch = true
	}

	e.config.Metrics.observePage(e.config.MethodName, len(e.buffer))
	e.logger.Debug("fetched page",
		"method", e.config.MethodName,
		"page", e.pages,
		"items", len(e.buffer),
		"last_batch", e.lastBatch)

	if len(e.buffer) > 0 {
		e.emptyPages = 0
		e.state = stateHasBuffered
		return nil
	}

	e.state = stateNeedFetch
	if !e.lastBatch {
		e.emptyPages++
		if e.config.MaxEmptyPages > 0 && e.emptyPages >= e.config.MaxEmptyPages {
			return e.fail(fmt.Errorf("%w: %d in a row", ErrTooManyEmptyPages, e.emptyPages))
		}
	}
	return nil
}

// pop decodes and hands out the next buffered item. The page type was
// checked when the page arrived.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) pop() (T, bool, error) {
	var zero T

	idx := e.index
	raw := e.buffer[idx]
	e.index++

	value, err := e.resolver.convert(e.actualType, raw)
	if err != nil {
		return zero, false, e.fail(err)
	}

	drained := e.index >= len(e.buffer)
	e.cursor = e.desc.itemCursor(e.response, e.pageToken, idx, drained).clone()
	if drained {
		e.state = stateNeedFetch
	}

	e.yielded++
	e.config.Metrics.observeItem(e.config.MethodName)
	return value, true, nil
}

// fail moves the executor into its terminal failed state and drops whatever
// is still buffered.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) fail(err error) error {
	e.state = stateFailed
	e.err = err
	e.buffer = nil
	e.index = 0

	e.logger.Warn("paged query failed",
		"method", e.config.MethodName,
		"pages", e.pages,
		"items", e.yielded,
		"error", err)
	return err
}

// CursorAfter returns the position after the most recently returned item.
// Before the first item it is the skipped-results cursor (or the start cursor
// of the request), and after the stream ended it is the end cursor of the
// final batch.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) CursorAfter() Cursor {
	return e.cursor.clone()
}

// ActualResultType is the result type of the current page.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) ActualResultType() *ResultType {
	return e.actualType
}

// Err returns the terminal error, if any.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) Err() error {
	return e.err
}

// PagesFetched is the number of pages fetched so far, including the first.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) PagesFetched() int {
	return e.pages
}

// Items adapts the executor to a range-over-func iterator. Iteration stops at
// the end of the stream or after yielding the terminal error.
//
// Example:
//
//	for item, err := range exec.Items(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(item)
//	}
func (e *PagedQueryExecutor[Req, Resp, Item, T]) Items(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, ok, err := e.Next(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !ok || !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains the executor. On failure it returns the items read so far
// together with the error.
func (e *PagedQueryExecutor[Req, Resp, Item, T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for item, err := range e.Items(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
