package apicall

import "fmt"

// PageStreamingDescriptor knows how to read and write the paging fields of one
// paged operation. It is a plain value of accessor functions: build one per
// operation kind and share it between executors.
//
// InjectToken, ExtractToken, ExtractNextToken and ExtractResources are
// required. The remaining fields describe richer query batches and fall back
// to token based defaults when nil.
type PageStreamingDescriptor[Req, Resp, Item any] struct {
	// EmptyToken is the token of a request that starts from the beginning.
	EmptyToken Cursor

	// InjectToken returns a copy of req that continues from token.
	InjectToken func(req Req, token Cursor) Req

	// InjectPageSize returns a copy of req asking for at most size items.
	InjectPageSize func(req Req, size int) Req

	// ExtractPageSize reads the page size of req.
	ExtractPageSize func(req Req) int

	// ExtractToken reads the continuation token of req.
	ExtractToken func(req Req) Cursor

	// ExtractNextToken reads the continuation token carried by resp.
	ExtractNextToken func(resp Resp) Cursor

	// ExtractResources returns the items of resp in server order.
	ExtractResources func(resp Resp) []Item

	// MoreResults reports whether another page may follow resp.
	// Default: the next token is not empty.
	MoreResults func(resp Resp) bool

	// SkippedResults returns how many results the server skipped (an offset)
	// and the cursor positioned after them.
	// Default: nothing skipped.
	SkippedResults func(resp Resp) (int, Cursor)

	// EndCursor is the position after the last result of resp.
	// Default: ExtractNextToken.
	EndCursor func(resp Resp) Cursor

	// ItemCursor is the position right after item index of resp.
	// Default: the token of the page while it still has items, then the next token.
	ItemCursor func(resp Resp, index int) Cursor

	// ResultType is the type tag of the items in resp.
	// Default: nil, which only a nil or wildcard expected type accepts.
	ResultType func(resp Resp) *ResultType

	// NextRequest builds the follow-up of prev after resp.
	// Default: InjectToken(prev, ExtractNextToken(resp)).
	NextRequest func(prev Req, resp Resp) Req
}

// Validate reports missing required accessors.
func (d PageStreamingDescriptor[Req, Resp, Item]) Validate() error {
	var missing string
	switch {
	case d.InjectToken == nil:
		missing = "InjectToken"
	case d.ExtractToken == nil:
		missing = "ExtractToken"
	case d.ExtractNextToken == nil:
		missing = "ExtractNextToken"
	case d.ExtractResources == nil:
		missing = "ExtractResources"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, missing)
}

// WithPageSize returns a copy of req with the page size set.
func (d PageStreamingDescriptor[Req, Resp, Item]) WithPageSize(req Req, size int) (Req, error) {
	if d.InjectPageSize == nil {
		return req, fmt.Errorf("%w: InjectPageSize is required to set a page size", ErrInvalidDescriptor)
	}
	return d.InjectPageSize(req, size), nil
}

// PageSize reads the page size of req, or 0 when the descriptor cannot.
func (d PageStreamingDescriptor[Req, Resp, Item]) PageSize(req Req) int {
	if d.ExtractPageSize == nil {
		return 0
	}
	return d.ExtractPageSize(req)
}

func (d PageStreamingDescriptor[Req, Resp, Item]) startCursor(req Req) Cursor {
	if token := d.ExtractToken(req); !token.IsEmpty() {
		return token
	}
	return d.EmptyToken
}

func (d PageStreamingDescriptor[Req, Resp, Item]) moreResults(resp Resp) bool {
	if d.MoreResults != nil {
		return d.MoreResults(resp)
	}
	return !d.ExtractNextToken(resp).IsEmpty()
}

func (d PageStreamingDescriptor[Req, Resp, Item]) skipped(resp Resp) (int, Cursor) {
	if d.SkippedResults == nil {
		return 0, nil
	}
	return d.SkippedResults(resp)
}

func (d PageStreamingDescriptor[Req, Resp, Item]) endCursor(resp Resp) Cursor {
	if d.EndCursor != nil {
		return d.EndCursor(resp)
	}
	return d.ExtractNextToken(resp)
}

// itemCursor resolves the cursor after item index. Without per-item cursors
// the best resumable position is the page token until the page is drained.
func (d PageStreamingDescriptor[Req, Resp, Item]) itemCursor(resp Resp, pageToken Cursor, index int, drained bool) Cursor {
	if d.ItemCursor != nil {
		return d.ItemCursor(resp, index)
	}
	if drained {
		return d.ExtractNextToken(resp)
	}
	return pageToken
}

func (d PageStreamingDescriptor[Req, Resp, Item]) resultType(resp Resp) *ResultType {
	if d.ResultType == nil {
		return nil
	}
	return d.ResultType(resp)
}

func (d PageStreamingDescriptor[Req, Resp, Item]) nextRequest(prev Req, resp Resp) Req {
	if d.NextRequest != nil {
		return d.NextRequest(prev, resp)
	}
	return d.InjectToken(prev, d.ExtractNextToken(resp))
}
