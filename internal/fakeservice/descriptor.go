package fakeservice

import (
	"context"
	"errors"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

// QueryDescriptor describes the paging fields of RunQuery.
func QueryDescriptor() apicall.PageStreamingDescriptor[*RunQueryRequest, *RunQueryResponse, *EntityResult] {
	return apicall.PageStreamingDescriptor[*RunQueryRequest, *RunQueryResponse, *EntityResult]{
		InjectToken: func(req *RunQueryRequest, token apicall.Cursor) *RunQueryRequest {
			next := *req
			next.Query.StartCursor = token
			return &next
		},
		InjectPageSize: func(req *RunQueryRequest, size int) *RunQueryRequest {
			next := *req
			next.Query.BatchSize = size
			return &next
		},
		ExtractPageSize: func(req *RunQueryRequest) int {
			return req.Query.BatchSize
		},
		ExtractToken: func(req *RunQueryRequest) apicall.Cursor {
			return req.Query.StartCursor
		},
		ExtractNextToken: func(resp *RunQueryResponse) apicall.Cursor {
			return resp.Batch.EndCursor
		},
		ExtractResources: func(resp *RunQueryResponse) []*EntityResult {
			return resp.Batch.EntityResults
		},
		MoreResults: func(resp *RunQueryResponse) bool {
			return resp.Batch.MoreResults == NotFinished
		},
		SkippedResults: func(resp *RunQueryResponse) (int, apicall.Cursor) {
			return resp.Batch.SkippedResults, resp.Batch.SkippedCursor
		},
		EndCursor: func(resp *RunQueryResponse) apicall.Cursor {
			return resp.Batch.EndCursor
		},
		ItemCursor: func(resp *RunQueryResponse, index int) apicall.Cursor {
			return resp.Batch.EntityResults[index].Cursor
		},
		ResultType: func(resp *RunQueryResponse) *apicall.ResultType {
			return ResultTypeOf(resp.Batch.ResultKind)
		},
		NextRequest: NextQuery,
	}
}

var errMissingEntity = errors.New("entity result without entity")

// EntityResolver accepts full entity batches.
func EntityResolver() apicall.ResultTypeResolver[*EntityResult, *Entity] {
	return entityResolver(EntityType)
}

// BaseEntityResolver accepts full and projection batches.
func BaseEntityResolver() apicall.ResultTypeResolver[*EntityResult, *Entity] {
	return entityResolver(BaseEntityType)
}

// ProjectionResolver accepts every batch and hands out the entities as they came.
func ProjectionResolver() apicall.ResultTypeResolver[*EntityResult, *Entity] {
	return entityResolver(ProjectionType)
}

// KeyResolver accepts key-only batches and yields the keys.
func KeyResolver() apicall.ResultTypeResolver[*EntityResult, string] {
	return apicall.ResultTypeResolver[*EntityResult, string]{
		Expected: KeyType,
		Convert: func(_ *apicall.ResultType, r *EntityResult) (string, error) {
			if r.Entity == nil {
				return "", errMissingEntity
			}
			return r.Entity.Key, nil
		},
	}
}

func entityResolver(expected *apicall.ResultType) apicall.ResultTypeResolver[*EntityResult, *Entity] {
	return apicall.ResultTypeResolver[*EntityResult, *Entity]{
		Expected: expected,
		Convert: func(_ *apicall.ResultType, r *EntityResult) (*Entity, error) {
			if r.Entity == nil {
				return nil, errMissingEntity
			}
			return r.Entity, nil
		},
	}
}

// QueryInvoker adapts the store to an apicall.Invoker.
func (s *Store) QueryInvoker() apicall.Invoker[*RunQueryRequest, *RunQueryResponse] {
	return apicall.InvokerFunc[*RunQueryRequest, *RunQueryResponse](
		func(ctx context.Context, req *RunQueryRequest) (*RunQueryResponse, error) {
			return s.RunQuery(ctx, req)
		})
}
