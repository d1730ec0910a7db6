package apicall_test

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

// Test types
type testRequest struct {
	ID string
}

type testResponse struct {
	Value string
}

// Mock client for testing
type mockClient struct {
	executeFunc func(ctx context.Context, req testRequest) (testResponse, error)
	callCount   atomic.Int32
}

func (m *mockClient) Execute(ctx context.Context, req testRequest) (testResponse, error) {
	m.callCount.Add(1)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, req)
	}
	return testResponse{Value: "success"}, nil
}

func (m *mockClient) getCallCount() int {
	return int(m.callCount.Load())
}

// failingClient fails the first n calls with code, then succeeds.
func failingClient(n int, code codes.Code) *mockClient {
	m := &mockClient{}
	m.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
		if int(m.callCount.Load()) <= n {
			return testResponse{}, status.Error(code, "injected")
		}
		return testResponse{Value: "success"}, nil
	}
	return m
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fastRetry keeps backoff in the millisecond range.
func fastRetry(opts ...apicall.RetryOption) []apicall.RetryOption {
	return append([]apicall.RetryOption{
		apicall.WithRetryLogger(testLogger()),
		apicall.WithRetryDelays(time.Millisecond, 1.0, time.Millisecond),
		apicall.WithCallTimeouts(time.Second, 1.0, time.Second),
		apicall.WithTotalTimeout(5 * time.Second),
	}, opts...)
}

var itemType = apicall.NewResultType("Item")

type pageReq struct {
	Token apicall.Cursor
	Size  int
}

type pageResp struct {
	Type  *apicall.ResultType
	Items []string
	Next  apicall.Cursor
}

// pagedServer serves fixed pages addressed by "p<index>" tokens. An empty
// token addresses the first page.
type pagedServer struct {
	pages    [][]string
	types    map[int]*apicall.ResultType
	faults   map[int]error
	requests []pageReq
	mu       sync.Mutex
}

func newPagedServer(pages ...[]string) *pagedServer {
	return &pagedServer{
		pages:  pages,
		types:  make(map[int]*apicall.ResultType),
		faults: make(map[int]error),
	}
}

func (s *pagedServer) Execute(_ context.Context, req pageReq) (pageResp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	idx := 0
	if !req.Token.IsEmpty() {
		var err error
		if idx, err = strconv.Atoi(strings.TrimPrefix(string(req.Token), "p")); err != nil {
			return pageResp{}, status.Error(codes.InvalidArgument, "bad token")
		}
	}
	if err, ok := s.faults[idx]; ok {
		return pageResp{}, err
	}

	resp := pageResp{Items: s.pages[idx], Type: itemType}
	if t, ok := s.types[idx]; ok {
		resp.Type = t
	}
	if idx+1 < len(s.pages) {
		resp.Next = pageToken(idx + 1)
	}
	return resp, nil
}

func (s *pagedServer) clearFault(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, page)
}

func (s *pagedServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *pagedServer) request(i int) pageReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func pageToken(i int) apicall.Cursor {
	return apicall.Cursor(fmt.Sprintf("p%d", i))
}

var startToken = apicall.Cursor("start")

func pageDescriptor() apicall.PageStreamingDescriptor[pageReq, pageResp, string] {
	return apicall.PageStreamingDescriptor[pageReq, pageResp, string]{
		EmptyToken: startToken,
		InjectToken: func(req pageReq, token apicall.Cursor) pageReq {
			req.Token = token
			return req
		},
		InjectPageSize: func(req pageReq, size int) pageReq {
			req.Size = size
			return req
		},
		ExtractPageSize: func(req pageReq) int {
			return req.Size
		},
		ExtractToken: func(req pageReq) apicall.Cursor {
			return req.Token
		},
		ExtractNextToken: func(resp pageResp) apicall.Cursor {
			return resp.Next
		},
		ExtractResources: func(resp pageResp) []string {
			return resp.Items
		},
		ResultType: func(resp pageResp) *apicall.ResultType {
			return resp.Type
		},
	}
}

func stringResolver() apicall.ResultTypeResolver[string, string] {
	return apicall.IdentityResolver[string](itemType)
}

func quietExecutor(opts ...apicall.ExecutorOption) []apicall.ExecutorOption {
	return append([]apicall.ExecutorOption{apicall.WithExecutorLogger(testLogger())}, opts...)
}
