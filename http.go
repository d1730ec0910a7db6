package apicall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// RequestIDHeader carries a fresh id on every HTTP attempt.
const RequestIDHeader = "X-Request-Id"

// maxErrorBody bounds how much of an error response ends up in the error message.
const maxErrorBody = 4 << 10

// HTTPInvoker performs one JSON-over-HTTP call per Execute: the request is
// encoded as the body, a 2xx response body is decoded into Resp, and any
// other status becomes a *StatusCodeError that CodeOf maps onto a status code.
type HTTPInvoker[Req, Resp any] struct {
	client *http.Client
	method string
	url    string
	header http.Header
}

// NewHTTPInvoker creates an invoker for the given HTTP method and URL. A nil
// client means http.DefaultClient.
//
// Example:
//
//	list := apicall.NewHTTPInvoker[ListRequest, ListResponse](nil, http.MethodPost, baseURL+"/v1/groups:list")
func NewHTTPInvoker[Req, Resp any](client *http.Client, method, url string) *HTTPInvoker[Req, Resp] {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker[Req, Resp]{
		client: client,
		method: method,
		url:    url,
		header: make(http.Header),
	}
}

// WithHeader returns the invoker after adding a header sent on every request.
func (h *HTTPInvoker[Req, Resp]) WithHeader(key, value string) *HTTPInvoker[Req, Resp] {
	h.header.Add(key, value)
	return h
}

// Execute implements Invoker.
func (h *HTTPInvoker[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var out Resp

	body, err := json.Marshal(req)
	if err != nil {
		return out, WrapFailure(codes.InvalidArgument, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(body))
	if err != nil {
		return out, WrapFailure(codes.InvalidArgument, err)
	}
	for key, values := range h.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return out, NewStatusCodeError(resp.StatusCode,
			fmt.Errorf("%s %s: %s: %s", h.method, h.url, resp.Status, bytes.TrimSpace(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, WrapFailure(codes.Internal, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}
