package apicall

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// GRPCInvoker performs one unary gRPC call per Execute. Failures keep their
// gRPC status, so CodeOf classifies them without translation.
type GRPCInvoker[Req, Resp proto.Message] struct {
	conn    grpc.ClientConnInterface
	method  string
	newResp func() Resp
	opts    []grpc.CallOption
}

// NewGRPCInvoker creates an invoker for the fully qualified method
// ("/package.Service/Method"). newResp allocates an empty response message.
//
// Example:
//
//	list := apicall.NewGRPCInvoker(conn, "/groups.v1.GroupService/ListGroups",
//	    func() *groupspb.ListGroupsResponse { return new(groupspb.ListGroupsResponse) })
func NewGRPCInvoker[Req, Resp proto.Message](
	conn grpc.ClientConnInterface,
	method string,
	newResp func() Resp,
	opts ...grpc.CallOption,
) *GRPCInvoker[Req, Resp] {
	return &GRPCInvoker[Req, Resp]{
		conn:    conn,
		method:  method,
		newResp: newResp,
		opts:    opts,
	}
}

// Method returns the fully qualified method name.
func (g *GRPCInvoker[Req, Resp]) Method() string {
	return g.method
}

// Execute implements Invoker.
func (g *GRPCInvoker[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	resp := g.newResp()
	if err := g.conn.Invoke(ctx, g.method, req, resp, g.opts...); err != nil {
		var zero Resp
		return zero, err
	}
	return resp, nil
}

// LoggingUnaryClientInterceptor logs every unary call with its duration and
// status code. Attach it with grpc.WithUnaryInterceptor.
func LoggingUnaryClientInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		duration := time.Since(start)

		if err != nil {
			logger.Debug("gRPC client call failed",
				"method", method,
				"duration", duration,
				"code", codeName(status.Code(err)),
				"error", err)
		} else {
			logger.Debug("gRPC client call",
				"method", method,
				"duration", duration)
		}
		return err
	}
}
