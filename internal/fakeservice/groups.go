package fakeservice

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

// Group service wire names.
const (
	GroupServiceName = "fake.groups.v1.GroupService"
	ListGroupsMethod = "/" + GroupServiceName + "/ListGroups"
)

const defaultGroupPageSize = 10

// GroupType is the result type of ListGroups pages.
var GroupType = apicall.NewResultType("Group")

// Group is the decoded form of one listed group.
type Group struct {
	Name        string
	DisplayName string
}

// groupService is the server side contract registered with grpc.
type groupService interface {
	ListGroups(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: GroupServiceName,
	HandlerType: (*groupService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListGroups",
			Handler:    listGroupsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fake/groups/v1/groups.proto",
}

func listGroupsHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(groupService).ListGroups(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ListGroupsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(groupService).ListGroups(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GroupServer serves ListGroups from memory. Requests carry "page_size",
// "page_token" and a "filter" name prefix; responses carry "groups" and
// "next_page_token".
type GroupServer struct {
	groups []*structpb.Value
	faults []error
	calls  int
	mu     sync.Mutex
}

// NewGroupServer creates a server listing the named groups in order.
func NewGroupServer(names ...string) *GroupServer {
	g := &GroupServer{}
	for _, name := range names {
		g.Add(structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":         structpb.NewStringValue(name),
			"display_name": structpb.NewStringValue(strings.ToUpper(name)),
		}}))
	}
	return g
}

// Add appends a raw group value, well formed or not.
func (g *GroupServer) Add(v *structpb.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups = append(g.groups, v)
}

// FailNext makes the next n calls fail with code.
func (g *GroupServer) FailNext(code codes.Code, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for range n {
		g.faults = append(g.faults, status.Error(code, "injected failure"))
	}
}

// Calls returns the number of ListGroups calls served.
func (g *GroupServer) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Register adds the group service to srv.
func (g *GroupServer) Register(srv *grpc.Server) {
	srv.RegisterService(&groupServiceDesc, g)
}

// ListGroups implements the group service.
func (g *GroupServer) ListGroups(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if len(g.faults) > 0 {
		err := g.faults[0]
		g.faults = g.faults[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	fields := req.GetFields()
	size := int(fields["page_size"].GetNumberValue())
	if size <= 0 {
		size = defaultGroupPageSize
	}
	prefix := fields["filter"].GetStringValue()

	token, err := apicall.ParseCursor(fields["page_token"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	pos, err := decodePosition(token, 0)
	if err != nil {
		return nil, err
	}

	var page []*structpb.Value
	for pos < len(g.groups) && len(page) < size {
		v := g.groups[pos]
		pos++
		name := v.GetStructValue().GetFields()["name"].GetStringValue()
		if prefix == "" || strings.HasPrefix(name, prefix) {
			page = append(page, v)
		}
	}

	next := ""
	if pos < len(g.groups) {
		next = encodePosition(pos).String()
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"groups":          structpb.NewListValue(&structpb.ListValue{Values: page}),
		"next_page_token": structpb.NewStringValue(next),
	}}, nil
}

// ListGroupsRequest builds a request for groups whose name starts with prefix.
func ListGroupsRequest(prefix string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"filter": structpb.NewStringValue(prefix),
	}}
}

// GroupsDescriptor describes the paging fields of ListGroups.
func GroupsDescriptor() apicall.PageStreamingDescriptor[*structpb.Struct, *structpb.Struct, *structpb.Value] {
	return apicall.PageStreamingDescriptor[*structpb.Struct, *structpb.Struct, *structpb.Value]{
		InjectToken: func(req *structpb.Struct, token apicall.Cursor) *structpb.Struct {
			return withField(req, "page_token", structpb.NewStringValue(token.String()))
		},
		InjectPageSize: func(req *structpb.Struct, size int) *structpb.Struct {
			return withField(req, "page_size", structpb.NewNumberValue(float64(size)))
		},
		ExtractPageSize: func(req *structpb.Struct) int {
			return int(req.GetFields()["page_size"].GetNumberValue())
		},
		ExtractToken: func(req *structpb.Struct) apicall.Cursor {
			c, _ := apicall.ParseCursor(req.GetFields()["page_token"].GetStringValue())
			return c
		},
		ExtractNextToken: func(resp *structpb.Struct) apicall.Cursor {
			c, _ := apicall.ParseCursor(resp.GetFields()["next_page_token"].GetStringValue())
			return c
		},
		ExtractResources: func(resp *structpb.Struct) []*structpb.Value {
			return resp.GetFields()["groups"].GetListValue().GetValues()
		},
		ResultType: func(*structpb.Struct) *apicall.ResultType {
			return GroupType
		},
	}
}

var errMalformedGroup = errors.New("group without a name")

// GroupResolver decodes listed groups.
func GroupResolver() apicall.ResultTypeResolver[*structpb.Value, Group] {
	return apicall.ResultTypeResolver[*structpb.Value, Group]{
		Expected: GroupType,
		Convert: func(_ *apicall.ResultType, v *structpb.Value) (Group, error) {
			fields := v.GetStructValue().GetFields()
			name := fields["name"].GetStringValue()
			if name == "" {
				return Group{}, errMalformedGroup
			}
			return Group{
				Name:        name,
				DisplayName: fields["display_name"].GetStringValue(),
			}, nil
		},
	}
}

// ListGroupsInvoker calls ListGroups over conn.
func ListGroupsInvoker(conn grpc.ClientConnInterface, opts ...grpc.CallOption) *apicall.GRPCInvoker[*structpb.Struct, *structpb.Struct] {
	return apicall.NewGRPCInvoker[*structpb.Struct](conn, ListGroupsMethod,
		func() *structpb.Struct { return new(structpb.Struct) }, opts...)
}

func withField(req *structpb.Struct, name string, v *structpb.Value) *structpb.Struct {
	out, _ := proto.Clone(req).(*structpb.Struct)
	if out == nil {
		out = &structpb.Struct{}
	}
	if out.Fields == nil {
		out.Fields = make(map[string]*structpb.Value)
	}
	out.Fields[name] = v
	return out
}

// DialBufconn serves the registered services on an in-memory listener, next
// to a health service reporting SERVING, and returns a client connection to
// it. The returned func closes the connection and stops the server.
func DialBufconn(register func(*grpc.Server), opts ...grpc.DialOption) (*grpc.ClientConn, func(), error) {
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	register(srv)
	for name := range srv.GetServiceInfo() {
		healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	go func() {
		_ = srv.Serve(lis)
	}()

	dialOpts := append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient("passthrough:///bufnet", dialOpts...)
	if err != nil {
		srv.Stop()
		return nil, nil, err
	}

	return conn, func() {
		_ = conn.Close()
		srv.Stop()
	}, nil
}
