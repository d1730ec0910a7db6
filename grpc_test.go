package apicall_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	apicall "github.com/JohnPlummer/jp-go-apicall"
	"github.com/JohnPlummer/jp-go-apicall/internal/fakeservice"
)

var _ = Describe("GRPCInvoker", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		server *fakeservice.GroupServer
		conn   *grpc.ClientConn
		stop   func()
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		server = fakeservice.NewGroupServer("alpha", "beta", "gamma", "delta", "epsilon")

		var err error
		conn, stop, err = fakeservice.DialBufconn(server.Register,
			grpc.WithUnaryInterceptor(apicall.LoggingUnaryClientInterceptor(testLogger())))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		stop()
		cancel()
	})

	listGroups := func(opts ...apicall.ExecutorOption) (*apicall.PagedQueryExecutor[*structpb.Struct, *structpb.Struct, *structpb.Value, fakeservice.Group], error) {
		config := apicall.IdempotentRetryConfig()
		config.Logger = testLogger()
		call := apicall.NewUnaryCall("ListGroups", fakeservice.ListGroupsInvoker(conn), config, nil)
		paged := apicall.NewPagedCall(call, fakeservice.GroupsDescriptor(), fakeservice.GroupResolver(),
			quietExecutor()...)
		return paged.Query(ctx, fakeservice.ListGroupsRequest(""), opts...)
	}

	It("should report the group service as serving", func() {
		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
			Service: fakeservice.GroupServiceName,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.GetStatus()).To(Equal(grpc_health_v1.HealthCheckResponse_SERVING))
	})

	It("should make a single call", func() {
		invoker := fakeservice.ListGroupsInvoker(conn)

		resp, err := invoker.Execute(ctx, fakeservice.ListGroupsRequest("g"))

		Expect(err).NotTo(HaveOccurred())
		groups := resp.GetFields()["groups"].GetListValue().GetValues()
		Expect(groups).To(HaveLen(1))
		Expect(groups[0].GetStructValue().GetFields()["name"].GetStringValue()).To(Equal("gamma"))
		Expect(invoker.Method()).To(Equal(fakeservice.ListGroupsMethod))
	})

	It("should keep the gRPC status of failures", func() {
		server.FailNext(codes.PermissionDenied, 1)

		_, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, fakeservice.ListGroupsRequest(""))

		Expect(apicall.CodeOf(err)).To(Equal(codes.PermissionDenied))
	})

	It("should stream every group across pages", func() {
		exec, err := listGroups(apicall.WithPageSize(2))
		Expect(err).NotTo(HaveOccurred())

		groups, err := exec.Collect(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(5))
		Expect(groups[0]).To(Equal(fakeservice.Group{Name: "alpha", DisplayName: "ALPHA"}))
		Expect(groups[4].Name).To(Equal("epsilon"))
		Expect(exec.PagesFetched()).To(Equal(3))
		Expect(server.Calls()).To(Equal(3))
	})

	It("should retry unavailable pages", func() {
		server.FailNext(codes.Unavailable, 2)
		config := apicall.IdempotentRetryConfig()
		for _, opt := range fastRetry() {
			opt(config)
		}
		call := apicall.NewUnaryCall("ListGroups", fakeservice.ListGroupsInvoker(conn), config, nil)
		paged := apicall.NewPagedCall(call, fakeservice.GroupsDescriptor(), fakeservice.GroupResolver(),
			quietExecutor(apicall.WithPageSize(10))...)

		exec, err := paged.Query(ctx, fakeservice.ListGroupsRequest(""))
		Expect(err).NotTo(HaveOccurred())
		groups, err := exec.Collect(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(5))
		Expect(call.Health().Retry.TotalAttempts).To(Equal(int64(3)))
	})

	It("should fail on a malformed group", func() {
		server.Add(structpb.NewStructValue(&structpb.Struct{}))
		exec, err := listGroups(apicall.WithPageSize(10))
		Expect(err).NotTo(HaveOccurred())

		groups, err := exec.Collect(ctx)

		Expect(groups).To(HaveLen(5))
		Expect(errors.Is(err, apicall.ErrDecode)).To(BeTrue())
	})

	It("should reject an unparsable page token", func() {
		req := fakeservice.ListGroupsRequest("")
		req.Fields["page_token"] = structpb.NewStringValue("%%%")

		_, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, req)

		Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
	})
})
