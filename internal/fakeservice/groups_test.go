package fakeservice_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	apicall "github.com/JohnPlummer/jp-go-apicall"
	"github.com/JohnPlummer/jp-go-apicall/internal/fakeservice"
)

var _ = Describe("GroupServer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		server *fakeservice.GroupServer
		conn   *grpc.ClientConn
		stop   func()
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		server = fakeservice.NewGroupServer("ops", "eng-core", "eng-infra", "sales", "eng-web")

		var err error
		conn, stop, err = fakeservice.DialBufconn(server.Register)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		stop()
		cancel()
	})

	list := func(prefix string, pageSize int) ([]fakeservice.Group, int, error) {
		exec, err := apicall.NewPagedQueryExecutor(ctx, fakeservice.ListGroupsInvoker(conn),
			fakeservice.GroupsDescriptor(), fakeservice.ListGroupsRequest(prefix), fakeservice.GroupResolver(),
			apicall.WithPageSize(pageSize), apicall.WithExecutorLogger(quietLogger()))
		if err != nil {
			return nil, 0, err
		}
		groups, err := exec.Collect(ctx)
		return groups, exec.PagesFetched(), err
	}

	It("should filter by name prefix", func() {
		groups, pages, err := list("eng-", 2)

		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(Equal([]fakeservice.Group{
			{Name: "eng-core", DisplayName: "ENG-CORE"},
			{Name: "eng-infra", DisplayName: "ENG-INFRA"},
			{Name: "eng-web", DisplayName: "ENG-WEB"},
		}))
		Expect(pages).To(Equal(2))
	})

	It("should use the default page size", func() {
		resp, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, fakeservice.ListGroupsRequest(""))

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.GetFields()["groups"].GetListValue().GetValues()).To(HaveLen(5))
		Expect(resp.GetFields()["next_page_token"].GetStringValue()).To(BeEmpty())
	})

	It("should carry the page token between pages", func() {
		req := fakeservice.GroupsDescriptor().InjectPageSize(fakeservice.ListGroupsRequest(""), 3)
		first, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		desc := fakeservice.GroupsDescriptor()
		token := desc.ExtractNextToken(first)
		Expect(token.IsEmpty()).To(BeFalse())

		second, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, desc.InjectToken(req, token))
		Expect(err).NotTo(HaveOccurred())
		Expect(desc.ExtractResources(second)).To(HaveLen(2))
		Expect(desc.ExtractNextToken(second).IsEmpty()).To(BeTrue())
		Expect(desc.ExtractToken(desc.InjectToken(req, token))).To(Equal(token))
	})

	It("should not modify the request when injecting fields", func() {
		req := fakeservice.ListGroupsRequest("ops")

		_ = fakeservice.GroupsDescriptor().InjectPageSize(req, 3)

		Expect(req.GetFields()).NotTo(HaveKey("page_size"))
	})

	It("should fail injected calls", func() {
		server.FailNext(codes.ResourceExhausted, 1)

		_, err := fakeservice.ListGroupsInvoker(conn).Execute(ctx, fakeservice.ListGroupsRequest(""))

		Expect(status.Code(err)).To(Equal(codes.ResourceExhausted))
		Expect(server.Calls()).To(Equal(1))
	})

	It("should reject groups without a name", func() {
		server.Add(structpb.NewStringValue("not a group"))

		groups, _, err := list("", 10)

		Expect(groups).To(HaveLen(5))
		Expect(err).To(MatchError(apicall.ErrDecode))
	})
})
