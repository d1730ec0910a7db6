package apicall_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

var _ = Describe("PageStreamingDescriptor", func() {
	DescribeTable("Validate should name the missing accessor",
		func(unset func(*apicall.PageStreamingDescriptor[pageReq, pageResp, string]), missing string) {
			desc := pageDescriptor()
			unset(&desc)

			err := desc.Validate()

			Expect(err).To(MatchError(apicall.ErrInvalidDescriptor))
			Expect(err.Error()).To(ContainSubstring(missing))
		},
		Entry("InjectToken", func(d *apicall.PageStreamingDescriptor[pageReq, pageResp, string]) {
			d.InjectToken = nil
		}, "InjectToken"),
		Entry("ExtractToken", func(d *apicall.PageStreamingDescriptor[pageReq, pageResp, string]) {
			d.ExtractToken = nil
		}, "ExtractToken"),
		Entry("ExtractNextToken", func(d *apicall.PageStreamingDescriptor[pageReq, pageResp, string]) {
			d.ExtractNextToken = nil
		}, "ExtractNextToken"),
		Entry("ExtractResources", func(d *apicall.PageStreamingDescriptor[pageReq, pageResp, string]) {
			d.ExtractResources = nil
		}, "ExtractResources"),
	)

	It("should accept a descriptor with only the required accessors", func() {
		desc := pageDescriptor()
		desc.InjectPageSize = nil
		desc.ExtractPageSize = nil
		desc.ResultType = nil

		Expect(desc.Validate()).To(Succeed())
		Expect(desc.PageSize(pageReq{Size: 3})).To(BeZero())
	})

	It("should set and read page sizes", func() {
		desc := pageDescriptor()

		req, err := desc.WithPageSize(pageReq{}, 25)

		Expect(err).NotTo(HaveOccurred())
		Expect(desc.PageSize(req)).To(Equal(25))
	})

	It("should follow the next token by default", func() {
		desc := pageDescriptor()
		desc.ResultType = nil
		server := newPagedServer([]string{"a"}, []string{"b"})
		exec, err := apicall.NewPagedQueryExecutor(context.Background(), server, desc, pageReq{}, apicall.IdentityResolver[string](nil), quietExecutor()...)
		Expect(err).NotTo(HaveOccurred())

		Expect(exec.Collect(context.Background())).To(Equal([]string{"a", "b"}))
		Expect(server.request(1).Token).To(Equal(pageToken(1)))
		Expect(exec.ActualResultType()).To(BeNil())
	})

	It("should build follow-up requests with NextRequest", func() {
		desc := pageDescriptor()
		desc.NextRequest = func(prev pageReq, resp pageResp) pageReq {
			prev.Token = resp.Next
			prev.Size++
			return prev
		}
		server := newPagedServer([]string{"a"}, []string{"b"}, []string{"c"})
		exec, err := apicall.NewPagedQueryExecutor(context.Background(), server, desc, pageReq{Size: 1}, stringResolver(), quietExecutor()...)
		Expect(err).NotTo(HaveOccurred())

		Expect(exec.Collect(context.Background())).To(HaveLen(3))
		Expect(server.request(2).Size).To(Equal(3))
	})

	It("should stop when MoreResults says so", func() {
		desc := pageDescriptor()
		desc.MoreResults = func(pageResp) bool { return false }
		server := newPagedServer([]string{"a"}, []string{"b"})
		exec, err := apicall.NewPagedQueryExecutor(context.Background(), server, desc, pageReq{}, stringResolver(), quietExecutor()...)
		Expect(err).NotTo(HaveOccurred())

		Expect(exec.Collect(context.Background())).To(Equal([]string{"a"}))
		Expect(server.requestCount()).To(Equal(1))
	})
})
