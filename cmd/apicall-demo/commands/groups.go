package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"

	apicall "github.com/JohnPlummer/jp-go-apicall"
	"github.com/JohnPlummer/jp-go-apicall/internal/fakeservice"
)

const listGroupsMethod = "ListGroups"

type groupsOptions struct {
	prefix   string
	count    int
	pageSize int
	failures int
}

func newGroupsCommand(global *globalOptions) *cobra.Command {
	opts := &groupsOptions{}

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List groups from an in-process gRPC service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGroups(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), global, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.count, "count", "n", 12, "number of groups served")
	cmd.Flags().IntVar(&opts.pageSize, "page-size", 5, "groups per page")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "only list groups whose name starts with prefix")
	cmd.Flags().IntVar(&opts.failures, "fail", 0, "UNAVAILABLE failures injected before the first page")

	return cmd
}

func runGroups(ctx context.Context, out, errOut io.Writer, global *globalOptions, opts *groupsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := global.logger(errOut)
	if err != nil {
		return err
	}
	table, err := global.settings(listGroupsMethod)
	if err != nil {
		return err
	}
	retryConfig, err := table.RetryConfig(listGroupsMethod, apicall.WithRetryLogger(logger))
	if err != nil {
		return err
	}

	names := make([]string, opts.count)
	for i := range names {
		names[i] = fmt.Sprintf("group-%03d", i)
	}
	server := fakeservice.NewGroupServer(names...)
	server.FailNext(codes.Unavailable, opts.failures)

	conn, stop, err := fakeservice.DialBufconn(server.Register,
		grpc.WithUnaryInterceptor(apicall.LoggingUnaryClientInterceptor(logger)))
	if err != nil {
		return err
	}
	defer stop()

	check, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: fakeservice.GroupServiceName,
	})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if check.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %s not serving: %v", fakeservice.GroupServiceName, check.GetStatus())
	}

	page := apicall.NewUnaryCall(listGroupsMethod, fakeservice.ListGroupsInvoker(conn), retryConfig, nil)
	call := apicall.NewPagedCall(page, fakeservice.GroupsDescriptor(), fakeservice.GroupResolver(),
		apicall.WithExecutorLogger(logger),
		apicall.WithPageSize(opts.pageSize))

	exec, err := call.Query(ctx, fakeservice.ListGroupsRequest(opts.prefix))
	if err != nil {
		return err
	}

	count := 0
	for group, err := range exec.Items(ctx) {
		if err != nil {
			return fmt.Errorf("list groups: %w (resume at %q)", err, exec.CursorAfter().String())
		}
		count++
		fmt.Fprintf(out, "%s\t%s\n", group.Name, group.DisplayName)
	}

	stats := page.Health().Retry
	fmt.Fprintf(out, "# %d groups in %d pages, %d attempts\n", count, exec.PagesFetched(), stats.TotalAttempts)
	return nil
}
