package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	apicall "github.com/JohnPlummer/jp-go-apicall"
	"github.com/JohnPlummer/jp-go-apicall/internal/fakeservice"
)

const runQueryMethod = "RunQuery"

type queryOptions struct {
	entities    int
	shards      int
	batchSize   int
	scanLimit   int
	offset      int
	limit       int
	matchEvery  int
	failures    int
	maxEmpty    int
	keysOnly    bool
	showMetrics bool
}

func newQueryCommand(global *globalOptions) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Stream a paged query from the in-memory datastore",
		Long: `Fill an in-memory datastore and stream a query over it. Batches are cut
by --batch-size and --scan-limit, so filtered queries see empty batches that
are not finished. --fail injects UNAVAILABLE failures before the first batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), global, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.entities, "entities", "n", 25, "number of entities per shard")
	cmd.Flags().IntVar(&opts.shards, "shards", 1, "number of kinds queried concurrently")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 5, "entities per batch")
	cmd.Flags().IntVar(&opts.scanLimit, "scan-limit", 0, "entities the server examines per call (0 = unlimited)")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "results to skip")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum results (0 = unlimited)")
	cmd.Flags().IntVar(&opts.matchEvery, "match-every", 1, "only every n-th entity matches the filter")
	cmd.Flags().IntVar(&opts.failures, "fail", 0, "UNAVAILABLE failures injected before the first batch")
	cmd.Flags().IntVar(&opts.maxEmpty, "max-empty-pages", 0, "give up after that many empty batches in a row (0 = never)")
	cmd.Flags().BoolVar(&opts.keysOnly, "keys-only", false, "run a keys-only query")
	cmd.Flags().BoolVar(&opts.showMetrics, "metrics", false, "print collected metrics")

	return cmd
}

func runQuery(ctx context.Context, out, errOut io.Writer, global *globalOptions, opts *queryOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := global.logger(errOut)
	if err != nil {
		return err
	}
	table, err := global.settings(runQueryMethod)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := apicall.NewMetrics(reg, "apicall_demo")

	retryConfig, err := table.RetryConfig(runQueryMethod,
		apicall.WithRetryLogger(logger),
		apicall.WithMetrics(metrics))
	if err != nil {
		return err
	}

	store := fakeservice.NewStore(
		fakeservice.WithBatchSize(opts.batchSize),
		fakeservice.WithScanLimit(opts.scanLimit))
	for shard := range max(opts.shards, 1) {
		for i := range opts.entities {
			store.Put(fakeservice.NewEntity(shardKind(shard), fmt.Sprintf("%s-%04d", shardKind(shard), i),
				map[string]any{
					"index": float64(i),
					"match": opts.matchEvery <= 1 || i%opts.matchEvery == 0,
				}))
		}
	}
	store.FailNext(codes.Unavailable, opts.failures)

	breaker := apicall.DefaultCircuitBreakerConfig()
	breaker.Logger = logger
	breaker.ReadyToTrip = func(counts apicall.CircuitBreakerCounts) bool {
		return counts.ConsecutiveFailures >= 10
	}

	page := apicall.NewUnaryCall(runQueryMethod, store.QueryInvoker(), retryConfig, breaker)
	execOpts := []apicall.ExecutorOption{
		apicall.WithExecutorLogger(logger),
		apicall.WithExecutorMetrics(metrics),
		apicall.WithMaxEmptyPages(opts.maxEmpty),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for shard := range max(opts.shards, 1) {
		g.Go(func() error {
			req := &fakeservice.RunQueryRequest{Query: fakeservice.Query{
				Kind:     shardKind(shard),
				Filter:   fakeservice.Eq("match", true),
				Offset:   opts.offset,
				Limit:    opts.limit,
				KeysOnly: opts.keysOnly,
			}}

			var (
				lines  []string
				cursor apicall.Cursor
				pages  int
			)
			if opts.keysOnly {
				call := apicall.NewPagedCall(page, fakeservice.QueryDescriptor(), fakeservice.KeyResolver(), execOpts...)
				exec, err := call.Query(ctx, req)
				if err != nil {
					return err
				}
				keys, err := exec.Collect(ctx)
				if err != nil {
					return fmt.Errorf("%s: %w (resume at %s)", shardKind(shard), err, exec.CursorAfter())
				}
				lines = append(lines, keys...)
				cursor, pages = exec.CursorAfter(), exec.PagesFetched()
			} else {
				call := apicall.NewPagedCall(page, fakeservice.QueryDescriptor(), fakeservice.EntityResolver(), execOpts...)
				exec, err := call.Query(ctx, req)
				if err != nil {
					return err
				}
				for entity, err := range exec.Items(ctx) {
					if err != nil {
						return fmt.Errorf("%s: %w (resume at %s)", shardKind(shard), err, exec.CursorAfter())
					}
					lines = append(lines, fmt.Sprintf("%s index=%v", entity.Key, entity.Property("index")))
				}
				cursor, pages = exec.CursorAfter(), exec.PagesFetched()
			}

			mu.Lock()
			defer mu.Unlock()
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "# %s: %d results in %d batches, end cursor %s\n",
				shardKind(shard), len(lines), pages, cursor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	health := page.Health()
	fmt.Fprintf(out, "# %s: %d attempts, %d retries, breaker %s\n",
		health.Method, health.Retry.TotalAttempts, health.Retry.TotalRetries, health.Breaker.Status)

	if opts.showMetrics {
		return printMetrics(out, reg)
	}
	return nil
}

func shardKind(shard int) string {
	return fmt.Sprintf("shard%d", shard)
}

func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(out, "%s%s %v\n", mf.GetName(), labels, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(out, "%s%s count=%d sum=%v\n", mf.GetName(), labels,
					m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			}
		}
	}
	return nil
}
