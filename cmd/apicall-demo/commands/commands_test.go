package commands_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apicall "github.com/JohnPlummer/jp-go-apicall"
	"github.com/JohnPlummer/jp-go-apicall/cmd/apicall-demo/commands"
)

func run(args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	cmd := commands.NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

var _ = Describe("policies", func() {
	It("should print the built-in table", func() {
		out, _, err := run("policies", "--steps", "2")

		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimSpace(out), "\n")
		Expect(lines).To(HaveLen(7))
		Expect(lines[0]).To(MatchRegexp(`^METHOD\s+RETRY CODES\s+DELAYS\s+DEADLINES\s+TOTAL$`))
		Expect(lines[1]).To(MatchRegexp(`^CreateGroup\s+\{\}\s+\[100ms 130ms\]\s+\[20s 20s\]\s+10m0s$`))
		Expect(lines[3]).To(HavePrefix("GetGroup"))
		Expect(lines[3]).To(ContainSubstring("{DEADLINE_EXCEEDED,UNAVAILABLE}"))
	})

	It("should print a table from a settings file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "policies.yaml")
		Expect(os.WriteFile(path, []byte(`
retry_params:
  fast:
    initial_retry_delay: 10ms
    retry_delay_multiplier: 2
    max_retry_delay: 1s
methods:
  ListGroups:
    retry_params: fast
`), 0o600)).To(Succeed())

		out, _, err := run("policies", "--settings", path, "--steps", "3")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchRegexp(`(?m)^ListGroups\s+\{\}\s+\[10ms 20ms 40ms\]`))
		Expect(out).NotTo(ContainSubstring("CreateGroup"))
	})

	It("should fail on a missing settings file", func() {
		_, _, err := run("policies", "--settings", filepath.Join(GinkgoT().TempDir(), "nope.yaml"))

		Expect(err).To(MatchError(ContainSubstring("failed to read settings file")))
	})
})

var _ = Describe("query", func() {
	It("should stream every entity", func() {
		out, _, err := run("query")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("shard0-0000 index=0\n"))
		Expect(out).To(ContainSubstring("shard0-0024 index=24\n"))
		Expect(out).To(ContainSubstring("# shard0: 25 results in 5 batches, end cursor "))
		Expect(out).To(ContainSubstring("# RunQuery: 5 attempts, 0 retries, breaker closed"))
	})

	It("should run keys-only queries", func() {
		out, _, err := run("query", "-n", "4", "--batch-size", "2", "--keys-only")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HavePrefix("shard0-0000\nshard0-0001\nshard0-0002\nshard0-0003\n"))
		Expect(out).To(ContainSubstring("# shard0: 4 results in 2 batches"))
	})

	It("should retry injected failures", func() {
		out, _, err := run("query", "-n", "4", "--batch-size", "2", "--fail", "2")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("# shard0: 4 results in 2 batches"))
		Expect(out).To(ContainSubstring("# RunQuery: 4 attempts, 2 retries, breaker closed"))
	})

	It("should read through sparse matches", func() {
		out, _, err := run("query", "-n", "12", "--match-every", "3", "--scan-limit", "4")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("# shard0: 4 results in 3 batches"))
	})

	It("should give up after too many empty batches", func() {
		_, _, err := run("query", "-n", "12", "--match-every", "12", "--scan-limit", "2", "--max-empty-pages", "1")

		Expect(err).To(MatchError(apicall.ErrTooManyEmptyPages))
		Expect(err.Error()).To(ContainSubstring("resume at"))
	})

	It("should query shards concurrently", func() {
		out, _, err := run("query", "-n", "3", "--shards", "3")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("# shard0: 3 results in 1 batches"))
		Expect(out).To(ContainSubstring("# shard1: 3 results in 1 batches"))
		Expect(out).To(ContainSubstring("# shard2: 3 results in 1 batches"))
	})

	It("should print metrics", func() {
		out, _, err := run("query", "-n", "10", "--metrics")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("apicall_demo_pages_fetched_total method=RunQuery 2\n"))
		Expect(out).To(ContainSubstring("apicall_demo_items_yielded_total method=RunQuery 10\n"))
		Expect(out).To(ContainSubstring("apicall_demo_attempts_total code=OK method=RunQuery 2\n"))
	})

	It("should log at the requested level", func() {
		_, errOut, err := run("query", "-n", "2", "--log-level", "debug")

		Expect(err).NotTo(HaveOccurred())
		Expect(errOut).To(ContainSubstring("fetched page"))
	})

	It("should reject unknown log levels", func() {
		_, _, err := run("query", "--log-level", "loud")

		Expect(err).To(MatchError(ContainSubstring("invalid log level")))
	})
})

var _ = Describe("groups", func() {
	It("should list every group", func() {
		out, _, err := run("groups")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HavePrefix("group-000\tGROUP-000\n"))
		Expect(out).To(ContainSubstring("group-011\tGROUP-011\n"))
		Expect(out).To(ContainSubstring("# 12 groups in 3 pages, 3 attempts"))
	})

	It("should filter by prefix", func() {
		out, _, err := run("groups", "--prefix", "group-00", "--page-size", "20")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("# 10 groups in 1 pages, 1 attempts"))
	})

	It("should retry an unavailable service", func() {
		out, _, err := run("groups", "--fail", "2")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("# 12 groups in 3 pages, 5 attempts"))
	})
})
