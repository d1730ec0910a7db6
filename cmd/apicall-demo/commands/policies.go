package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apicall/settings"
)

func newPoliciesCommand(global *globalOptions) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Print the retry policy of every method",
		Long: `Print the retry policy table: the retryable codes of every method and the
first backoff delays and attempt deadlines its parameters produce.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := global.settings()
			if err != nil {
				return err
			}
			return printPolicies(cmd.OutOrStdout(), table, steps)
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 5, "number of delays and deadlines to print")
	return cmd
}

func printPolicies(out io.Writer, table *settings.Settings, steps int) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tRETRY CODES\tDELAYS\tDEADLINES\tTOTAL")

	for _, method := range table.Methods() {
		config, err := table.RetryConfig(method)
		if err != nil {
			return err
		}

		delays := make([]string, 0, steps)
		deadlines := make([]string, 0, steps)
		for k := range steps {
			delays = append(delays, config.DelayFor(k).String())
			deadlines = append(deadlines, config.CallTimeoutFor(k).String())
		}

		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n",
			method, config.RetryableCodes, delays, deadlines, config.TotalTimeout)
	}
	return w.Flush()
}
