package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apicall/settings"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	settingsPath string
	logLevel     string
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "apicall-demo",
		Short:         "Run paged queries and retried calls against in-memory services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", "", "retry policy file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newQueryCommand(opts),
		newGroupsCommand(opts),
		newPoliciesCommand(opts),
	)

	return rootCmd
}

func (o *globalOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(o.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// settings loads the policy file, or the built-in table when none is given.
// Methods the demo calls are added as idempotent when the table lacks them.
func (o *globalOptions) settings(methods ...string) (*settings.Settings, error) {
	s := settings.Default()
	if o.settingsPath != "" {
		var err error
		if s, err = settings.Load(o.settingsPath); err != nil {
			return nil, err
		}
	}

	for _, method := range methods {
		if _, err := s.Method(method); err != nil {
			s.SetMethod(method, settings.Method{
				RetryCodes:  settings.Idempotent,
				RetryParams: settings.DefaultParams,
			})
		}
	}
	return s, nil
}
