// Package cli implements the gerbang command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/gerbang"
)

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gerbang",
		Short: "Resilient remote-operation client",
		Long: `gerbang executes remote operations through a connection pool, rate
limiter, response cache, per-class circuit breakers and retries.

Examples:
  gerbang call /users --base-url https://api.example.com
  gerbang call /users -c gerbang.yaml -n 50 --concurrency 10
  gerbang config > gerbang.yaml`,
		Version:       gerbang.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newCallCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// SetVersion records build metadata injected into main.
func SetVersion(v, buildTime, commit string) {
	if v != "" && v != "dev" {
		gerbang.Version = v
	}
	gerbang.BuildDate = buildTime
	gerbang.GitCommit = commit
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), gerbang.GetVersion())
			return nil
		},
	}
}

// newLogger builds the client logger from the debug section of the config.
func newLogger(cfg gerbang.DebugFileConfig, w io.Writer) (gerbang.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if cfg.Format == "json" {
		return gerbang.NewJSONLogger(w, level), nil
	}
	return gerbang.NewConsoleLogger(w, level), nil
}
