// Package commands implements the geenius CLI surface.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "geenius"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	natsURL    string
	logLevel   string
}

// NewRootCmd builds the geenius command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow engine for natural-language code changes",
		Long: `Geenius applies batches of natural-language change requests to a
codebase: it resolves the dependency order of the affected files, fans
transformation work out across bounded workers, commits the results to a
working branch, opens a pull request and watches the preview deployment.

Session state is persisted in a NATS JetStream key-value bucket so status
survives restarts; without a reachable NATS server the engine degrades to
in-memory sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(flags.logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSubmitCmd(flags),
		newStatusCmd(flags),
		newCancelCmd(flags),
		newResolveCmd(flags),
		newVersionCmd(),
	)

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func configureLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
