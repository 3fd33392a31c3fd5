// Command athena is the entry point for the Athena terminal-side hook
// supervisor: it owns the Unix-domain-socket broker a coding-assistant
// harness connects to, the durable session store, and the operator-facing
// rule/queue state.
//
// # Basic Usage
//
// Start the supervisor for a project:
//
//	athena serve --project-dir .
//
// Inspect rules or sessions:
//
//	athena rules list
//	athena sessions show <session-id>
//
// Check system health:
//
//	athena doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "athena",
		Short:   "Athena - terminal-side hook supervisor for coding-assistant harnesses",
		Version: fmt.Sprintf("%s", version),
		Long: `Athena sits between a coding-assistant harness and its operator.

It accepts hook_event connections over a Unix-domain socket, applies an
ordered rule set to auto-resolve routine tool calls, queues the rest for
operator attention, and durably records the resulting feed so a session
survives a restart.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRulesCmd(),
		buildSessionsCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}
