package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version is reported to the app-server as the client version.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "potter [prompt...]",
	Short: "Work on one goal through repeated codex rounds",
	Long: `potter drives codex app-server through repeated rounds on a single goal.
Each round is a fresh codex session; progress lives in a MAIN.md file under
.codexpotter/projects, which the agent reads and updates every round.

Running 'potter' without a subcommand is equivalent to 'potter run'.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	registerGlobalFlags(rootCmd.PersistentFlags())
	registerRunFlags(rootCmd.Flags())
}

func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to a config.toml applied after ~/.codexpotter and ./.codexpotter")
	flags.String("codex-bin", "", "codex executable (default: $CODEX_BIN or codex)")
	flags.IntP("rounds", "n", 0, "Rounds per session (default 10)")
	flags.String("sandbox", "", "Sandbox mode: default, read-only, workspace-write, danger-full-access")
	flags.Bool("dangerously-bypass-approvals-and-sandbox", false, "Run codex without approvals or sandbox")
	flags.Bool("yolo", false, "Alias for --dangerously-bypass-approvals-and-sandbox")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx; cancelling ctx stops the
// current round.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
