package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestRootCommandIncludesRunFlags(t *testing.T) {
	queueFlag := lookupFlag(rootCmd, "queue")
	require.NotNil(t, queueFlag, "root command should expose the --queue flag")
	require.Equal(t, "q", queueFlag.Shorthand, "root queue flag shorthand mismatch")

	for _, name := range []string{"config", "codex-bin", "rounds", "sandbox", "dangerously-bypass-approvals-and-sandbox", "yolo", "log-level", "log-file"} {
		require.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing global flag %s", name)
	}
}

func TestRootCommandDelegatesToRun(t *testing.T) {
	originalRunE := runCmd.RunE
	t.Cleanup(func() {
		runCmd.RunE = originalRunE
		resetCommand(rootCmd)
	})

	called := false
	runCmd.RunE = func(cmd *cobra.Command, args []string) error {
		called = true
		queued, err := cmd.Flags().GetStringArray("queue")
		require.NoError(t, err)
		require.Equal(t, []string{"next goal"}, queued)
		require.Equal(t, []string{"fix", "the", "tests"}, args)
		return nil
	}

	rootCmd.SetArgs([]string{"--queue", "next goal", "fix", "the", "tests"})
	err := rootCmd.Execute()
	require.NoError(t, err)
	require.True(t, called, "root command should delegate to run command")
}

func TestResumeRequiresProjectPath(t *testing.T) {
	t.Cleanup(func() { resetCommand(rootCmd) })

	var stderr bytes.Buffer
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"resume"})
	err := rootCmd.Execute()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "accepts 1 arg"), err.Error())
}

// resetCommand restores flags and I/O on cmd and its subcommands after a
// test executed them.
func resetCommand(cmd *cobra.Command) {
	reset := func(flag *pflag.Flag) {
		if slice, ok := flag.Value.(pflag.SliceValue); ok {
			_ = slice.Replace(nil)
		} else {
			_ = flag.Value.Set(flag.DefValue)
		}
		flag.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SetArgs(nil)
	cmd.SetIn(nil)
	cmd.SetOut(nil)
	cmd.SetErr(nil)
	for _, sub := range cmd.Commands() {
		resetCommand(sub)
	}
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}
