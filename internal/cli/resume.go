package cli

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <project-path>",
	Short: "Continue an existing project",
	Long: `Replay a project's rounds from its potter-rollout.jsonl and keep working on it.

The project path may be a short name such as 20260101_1, a path under
.codexpotter/projects, an absolute path, or any of these ending in /MAIN.md.
An unfinished round is continued on its codex thread before the remaining
rounds run; a finished project gets a new batch of rounds.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	a.logs.Logger.Info("resuming project", "project", args[0], "workdir", a.workdir)
	res, err := a.orchestrator().Resume(cmd.Context(), args[0])
	return a.finish(res, err)
}
