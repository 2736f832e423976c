package project

import (
	"context"
	"os/exec"
	"strings"
)

// ResolveGitCommit returns HEAD of the repository containing workdir, or ""
// when workdir is not in a git repository or git is unavailable.
func ResolveGitCommit(ctx context.Context, workdir string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
