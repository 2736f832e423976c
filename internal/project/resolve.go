package project

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Resolve finds an existing project from a user-supplied path. Accepted
// forms, each optionally ending in /MAIN.md:
//
//	20260101_1                              (relative to .codexpotter/projects)
//	.codexpotter/projects/20260101_1        (relative to cwd)
//	/abs/path/.codexpotter/projects/20260101_1
//
// A relative path that matches under both .codexpotter/projects and cwd
// is ambiguous and rejected. The workdir is the parent of the nearest
// .codexpotter ancestor of the progress file.
func Resolve(cwd, projectPath string) (*Project, error) {
	candidates := candidateProgressFiles(cwd, expandTilde(projectPath))

	var found []string
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		canonical, err := canonicalize(candidate)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(found, canonical) {
			found = append(found, canonical)
		}
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no progress file found for project path. tried:\n%s", bulletList(candidates))
	case 1:
	default:
		return nil, fmt.Errorf("ambiguous project path. candidates:\n%s", bulletList(found))
	}

	progressFile := found[0]
	workdir, err := projectWorkdir(progressFile)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(workdir, progressFile)
	if err != nil {
		return nil, fmt.Errorf("failed to relativize progress file: %w", err)
	}
	commit, err := GitCommitStart(progressFile)
	if err != nil {
		return nil, err
	}

	return &Project{
		Workdir:         workdir,
		Dir:             filepath.Dir(progressFile),
		ProgressFileRel: rel,
		GitCommitStart:  commit,
	}, nil
}

func candidateProgressFiles(cwd, projectPath string) []string {
	if filepath.IsAbs(projectPath) {
		return []string{withMainFile(projectPath)}
	}
	return []string{
		withMainFile(filepath.Join(cwd, DirName, projectsDir, projectPath)),
		withMainFile(filepath.Join(cwd, projectPath)),
	}
}

func withMainFile(path string) string {
	if filepath.Base(path) == MainFile {
		return path
	}
	return filepath.Join(path, MainFile)
}

func projectWorkdir(progressFile string) (string, error) {
	dir := filepath.Dir(progressFile)
	for {
		if filepath.Base(dir) == DirName {
			return canonicalize(filepath.Dir(dir))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("progress file is not inside a %s directory: %s", DirName, progressFile)
		}
		dir = parent
	}
}

func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", path, err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", path, err)
	}
	return abs, nil
}

func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func bulletList(paths []string) string {
	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = "- " + p
	}
	return strings.Join(lines, "\n")
}
