// Package project manages the on-disk layout of a potter project: the
// .codexpotter directory, the per-session project directory and its
// progress file (MAIN.md).
package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DirName is the potter directory created at the root of a workdir.
	DirName = ".codexpotter"
	// MainFile is the progress file inside each project directory.
	MainFile = "MAIN.md"

	projectsDir = "projects"
	kbDir       = "kb"
)

// Project is one session's directory under <workdir>/.codexpotter/projects.
type Project struct {
	Workdir string
	// Dir is the absolute project directory.
	Dir string
	// ProgressFileRel is MAIN.md relative to Workdir, as shown to the agent.
	ProgressFileRel string
	// GitCommitStart is HEAD when the project was created, or "".
	GitCommitStart string
}

// ProgressFile returns the absolute path of MAIN.md.
func (p *Project) ProgressFile() string {
	return filepath.Join(p.Workdir, p.ProgressFileRel)
}

// RelDir returns the project directory relative to Workdir.
func (p *Project) RelDir() string {
	return filepath.Dir(p.ProgressFileRel)
}

// ResumeArg is the short project path accepted by `resume`, e.g.
// 20260101_1. Projects outside .codexpotter/projects fall back to RelDir.
func (p *Project) ResumeArg() string {
	rel := filepath.ToSlash(p.RelDir())
	prefix := DirName + "/" + projectsDir + "/"
	if short, ok := strings.CutPrefix(rel, prefix); ok && short != "" {
		return short
	}
	return rel
}

// Init creates the next free project directory for today and writes its
// progress file from the embedded template. The .codexpotter/kb directory
// is created alongside.
func Init(ctx context.Context, workdir, userPrompt string, now time.Time) (*Project, error) {
	root := filepath.Join(workdir, DirName)
	projects := filepath.Join(root, projectsDir)
	for _, dir := range []string{projects, filepath.Join(root, kbDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	date := now.Format("20060102")
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s_%d", date, n)
		dir := filepath.Join(projects, name)
		// Mkdir fails on an existing directory, which claims the name.
		if err := os.Mkdir(dir, 0755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("failed to create project directory: %w", err)
		}

		p := &Project{
			Workdir:         workdir,
			Dir:             dir,
			ProgressFileRel: filepath.Join(DirName, projectsDir, name, MainFile),
			GitCommitStart:  ResolveGitCommit(ctx, workdir),
		}
		main := RenderProjectMain(userPrompt, p.GitCommitStart)
		if err := os.WriteFile(p.ProgressFile(), []byte(main), 0644); err != nil {
			return nil, fmt.Errorf("failed to write progress file: %w", err)
		}
		return p, nil
	}
}
