package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/iambrandonn/potter/internal/bridge"
	"github.com/iambrandonn/potter/internal/ledger"
	"github.com/iambrandonn/potter/internal/project"
	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/internal/translator"
)

// Resume redraws a project's history from its ledger and keeps working on
// it: an unfinished round is continued on its thread and the remaining
// rounds follow; otherwise a new batch of rounds runs.
func (o *Orchestrator) Resume(ctx context.Context, projectPath string) (*Result, error) {
	proj, err := project.Resolve(o.opts.Workdir, projectPath)
	if err != nil {
		return nil, err
	}

	ledgerPath := ledger.Path(proj.Dir)
	if _, err := os.Stat(ledgerPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("unsupported project: %s (missing %s)", proj.Dir, ledger.FileName)
	}
	idx, err := ledger.ReadIndex(ledgerPath, o.logger)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, fmt.Errorf("potter-rollout is empty: %s", ledgerPath)
	}

	paths := ledger.ProjectPaths{Workdir: proj.Workdir, ProjectDir: proj.Dir}
	plan, err := ledger.PlanReplay(idx, paths, o.readRoll)
	if err != nil {
		return nil, err
	}

	o.logger.Info("resuming project",
		"project", proj.Dir,
		"finished_rounds", len(plan.Completed),
		"unfinished", plan.Unfinished != nil,
	)
	for _, round := range plan.Completed {
		o.replay(proj, round.Events)
	}
	if plan.Unfinished != nil {
		o.replay(proj, plan.Unfinished.PreActionEvents(paths))
	}

	if err := project.SetFiniteIncantatem(proj.ProgressFile(), false); err != nil {
		return nil, fmt.Errorf("failed to reset progress file: %w", err)
	}

	// A resumed workdir keeps its own process directory.
	process := o.opts.Process
	process.Dir = proj.Workdir
	resumed := *o
	resumed.opts.Process = process
	resumed.opts.Workdir = proj.Workdir

	s := resumed.newSession(proj, idx.SessionStarted.UserMessage)
	res := &Result{Sessions: 1}
	baseline := uint32(idx.FinishedRounds())

	if u := plan.Unfinished; u != nil {
		remaining, err := u.RemainingRounds()
		if err != nil {
			return nil, err
		}
		replay, err := u.ContinueEvents(o.readRoll)
		if err != nil {
			return nil, err
		}

		done, err := resumed.playAndSettle(ctx, s, roundSpec{
			current:         u.Current,
			total:           u.Total,
			succeededRounds: baseline + 1,
			prompt:          bridge.ContinuePrompt,
			resumeThreadID:  u.ThreadID,
			replay:          replay,
		}, res)
		if err != nil || done {
			return res, err
		}

		for offset := uint32(0); offset < uint32(remaining-1); offset++ {
			done, err := resumed.playAndSettle(ctx, s, roundSpec{
				current:         u.Current + offset + 1,
				total:           u.Total,
				succeededRounds: baseline + offset + 2,
				record:          true,
				prompt:          project.FixedPrompt(),
			}, res)
			if err != nil || done {
				return res, err
			}
		}
		return res, nil
	}

	total := uint32(o.opts.Rounds)
	for current := uint32(1); current <= total; current++ {
		done, err := resumed.playAndSettle(ctx, s, roundSpec{
			current:         current,
			total:           total,
			succeededRounds: baseline + current,
			record:          true,
			prompt:          project.FixedPrompt(),
		}, res)
		if err != nil || done {
			return res, err
		}
	}
	return res, nil
}

// replay shows one recorded round through a fresh translator.
func (o *Orchestrator) replay(proj *project.Project, events []protocol.EventMsg) {
	tr := translator.New(translator.Options{Cwd: proj.Workdir})
	for _, msg := range events {
		for _, out := range tr.Handle(msg) {
			o.ui.Render(out)
		}
	}
	for _, out := range tr.Flush() {
		o.ui.Render(out)
	}
}
