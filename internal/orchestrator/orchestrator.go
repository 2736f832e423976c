// Package orchestrator runs the session and round loops: each prompt becomes
// a project, each round a fresh app-server process whose events are recorded
// in the project's ledger and rendered through a translator.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/potter/internal/bridge"
	"github.com/iambrandonn/potter/internal/ledger"
	"github.com/iambrandonn/potter/internal/project"
	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/internal/translator"
)

// UI receives display units and supplies prompts queued while a session ran.
type UI interface {
	Render(out translator.Output)
	PopQueuedPrompt() (string, bool)
}

// RoundFunc runs one round and closes out when it is done.
type RoundFunc func(ctx context.Context, cfg bridge.RoundConfig, out chan<- protocol.EventMsg, logger *slog.Logger) error

// Options configures an Orchestrator.
type Options struct {
	Workdir    string
	Rounds     int
	Process    bridge.ProcessConfig
	ClientInfo protocol.ClientInfo
	// OutputSchema is passed to every turn when set.
	OutputSchema json.RawMessage
	// EventLog writes each round's events to <project>/events.
	EventLog bool
}

// Result summarizes a Run or Resume.
type Result struct {
	// Sessions counts the projects that were started or resumed.
	Sessions int
	// Failures lists rounds that ended with task_failed.
	Failures []RoundFailure
	// Interrupted is set when the user stopped a round.
	Interrupted *project.Project
}

// Orchestrator drives sessions one round at a time.
type Orchestrator struct {
	opts     Options
	ui       UI
	logger   *slog.Logger
	runRound RoundFunc
	readRoll ledger.RolloutReader
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator that runs rounds with
// bridge.RunRound.
func NewOrchestrator(opts Options, ui UI, logger *slog.Logger) *Orchestrator {
	if opts.Process.Dir == "" {
		opts.Process.Dir = opts.Workdir
	}
	return &Orchestrator{
		opts:     opts,
		ui:       ui,
		logger:   logger,
		runRound: bridge.RunRound,
		readRoll: ledger.NewRolloutReader(logger),
		now:      time.Now,
	}
}

// SetRoundFunc replaces the round runner.
func (o *Orchestrator) SetRoundFunc(fn RoundFunc) {
	o.runRound = fn
}

// SetClock replaces the clock used for project names and durations.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Run starts a session for the initial prompt and then for each prompt
// queued in the UI, until the queue is empty, the user stops a round or a
// round fails fatally.
func (o *Orchestrator) Run(ctx context.Context, initialPrompt string) (*Result, error) {
	res := &Result{}
	queue := newPromptQueue(initialPrompt, o.ui.PopQueuedPrompt)

	for {
		prompt, ok := queue.next()
		if !ok {
			return res, nil
		}
		if ctx.Err() != nil {
			o.logger.Info("not starting queued prompt, context cancelled")
			return res, nil
		}

		proj, err := project.Init(ctx, o.opts.Workdir, prompt, o.now())
		if err != nil {
			return res, fmt.Errorf("failed to init project: %w", err)
		}
		res.Sessions++
		o.logger.Info("session started", "project", proj.Dir, "rounds", o.opts.Rounds)

		s := o.newSession(proj, &prompt)
		total := uint32(o.opts.Rounds)
		for current := uint32(1); current <= total; current++ {
			spec := roundSpec{
				current:         current,
				total:           total,
				succeededRounds: current,
				sessionStarted:  current == 1,
				record:          true,
				prompt:          project.FixedPrompt(),
			}
			done, err := o.playAndSettle(ctx, s, spec, res)
			if err != nil {
				return res, err
			}
			if done {
				break
			}
		}
		if res.Interrupted != nil {
			return res, nil
		}
	}
}

// session is the state shared by the rounds of one project.
type session struct {
	project         *project.Project
	ledger          *ledger.Ledger
	developerPrompt string
	userMessage     *string
	startedAt       time.Time
}

func (o *Orchestrator) newSession(proj *project.Project, userMessage *string) *session {
	return &session{
		project:         proj,
		ledger:          ledger.New(proj.Dir, o.logger),
		developerPrompt: project.RenderDeveloperPrompt(proj.ProgressFileRel),
		userMessage:     userMessage,
		startedAt:       o.now(),
	}
}

// playAndSettle runs a round and reports whether the round loop ends.
func (o *Orchestrator) playAndSettle(ctx context.Context, s *session, spec roundSpec, res *Result) (bool, error) {
	r, err := o.playRound(ctx, s, spec)
	if err != nil {
		return true, err
	}

	switch r.outcome.Kind {
	case protocol.OutcomeUserRequested:
		o.logger.Info("round interrupted", "round", spec.current, "project", s.project.Dir)
		res.Interrupted = s.project
		return true, nil
	case protocol.OutcomeTaskFailed:
		o.logger.Warn("round failed, moving to next prompt", "round", spec.current, "message", r.outcome.Message)
		res.Failures = append(res.Failures, RoundFailure{Current: spec.current, Total: spec.total, Outcome: r.outcome})
		return true, nil
	case protocol.OutcomeFatal:
		return true, &RoundFailure{Current: spec.current, Total: spec.total, Outcome: r.outcome}
	}

	if r.stop {
		o.logger.Info("session succeeded", "round", spec.current, "project", s.project.Dir)
	}
	return r.stop, nil
}

// promptQueue yields the initial prompt, then prompts popped from the UI.
type promptQueue struct {
	initial *string
	pop     func() (string, bool)
}

func newPromptQueue(initial string, pop func() (string, bool)) *promptQueue {
	return &promptQueue{initial: &initial, pop: pop}
}

func (q *promptQueue) next() (string, bool) {
	if q.initial != nil {
		p := *q.initial
		q.initial = nil
		return p, true
	}
	return q.pop()
}
