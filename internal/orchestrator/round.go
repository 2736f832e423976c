package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/potter/internal/bridge"
	"github.com/iambrandonn/potter/internal/eventlog"
	"github.com/iambrandonn/potter/internal/ledger"
	"github.com/iambrandonn/potter/internal/project"
	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/internal/translator"
)

// roundEventBuffer sizes the channel between the bridge and the round loop.
const roundEventBuffer = 64

type roundSpec struct {
	current uint32
	total   uint32
	// succeededRounds is recorded if this round finishes the session.
	succeededRounds uint32
	sessionStarted  bool
	// record is false for a continued round whose round_started and
	// round_configured are already in the ledger.
	record         bool
	prompt         string
	resumeThreadID string
	replay         []protocol.EventMsg
}

type roundResult struct {
	outcome protocol.RoundOutcome
	// stop is true when the progress file marked the session done.
	stop bool
}

// roundView feeds events to the event log and the translator, and the
// translator's output to the UI.
type roundView struct {
	ui     UI
	tr     *translator.Translator
	events *eventlog.EventLog
	o      *Orchestrator
}

func (v *roundView) show(msg protocol.EventMsg) {
	if v.events != nil {
		if err := v.events.Write(msg); err != nil {
			v.o.logger.Warn("failed to write event log", "error", err)
		}
	}
	for _, out := range v.tr.Handle(msg) {
		v.ui.Render(out)
	}
}

func (v *roundView) flush() {
	for _, out := range v.tr.Flush() {
		v.ui.Render(out)
	}
}

// playRound runs one round: the boundary events and ledger entries around
// a bridge round, with every event shown in arrival order.
func (o *Orchestrator) playRound(ctx context.Context, s *session, spec roundSpec) (roundResult, error) {
	proj := s.project
	view := &roundView{
		ui: o.ui,
		tr: translator.New(translator.Options{RoundPrompt: spec.prompt, Cwd: proj.Workdir}),
		o:  o,
	}
	if o.opts.EventLog {
		events, err := eventlog.NewEventLog(eventlog.RoundPath(proj.Dir, spec.current), o.logger)
		if err != nil {
			return roundResult{}, err
		}
		defer events.Close()
		view.events = events
	}

	if spec.sessionStarted {
		if err := s.ledger.Append(&ledger.SessionStarted{
			UserMessage:    s.userMessage,
			UserPromptFile: proj.ProgressFileRel,
		}); err != nil {
			return roundResult{}, err
		}
		view.show(protocol.NewEventMsg(&protocol.PotterSessionStartedEvent{
			UserMessage:    s.userMessage,
			WorkingDir:     proj.Workdir,
			ProjectDir:     proj.Dir,
			UserPromptFile: proj.ProgressFileRel,
		}))
	}
	if spec.record {
		if err := s.ledger.Append(&ledger.RoundStarted{Current: spec.current, Total: spec.total}); err != nil {
			return roundResult{}, err
		}
	}
	view.show(protocol.NewEventMsg(&protocol.PotterRoundStartedEvent{Current: spec.current, Total: spec.total}))
	for _, msg := range spec.replay {
		view.show(msg)
	}

	o.logger.Info("round started",
		"round", spec.current,
		"total", spec.total,
		"resume_thread", spec.resumeThreadID,
	)

	cfg := bridge.RoundConfig{
		Process:               o.opts.Process,
		ClientInfo:            o.opts.ClientInfo,
		Cwd:                   proj.Workdir,
		DeveloperInstructions: s.developerPrompt,
		Prompt:                spec.prompt,
		OutputSchema:          o.opts.OutputSchema,
		ResumeThreadID:        spec.resumeThreadID,
	}
	events := make(chan protocol.EventMsg, roundEventBuffer)
	errc := make(chan error, 1)
	go func() {
		errc <- o.runRound(ctx, cfg, events, o.logger)
	}()

	rec := &roundRecorder{o: o, s: s, spec: spec, configured: !spec.record}
	// The channel is drained to the end even after a ledger failure so the
	// bridge can always finish its teardown.
	for msg := range events {
		extra := rec.observe(ctx, msg)
		for _, m := range extra {
			view.show(m)
		}
		view.show(msg)
	}
	if err := <-errc; err != nil {
		o.logger.Debug("round runner returned", "round", spec.current, "error", err)
	}
	view.flush()

	if rec.err != nil {
		return roundResult{}, fmt.Errorf("failed to record round %d: %w", spec.current, rec.err)
	}
	if rec.outcome == nil {
		return roundResult{}, errors.New("round ended without a potter_round_finished event")
	}

	res := roundResult{outcome: *rec.outcome}
	if res.outcome.Kind == protocol.OutcomeCompleted {
		res.stop = rec.succeeded
	}
	o.logger.Info("round finished", "round", spec.current, "outcome", res.outcome.String(), "stop", res.stop)
	return res, nil
}

// roundRecorder turns forwarded events into ledger entries.
type roundRecorder struct {
	o          *Orchestrator
	s          *session
	spec       roundSpec
	configured bool
	succeeded  bool
	outcome    *protocol.RoundOutcome
	err        error
}

// observe records what msg implies and returns events to show before it.
func (r *roundRecorder) observe(ctx context.Context, msg protocol.EventMsg) []protocol.EventMsg {
	var extra []protocol.EventMsg
	switch ev := msg.Payload.(type) {
	case *protocol.SessionConfiguredEvent:
		if !r.configured {
			r.configured = true
			r.append(ledger.NewRoundConfigured(ev.SessionID, ev.RolloutPath, r.s.project.Workdir))
		}
	case *protocol.PotterRoundFinishedEvent:
		outcome := ev.Outcome
		r.outcome = &outcome
		if outcome.Kind == protocol.OutcomeCompleted {
			if succeeded := r.sessionSucceeded(ctx); succeeded != nil {
				r.succeeded = true
				r.append(succeeded)
				extra = append(extra, protocol.NewEventMsg(&protocol.PotterSessionSucceededEvent{
					Rounds:         succeeded.Rounds,
					DurationSecs:   succeeded.DurationSecs,
					UserPromptFile: succeeded.UserPromptFile,
					GitCommitStart: succeeded.GitCommitStart,
					GitCommitEnd:   succeeded.GitCommitEnd,
				}))
			}
		}
		r.append(&ledger.RoundFinished{Outcome: outcome})
	}
	return extra
}

// sessionSucceeded returns the entry to record when the progress file is
// marked done, or nil.
func (r *roundRecorder) sessionSucceeded(ctx context.Context) *ledger.SessionSucceeded {
	proj := r.s.project
	done, err := project.HasFiniteIncantatem(proj.ProgressFile())
	if err != nil {
		r.o.logger.Warn("failed to read progress file", "path", proj.ProgressFile(), "error", err)
		return nil
	}
	if !done {
		return nil
	}
	return &ledger.SessionSucceeded{
		Rounds:         r.spec.succeededRounds,
		DurationSecs:   uint64(r.o.now().Sub(r.s.startedAt).Seconds()),
		UserPromptFile: proj.ProgressFileRel,
		GitCommitStart: proj.GitCommitStart,
		GitCommitEnd:   project.ResolveGitCommit(ctx, proj.Workdir),
	}
}

func (r *roundRecorder) append(entry ledger.Entry) {
	if r.err != nil {
		return
	}
	if err := r.s.ledger.Append(entry); err != nil {
		r.o.logger.Error("failed to append ledger entry", "type", entry.EntryType(), "error", err)
		r.err = err
	}
}
