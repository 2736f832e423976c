package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/potter/internal/protocol"
)

// RoundConfig describes one round against a fresh app-server process.
type RoundConfig struct {
	Process               ProcessConfig
	ClientInfo            protocol.ClientInfo
	Cwd                   string
	DeveloperInstructions string
	Prompt                string
	OutputSchema          json.RawMessage
	// ResumeThreadID continues an existing thread instead of starting one.
	ResumeThreadID string
}

// roundTracker decides, per event, what reaches the consumer and when the
// round is over. It holds no I/O so its decisions can be tested directly.
type roundTracker struct {
	recovery        *streamRecovery
	pending         *retryPlan
	turnStarted     bool
	lastWasRecovery bool
	finished        bool
}

func newRoundTracker() *roundTracker {
	return &roundTracker{recovery: newStreamRecovery()}
}

// step is the result of observing one event.
type step struct {
	emit  []protocol.EventMsg
	retry *retryPlan
}

// observe processes one inbound event.
func (t *roundTracker) observe(msg protocol.EventMsg) step {
	var out step
	if t.finished {
		return out
	}
	if msg.Type() == protocol.EventThreadRolledBack {
		return out
	}

	forward := true
	var outcome *protocol.RoundOutcome

	wasStreak := t.recovery.inStreak()
	suppress := false
	if complete, ok := msg.Payload.(*protocol.TurnCompleteEvent); ok {
		suppress = wasStreak && !complete.HasMessage()
	}

	t.recovery.observeActivity(msg)
	if wasStreak && !t.recovery.inStreak() {
		t.pending = nil
		out.emit = append(out.emit, protocol.NewEventMsg(&protocol.PotterStreamRecoveryRecoveredEvent{}))
	}

	if errEv, ok := msg.Payload.(*protocol.ErrorEvent); ok && t.turnStarted && isRetryableStreamError(errEv) {
		// Retryable errors are never shown. Only the first one in a turn
		// plans a retry; later ones wait for the planned turn_complete.
		forward = false
		if t.pending == nil {
			if plan, ok := t.recovery.plan(errEv); ok {
				t.pending = &plan
				out.emit = append(out.emit, protocol.NewEventMsg(&protocol.PotterStreamRecoveryUpdateEvent{
					Attempt:      plan.attempt,
					MaxAttempts:  t.recovery.maxRetries,
					ErrorMessage: errEv.Message,
				}))
			} else {
				out.emit = append(out.emit, protocol.NewEventMsg(&protocol.PotterStreamRecoveryGaveUpEvent{
					ErrorMessage: errEv.Message,
					Attempts:     t.recovery.attempts,
					MaxAttempts:  t.recovery.maxRetries,
				}))
				failed := protocol.TaskFailed(t.recovery.gaveUpMessage())
				outcome = &failed
			}
		}
	}

	switch p := msg.Payload.(type) {
	case *protocol.TurnAbortedEvent:
		t.pending = nil
		if outcome == nil && p.Reason != protocol.AbortReplaced {
			o := protocol.UserRequested()
			outcome = &o
		}
	case *protocol.TurnCompleteEvent:
		if t.pending != nil {
			out.retry = t.pending
			t.pending = nil
		}
		if suppress {
			forward = false
		} else if outcome == nil {
			o := protocol.Completed()
			outcome = &o
		}
	case *protocol.ErrorEvent:
		if outcome == nil && forward {
			o := protocol.Fatal(p.Message)
			outcome = &o
		}
	}

	if forward {
		out.emit = append(out.emit, msg)
	}
	if outcome != nil {
		out.emit = append(out.emit, t.finish(*outcome)...)
	}
	return out
}

// finish returns the round_finished marker the first time it is called.
func (t *roundTracker) finish(outcome protocol.RoundOutcome) []protocol.EventMsg {
	if t.finished {
		return nil
	}
	t.finished = true
	return []protocol.EventMsg{protocol.NewEventMsg(&protocol.PotterRoundFinishedEvent{Outcome: outcome})}
}

// turnSubmitted records a user turn/start; it ends any retry streak.
func (t *roundTracker) turnSubmitted() []protocol.EventMsg {
	wasStreak := t.recovery.inStreak()
	t.turnStarted = true
	t.lastWasRecovery = false
	t.pending = nil
	t.recovery = newStreamRecovery()
	if wasStreak {
		return []protocol.EventMsg{protocol.NewEventMsg(&protocol.PotterStreamRecoveryRecoveredEvent{})}
	}
	return nil
}

// RunRound drives a single round: spawn, handshake, start or resume the
// thread, submit the prompt and forward events until the round finishes.
// Exactly one potter_round_finished event is sent to out, which is closed
// on return. Failures are reported as events; the returned error is for
// logging only.
func RunRound(ctx context.Context, cfg RoundConfig, out chan<- protocol.EventMsg, logger *slog.Logger) error {
	defer close(out)

	r := &roundRunner{
		cfg:     cfg,
		out:     out,
		logger:  logger,
		tracker: newRoundTracker(),
		retries: make(chan retryPlan, 1),
	}

	err := r.run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && !r.tracker.finished:
		r.send(r.tracker.finish(protocol.UserRequested())...)
	default:
		msg := fmt.Sprintf("Failed to run codex app-server: %v", err)
		logger.Error("round failed", "error", err)
		if !r.tracker.finished {
			r.send(protocol.NewEventMsg(&protocol.ErrorEvent{Message: msg}))
		}
		r.send(r.tracker.finish(protocol.Fatal(msg))...)
	}
	return err
}

type roundRunner struct {
	cfg      RoundConfig
	out      chan<- protocol.EventMsg
	logger   *slog.Logger
	tracker  *roundTracker
	retries  chan retryPlan
	threadID string
}

// send delivers events unconditionally; the consumer owns out and always
// drains it until close.
func (r *roundRunner) send(msgs ...protocol.EventMsg) {
	for _, msg := range msgs {
		r.out <- msg
	}
}

func (r *roundRunner) run(ctx context.Context) error {
	proc, err := Spawn(ctx, r.cfg.Process, r.logger)
	if err != nil {
		return err
	}
	client := proc.Client()
	defer func() {
		client.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		if err := proc.Stop(stopCtx); err != nil {
			r.logger.Debug("app-server stop", "error", err)
		}
	}()

	if err := client.Handshake(ctx, r.cfg.ClientInfo); err != nil {
		return proc.Annotate(err)
	}

	opts := ThreadOptions{
		Cwd:                   r.cfg.Cwd,
		Sandbox:               r.cfg.Process.Launch.ThreadSandbox,
		DeveloperInstructions: r.cfg.DeveloperInstructions,
	}
	var thread *protocol.ThreadResponse
	if r.cfg.ResumeThreadID != "" {
		thread, err = client.ResumeThread(ctx, r.cfg.ResumeThreadID, opts)
	} else {
		thread, err = client.StartThread(ctx, opts)
	}
	if err != nil {
		return proc.Annotate(err)
	}
	r.threadID = thread.Thread.ID

	r.send(r.tracker.turnSubmitted()...)
	if err := client.StartTurn(ctx, r.threadID, r.cfg.Prompt, r.cfg.OutputSchema); err != nil {
		return proc.Annotate(err)
	}

	return r.pump(ctx, proc)
}

// pump forwards events until the round finishes or the server goes away.
func (r *roundRunner) pump(ctx context.Context, proc *Process) error {
	client := proc.Client()
	var lastSeq uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-client.Events():
			if !ok {
				if r.tracker.finished {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				err := client.Err()
				if err == nil || errors.Is(err, ErrClosed) {
					err = errors.New("codex app-server exited unexpectedly")
				}
				return proc.Annotate(err)
			}
			if rec.Seq <= lastSeq {
				r.logger.Error("event delivered out of order", "seq", rec.Seq, "last", lastSeq)
			}
			lastSeq = rec.Seq

			st := r.tracker.observe(rec.Event.Msg)
			r.send(st.emit...)
			if st.retry != nil {
				r.schedule(ctx, *st.retry)
			}
			if r.tracker.finished {
				return nil
			}

		case plan := <-r.retries:
			if !r.tracker.recovery.inStreak() {
				continue
			}
			if err := r.retry(ctx, proc, plan); err != nil {
				return err
			}
		}
	}
}

func (r *roundRunner) schedule(ctx context.Context, plan retryPlan) {
	r.logger.Info("scheduling stream recovery", "attempt", plan.attempt, "backoff", plan.backoff)
	if plan.backoff == 0 {
		r.retries <- plan
		return
	}
	go func() {
		timer := time.NewTimer(plan.backoff)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.retries <- plan
		case <-ctx.Done():
		}
	}()
}

// retry sends an automatic Continue. From the second attempt on, the
// previous automatic Continue is rolled back first so the thread history
// does not accumulate them.
func (r *roundRunner) retry(ctx context.Context, proc *Process, plan retryPlan) error {
	client := proc.Client()
	r.tracker.turnStarted = true

	if plan.attempt >= 2 && r.tracker.lastWasRecovery {
		if err := client.RollbackThread(ctx, r.threadID, 1); err != nil {
			return proc.Annotate(fmt.Errorf("thread/rollback thread_id=%s: %w", r.threadID, err))
		}
	}
	r.tracker.lastWasRecovery = true

	if err := client.StartTurn(ctx, r.threadID, ContinuePrompt, nil); err != nil {
		return proc.Annotate(err)
	}
	return nil
}
