package ledger

import (
	"fmt"

	"github.com/iambrandonn/potter/internal/protocol"
)

// ProjectPaths locates a project on disk for replay.
type ProjectPaths struct {
	Workdir    string
	ProjectDir string
}

// RoundPlan is the event sequence that redraws one finished round.
type RoundPlan struct {
	Events  []protocol.EventMsg
	Outcome protocol.RoundOutcome
}

// UnfinishedPlan describes the trailing round to continue. SessionStarted
// is set only when no round finished before it, so the session header has
// not been replayed yet.
type UnfinishedPlan struct {
	Current        uint32
	Total          uint32
	ThreadID       string
	RolloutPath    string
	SessionStarted *SessionStarted
}

// ReplayPlan is everything needed to redraw a project's history.
type ReplayPlan struct {
	Completed  []RoundPlan
	Unfinished *UnfinishedPlan
}

// PlanReplay rebuilds the event sequence of every finished round from the
// index and the upstream rollouts, without running anything. Each round
// replays as:
//
//	[potter_session_started] potter_round_started [session_configured]
//	<rollout events> [potter_session_succeeded] potter_round_finished
func PlanReplay(idx *Index, project ProjectPaths, read RolloutReader) (*ReplayPlan, error) {
	plan := &ReplayPlan{}
	started := &idx.SessionStarted

	for _, round := range idx.CompletedRounds {
		var events []protocol.EventMsg
		if started != nil {
			events = append(events, sessionStartedEvent(started, project))
			started = nil
		}
		events = append(events, protocol.NewEventMsg(&protocol.PotterRoundStartedEvent{
			Current: round.Current,
			Total:   round.Total,
		}))

		if round.RolloutPath != "" {
			rolloutPath := resolveForReplay(project.Workdir, round.RolloutPath)
			items, err := read(rolloutPath)
			if err != nil {
				return nil, fmt.Errorf("failed to replay rollout %s: %w", rolloutPath, err)
			}
			if cfg, ok := SessionConfigured(round.ThreadID, rolloutPath, items); ok {
				events = append(events, protocol.NewEventMsg(cfg))
			}
			msgs, err := EventMsgs(items)
			if err != nil {
				return nil, fmt.Errorf("failed to replay rollout %s: %w", rolloutPath, err)
			}
			events = append(events, msgs...)
		}

		if s := round.SessionSucceeded; s != nil {
			events = append(events, protocol.NewEventMsg(&protocol.PotterSessionSucceededEvent{
				Rounds:         s.Rounds,
				DurationSecs:   s.DurationSecs,
				UserPromptFile: s.UserPromptFile,
				GitCommitStart: s.GitCommitStart,
				GitCommitEnd:   s.GitCommitEnd,
			}))
		}
		events = append(events, protocol.NewEventMsg(&protocol.PotterRoundFinishedEvent{Outcome: round.Outcome}))

		plan.Completed = append(plan.Completed, RoundPlan{Events: events, Outcome: round.Outcome})
	}

	if u := idx.UnfinishedRound; u != nil {
		plan.Unfinished = &UnfinishedPlan{
			Current:        u.Current,
			Total:          u.Total,
			ThreadID:       u.ThreadID,
			RolloutPath:    resolveForReplay(project.Workdir, u.RolloutPath),
			SessionStarted: started,
		}
	}
	return plan, nil
}

// SessionConfigured synthesizes the session_configured event of a replayed
// round from its rollout. It reports false when the rollout carries no
// usable configuration.
func SessionConfigured(threadID, rolloutPath string, items []RolloutItem) (*protocol.SessionConfiguredEvent, bool) {
	snap, ok := ConfigSnapshot(items)
	if !ok {
		return nil, false
	}
	return &protocol.SessionConfiguredEvent{
		SessionID:       threadID,
		Model:           snap.Model,
		ModelProviderID: snap.ModelProvider,
		Cwd:             snap.Cwd,
		RolloutPath:     rolloutPath,
	}, true
}

// PreActionEvents redraws the start of the unfinished round and closes it
// with a synthetic round_finished, which the translator does not render.
func (u *UnfinishedPlan) PreActionEvents(project ProjectPaths) []protocol.EventMsg {
	var events []protocol.EventMsg
	if u.SessionStarted != nil {
		events = append(events, sessionStartedEvent(u.SessionStarted, project))
	}
	return append(events,
		protocol.NewEventMsg(&protocol.PotterRoundStartedEvent{Current: u.Current, Total: u.Total}),
		protocol.NewEventMsg(&protocol.PotterRoundFinishedEvent{Outcome: protocol.Completed(), Synthetic: true}),
	)
}

// ContinueEvents is replayed into the continued round before its new turn:
// the recovered configuration and the round's upstream events so far. The
// session header was already shown by PreActionEvents.
func (u *UnfinishedPlan) ContinueEvents(read RolloutReader) ([]protocol.EventMsg, error) {
	var events []protocol.EventMsg
	items, err := read(u.RolloutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to replay rollout %s: %w", u.RolloutPath, err)
	}
	if cfg, ok := SessionConfigured(u.ThreadID, u.RolloutPath, items); ok {
		events = append(events, protocol.NewEventMsg(cfg))
	}
	msgs, err := EventMsgs(items)
	if err != nil {
		return nil, fmt.Errorf("failed to replay rollout %s: %w", u.RolloutPath, err)
	}
	return append(events, msgs...), nil
}

// RemainingRounds counts the rounds left including the unfinished one.
func (u *UnfinishedPlan) RemainingRounds() (int, error) {
	switch {
	case u.Current == 0:
		return 0, fmt.Errorf("potter-rollout: round current must be >= 1")
	case u.Total == 0:
		return 0, fmt.Errorf("potter-rollout: round total must be >= 1")
	case u.Current > u.Total:
		return 0, fmt.Errorf("potter-rollout: round current %d exceeds round total %d", u.Current, u.Total)
	}
	return int(u.Total-u.Current) + 1, nil
}

func sessionStartedEvent(s *SessionStarted, project ProjectPaths) protocol.EventMsg {
	return protocol.NewEventMsg(&protocol.PotterSessionStartedEvent{
		UserMessage:    s.UserMessage,
		WorkingDir:     project.Workdir,
		ProjectDir:     project.ProjectDir,
		UserPromptFile: s.UserPromptFile,
	})
}
