package ledger

import "github.com/iambrandonn/potter/internal/protocol"

// Index is the validated shape of a ledger: the session header, every
// finished round and at most one trailing unfinished round.
type Index struct {
	SessionStarted  SessionStarted
	CompletedRounds []CompletedRound
	UnfinishedRound *UnfinishedRound
}

// CompletedRound is a finished round. ThreadID and RolloutPath are empty
// when the round failed before its thread was configured.
type CompletedRound struct {
	Current          uint32
	Total            uint32
	ThreadID         string
	RolloutPath      string
	SessionSucceeded *SessionSucceeded
	Outcome          protocol.RoundOutcome
}

// UnfinishedRound is a configured round with no round_finished, left by a
// process that exited mid-round.
type UnfinishedRound struct {
	Current     uint32
	Total       uint32
	ThreadID    string
	RolloutPath string
}

type roundBuilder struct {
	started    RoundStarted
	configured *RoundConfigured
	succeeded  *SessionSucceeded
}

// BuildIndex checks entry order and groups entries into rounds. The first
// violation is returned as a *CorruptionError naming its line.
func BuildIndex(records []Record) (*Index, error) {
	var (
		session *SessionStarted
		index   Index
		current *roundBuilder
	)

	corrupt := func(r Record, reason string) error {
		return &CorruptionError{Line: r.Line, Entry: r.Entry.EntryType(), Reason: reason}
	}

	for _, r := range records {
		switch e := r.Entry.(type) {
		case *SessionStarted:
			if session != nil || len(index.CompletedRounds) > 0 || current != nil {
				return nil, corrupt(r, "session_started must appear once at the top")
			}
			session = e

		case *RoundStarted:
			if session == nil {
				return nil, corrupt(r, "missing session_started before first round")
			}
			if current != nil {
				return nil, corrupt(r, "round_started before previous round_finished")
			}
			current = &roundBuilder{started: *e}

		case *RoundConfigured:
			if current == nil {
				return nil, corrupt(r, "round_configured before round_started")
			}
			if current.configured != nil {
				return nil, corrupt(r, "duplicate round_configured in a single round")
			}
			current.configured = e

		case *SessionSucceeded:
			if current == nil {
				return nil, corrupt(r, "session_succeeded outside a round")
			}
			if current.configured == nil {
				return nil, corrupt(r, "session_succeeded before round_configured")
			}
			if current.succeeded != nil {
				return nil, corrupt(r, "duplicate session_succeeded in a single round")
			}
			current.succeeded = e

		case *RoundFinished:
			if current == nil {
				return nil, corrupt(r, "round_finished without round_started")
			}
			// A round that failed before its thread existed has nothing to
			// replay, but a completed one must have been configured.
			if current.configured == nil && e.Outcome.Kind == protocol.OutcomeCompleted {
				return nil, corrupt(r, "round_finished without round_configured")
			}
			round := CompletedRound{
				Current:          current.started.Current,
				Total:            current.started.Total,
				SessionSucceeded: current.succeeded,
				Outcome:          e.Outcome,
			}
			if current.configured != nil {
				round.ThreadID = current.configured.ThreadID
				round.RolloutPath = current.configured.RolloutPath
			}
			index.CompletedRounds = append(index.CompletedRounds, round)
			current = nil
		}
	}

	if current != nil {
		last := records[len(records)-1]
		if current.succeeded != nil {
			return nil, corrupt(last, "session_succeeded without round_finished at EOF")
		}
		if current.configured == nil {
			return nil, corrupt(last, "missing round_configured at EOF")
		}
		index.UnfinishedRound = &UnfinishedRound{
			Current:     current.started.Current,
			Total:       current.started.Total,
			ThreadID:    current.configured.ThreadID,
			RolloutPath: current.configured.RolloutPath,
		}
	}

	if session == nil {
		// Any other first entry already failed above.
		return nil, &CorruptionError{Line: 1, Reason: "ledger has no entries"}
	}
	if len(index.CompletedRounds) == 0 && index.UnfinishedRound == nil {
		return nil, corrupt(records[len(records)-1], "session_started present but no rounds found")
	}

	index.SessionStarted = *session
	return &index, nil
}

// FinishedRounds counts round_finished entries, the baseline for round
// numbering when a session is resumed.
func (idx *Index) FinishedRounds() int {
	return len(idx.CompletedRounds)
}
