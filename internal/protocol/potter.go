package protocol

import "fmt"

// Events in this file never arrive from the app-server. The bridge and the
// orchestrator inject them to mark session and round boundaries.

type PotterSessionStartedEvent struct {
	UserMessage    *string `json:"user_message,omitempty"`
	WorkingDir     string  `json:"working_dir"`
	ProjectDir     string  `json:"project_dir"`
	UserPromptFile string  `json:"user_prompt_file"`
}

func (*PotterSessionStartedEvent) EventType() EventType { return EventPotterSessionStarted }

type PotterRoundStartedEvent struct {
	Current uint32 `json:"current"`
	Total   uint32 `json:"total"`
}

func (*PotterRoundStartedEvent) EventType() EventType { return EventPotterRoundStarted }

// OutcomeKind is the terminal state of a round.
type OutcomeKind string

const (
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeUserRequested OutcomeKind = "user_requested"
	OutcomeTaskFailed    OutcomeKind = "task_failed"
	OutcomeFatal         OutcomeKind = "fatal"
)

// RoundOutcome is how a round ended. Message is set for task_failed and fatal.
type RoundOutcome struct {
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

func Completed() RoundOutcome     { return RoundOutcome{Kind: OutcomeCompleted} }
func UserRequested() RoundOutcome { return RoundOutcome{Kind: OutcomeUserRequested} }

func TaskFailed(message string) RoundOutcome {
	return RoundOutcome{Kind: OutcomeTaskFailed, Message: message}
}

func Fatal(message string) RoundOutcome {
	return RoundOutcome{Kind: OutcomeFatal, Message: message}
}

// Validate checks the kind and that failure kinds carry a message.
func (o RoundOutcome) Validate() error {
	switch o.Kind {
	case OutcomeCompleted, OutcomeUserRequested:
		return nil
	case OutcomeTaskFailed, OutcomeFatal:
		if o.Message == "" {
			return fmt.Errorf("outcome %s requires a message", o.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("outcome kind is required")
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
}

func (o RoundOutcome) String() string {
	if o.Message != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Message)
	}
	return string(o.Kind)
}

// PotterRoundFinishedEvent closes a round. Synthetic markers are produced by
// replay of an unfinished round; they close renderer state but are never
// shown as a finished round.
type PotterRoundFinishedEvent struct {
	Outcome   RoundOutcome `json:"outcome"`
	Synthetic bool         `json:"-"`
}

func (*PotterRoundFinishedEvent) EventType() EventType { return EventPotterRoundFinished }

type PotterSessionSucceededEvent struct {
	Rounds         uint32 `json:"rounds"`
	DurationSecs   uint64 `json:"duration_secs"`
	UserPromptFile string `json:"user_prompt_file"`
	GitCommitStart string `json:"git_commit_start"`
	GitCommitEnd   string `json:"git_commit_end"`
}

func (*PotterSessionSucceededEvent) EventType() EventType { return EventPotterSessionSucceeded }

type PotterStreamRecoveryUpdateEvent struct {
	Attempt      uint32 `json:"attempt"`
	MaxAttempts  uint32 `json:"max_attempts"`
	ErrorMessage string `json:"error_message"`
}

func (*PotterStreamRecoveryUpdateEvent) EventType() EventType {
	return EventPotterStreamRecoveryUpdate
}

type PotterStreamRecoveryRecoveredEvent struct{}

func (*PotterStreamRecoveryRecoveredEvent) EventType() EventType {
	return EventPotterStreamRecoveryRecovered
}

type PotterStreamRecoveryGaveUpEvent struct {
	ErrorMessage string `json:"error_message"`
	Attempts     uint32 `json:"attempts"`
	MaxAttempts  uint32 `json:"max_attempts"`
}

func (*PotterStreamRecoveryGaveUpEvent) EventType() EventType {
	return EventPotterStreamRecoveryGaveUp
}
