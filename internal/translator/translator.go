// Package translator turns the ordered event stream of a round into display
// units: committed transcript cells, a transient live cell and status
// updates.
//
// Noisy command completions are coalesced. Consecutive read/list/search
// commands collect in an exploration buffer and consecutive successful
// commands in a run buffer; both are shown live through ActiveCell and
// committed as one cell each as soon as any other kind of output needs to
// be shown, exploration first. Agent message deltas are committed a whole
// line at a time.
package translator

import (
	"fmt"
	"strings"
	"time"

	"github.com/iambrandonn/potter/internal/protocol"
)

// Options configures a Translator.
type Options struct {
	// RoundPrompt is echoed as PromptSubmitted when a round starts.
	RoundPrompt string
	// Cwd is used to shorten paths until session_configured reports one.
	Cwd string
}

// Translator holds all per-round display state. It is not safe for
// concurrent use; one goroutine feeds it events in arrival order.
type Translator struct {
	opts Options
	cwd  string

	stream   streamController
	sawDelta bool

	exploring *ExplorationCell
	running   *RunSummaryCell

	status reasoningStatus
	tokens tokenTally

	pendingSucceeded *SessionSucceededCell

	out []Output
}

// New returns a Translator with empty buffers.
func New(opts Options) *Translator {
	return &Translator{opts: opts, cwd: opts.Cwd}
}

// Handle applies one event and returns the display units it produces, in
// order.
func (t *Translator) Handle(msg protocol.EventMsg) []Output {
	switch ev := msg.Payload.(type) {
	case *protocol.SessionConfiguredEvent:
		if ev.Cwd != "" {
			t.cwd = ev.Cwd
		}

	case *protocol.PotterSessionStartedEvent:
		t.interrupt()
		if ev.UserMessage != nil && *ev.UserMessage != "" {
			t.insert(&UserPromptCell{Text: *ev.UserMessage})
		}
		t.insert(&SessionStartedCell{UserPromptFile: ev.UserPromptFile})

	case *protocol.PotterRoundStartedEvent:
		t.interrupt()
		t.tokens = tokenTally{}
		t.insert(&RoundStartedCell{Current: ev.Current, Total: ev.Total})
		if t.opts.RoundPrompt != "" {
			t.emit(PromptSubmitted{Text: t.opts.RoundPrompt})
		}

	case *protocol.PotterRoundFinishedEvent:
		t.interrupt()
		t.flushSucceeded()
		if !ev.Synthetic {
			t.insert(&RoundFinishedCell{Outcome: ev.Outcome})
		}

	case *protocol.PotterSessionSucceededEvent:
		t.flushBuffers()
		t.pendingSucceeded = &SessionSucceededCell{
			Rounds:         ev.Rounds,
			Duration:       time.Duration(ev.DurationSecs) * time.Second,
			UserPromptFile: ev.UserPromptFile,
			GitCommitStart: ev.GitCommitStart,
			GitCommitEnd:   ev.GitCommitEnd,
		}

	case *protocol.PotterStreamRecoveryUpdateEvent:
		t.interrupt()
		t.sawDelta = false
		t.insert(&StreamRetryCell{Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts, ErrorMessage: ev.ErrorMessage})
		t.setStatus(fmt.Sprintf("Reconnecting... %d/%d", ev.Attempt, ev.MaxAttempts), ev.ErrorMessage)

	case *protocol.PotterStreamRecoveryRecoveredEvent:
		t.setStatus(DefaultStatusHeader, "")

	case *protocol.PotterStreamRecoveryGaveUpEvent:
		t.interrupt()
		t.insert(&StreamGaveUpCell{MaxAttempts: ev.Attempts, ErrorMessage: ev.ErrorMessage})

	case *protocol.TokenCountEvent:
		t.tokens.observe(ev.Info)
		t.emit(t.tokens.display())

	case *protocol.TurnStartedEvent:
		t.tokens.contextWindow = ev.ModelContextWindow
		t.sawDelta = false
		t.status.reset()
		t.setStatus(DefaultStatusHeader, "")
		t.emit(t.tokens.display())

	case *protocol.AgentReasoningDeltaEvent:
		t.reasoning(ev.Delta)
	case *protocol.AgentReasoningRawContentDeltaEvent:
		t.reasoning(ev.Delta)
	case *protocol.AgentReasoningRawContentEvent:
		t.reasoning(ev.Text)
		t.status.reset()
	case *protocol.AgentReasoningSectionBreakEvent, *protocol.AgentReasoningEvent:
		t.status.reset()

	case *protocol.AgentMessageDeltaEvent:
		t.flushBuffers()
		t.sawDelta = true
		if cell := t.stream.push(ev.Delta); cell != nil {
			t.insert(cell)
		}

	case *protocol.AgentMessageEvent:
		t.flushBuffers()
		if t.sawDelta {
			break
		}
		t.insertMessage(ev.Message)

	case *protocol.TurnCompleteEvent:
		t.flushBuffers()
		if cell := t.stream.finalize(); cell != nil {
			t.insert(cell)
		} else if !t.sawDelta && ev.HasMessage() {
			t.insertMessage(*ev.LastAgentMessage)
		}
		t.sawDelta = false
		t.flushSucceeded()

	case *protocol.TurnAbortedEvent:
		t.interrupt()

	case *protocol.WarningEvent:
		t.interrupt()
		t.insert(&WarningCell{Message: ev.Message})

	case *protocol.ContextCompactedEvent:
		t.interrupt()
		t.insert(&InfoCell{Message: "Context compacted"})

	case *protocol.DeprecationNoticeEvent:
		t.interrupt()
		cell := &DeprecationCell{Summary: ev.Summary}
		if ev.Details != nil {
			cell.Details = *ev.Details
		}
		t.insert(cell)

	case *protocol.PlanUpdateEvent:
		t.interrupt()
		cell := &PlanCell{Items: ev.Plan}
		if ev.Explanation != nil {
			cell.Explanation = *ev.Explanation
		}
		t.insert(cell)

	case *protocol.WebSearchEndEvent:
		t.interrupt()
		t.insert(&WebSearchCell{Query: ev.Query})

	case *protocol.ViewImageToolCallEvent:
		t.interrupt()
		t.insert(&ViewImageCell{Path: displayPath(ev.Path, t.cwd)})

	case *protocol.ExecCommandEndEvent:
		t.execEnd(newExecCall(ev))

	case *protocol.PatchApplyEndEvent:
		t.interrupt()
		t.insert(newPatchCell(ev, t.cwd))

	case *protocol.ErrorEvent:
		t.interrupt()
		t.sawDelta = false
		t.insert(&ErrorCell{Message: ev.Message})
	}

	out := t.out
	t.out = nil
	return out
}

// Flush commits any open buffer and the partial stream, for example when
// the session is interrupted.
func (t *Translator) Flush() []Output {
	t.interrupt()
	out := t.out
	t.out = nil
	return out
}

func (t *Translator) execEnd(call ExecCall) {
	switch {
	case call.isExploration():
		t.finalizeStream()
		t.flushRunning()
		if t.exploring == nil {
			t.exploring = &ExplorationCell{}
		}
		t.exploring.Calls = append(t.exploring.Calls, call)
		t.emit(ActiveCell{Cell: &ExplorationCell{Calls: cloneCalls(t.exploring.Calls), Live: true}})

	case call.isQuietSuccess():
		t.finalizeStream()
		t.flushExploring()
		if t.running == nil {
			t.running = &RunSummaryCell{}
		}
		t.running.Calls = append(t.running.Calls, call)
		t.emit(ActiveCell{Cell: &RunSummaryCell{Calls: cloneCalls(t.running.Calls)}})

	default:
		t.interrupt()
		t.insert(&ExecCell{Call: call})
	}
}

// interrupt commits everything in flight before an unrelated cell.
func (t *Translator) interrupt() {
	t.flushBuffers()
	t.finalizeStream()
}

func (t *Translator) finalizeStream() {
	if cell := t.stream.finalize(); cell != nil {
		t.insert(cell)
	}
}

// flushBuffers commits the exploration buffer, then the run buffer, and
// clears the live cell if either was open.
func (t *Translator) flushBuffers() {
	flushed := t.flushExploring()
	if t.flushRunning() {
		flushed = true
	}
	if flushed {
		t.emit(ActiveCell{})
	}
}

func (t *Translator) flushExploring() bool {
	if t.exploring == nil {
		return false
	}
	cell := t.exploring
	t.exploring = nil
	t.insert(cell)
	return true
}

func (t *Translator) flushRunning() bool {
	if t.running == nil {
		return false
	}
	cell := t.running
	t.running = nil
	t.insert(cell)
	return true
}

func (t *Translator) flushSucceeded() {
	if t.pendingSucceeded == nil {
		return
	}
	cell := t.pendingSucceeded
	t.pendingSucceeded = nil
	t.insert(cell)
}

func (t *Translator) insertMessage(message string) {
	lines := splitLines(strings.TrimLeft(message, "\n"))
	if len(lines) == 0 {
		return
	}
	t.insert(&AgentMessageCell{Text: lines, First: true})
}

func (t *Translator) reasoning(delta string) {
	if header, ok := t.status.onDelta(delta); ok {
		t.emit(StatusHeader{Header: header})
	}
}

func (t *Translator) setStatus(header, details string) {
	t.status.setHeader(header)
	t.emit(StatusHeader{Header: header, Details: details})
}

func (t *Translator) insert(cell Cell) {
	t.emit(InsertCell{Cell: cell})
}

func (t *Translator) emit(o Output) {
	t.out = append(t.out, o)
}

func cloneCalls(calls []ExecCall) []ExecCall {
	return append([]ExecCall(nil), calls...)
}
