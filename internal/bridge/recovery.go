package bridge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/iambrandonn/potter/internal/protocol"
)

// MaxStreamRecoveryRetries bounds consecutive automatic Continue attempts.
const MaxStreamRecoveryRetries = 10

var retryableErrorKinds = map[string]bool{
	"http_connection_failed":            true,
	"response_stream_connection_failed": true,
	"response_stream_disconnected":      true,
	"response_too_many_failed_attempts": true,
	"internal_server_error":             true,
}

var unexpectedStatusPattern = regexp.MustCompile(`unexpected status (\d+)`)

// isRetryableStreamError reports whether an error event describes a
// transient upstream failure worth retrying with "Continue". Servers that
// leave codex_error_info unset or report another kind are matched on the
// message text.
func isRetryableStreamError(ev *protocol.ErrorEvent) bool {
	if retryableErrorKinds[ev.ErrorInfoKind()] {
		return true
	}

	msg := ev.Message
	if strings.Contains(msg, "stream disconnected before completion") ||
		strings.Contains(msg, "error sending request for url") {
		return true
	}
	if m := unexpectedStatusPattern.FindStringSubmatch(msg); m != nil {
		code, err := strconv.Atoi(m[1])
		return err == nil && isRetryableHTTPStatus(code)
	}
	return false
}

func isRetryableHTTPStatus(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}

// retryBackoff is the delay before the given 1-based attempt.
func retryBackoff(attempt uint32) time.Duration {
	if attempt <= 1 {
		return 0
	}
	shift := attempt - 2
	if shift > 16 {
		shift = 16
	}
	return time.Duration(1<<shift) * time.Second
}

// retryPlan schedules one automatic Continue.
type retryPlan struct {
	attempt uint32
	backoff time.Duration
}

// streamRecovery tracks a streak of consecutive retryable errors.
type streamRecovery struct {
	attempts   uint32
	lastError  string
	maxRetries uint32
}

func newStreamRecovery() *streamRecovery {
	return &streamRecovery{maxRetries: MaxStreamRecoveryRetries}
}

func (r *streamRecovery) inStreak() bool {
	return r.attempts > 0
}

// observeActivity clears the streak when the event shows the turn is making
// progress again.
func (r *streamRecovery) observeActivity(msg protocol.EventMsg) {
	if r.attempts == 0 {
		return
	}
	if isActivity(msg) {
		r.attempts = 0
		r.lastError = ""
	}
}

// plan records a retryable error and returns the next retry, or false when
// the budget is exhausted.
func (r *streamRecovery) plan(ev *protocol.ErrorEvent) (retryPlan, bool) {
	r.lastError = ev.Message
	if r.attempts >= r.maxRetries {
		return retryPlan{}, false
	}
	r.attempts++
	return retryPlan{attempt: r.attempts, backoff: retryBackoff(r.attempts)}, true
}

// gaveUpMessage formats the task failure reported once retries run out.
func (r *streamRecovery) gaveUpMessage() string {
	return fmt.Sprintf("%s (stream recovery gave up after %d/%d retries)", r.lastError, r.attempts, r.maxRetries)
}

func isActivity(msg protocol.EventMsg) bool {
	switch p := msg.Payload.(type) {
	case *protocol.AgentMessageEvent,
		*protocol.AgentMessageDeltaEvent,
		*protocol.AgentReasoningEvent,
		*protocol.AgentReasoningDeltaEvent,
		*protocol.AgentReasoningRawContentEvent,
		*protocol.AgentReasoningRawContentDeltaEvent,
		*protocol.AgentReasoningSectionBreakEvent,
		*protocol.ExecCommandEndEvent,
		*protocol.PatchApplyEndEvent,
		*protocol.PlanUpdateEvent,
		*protocol.ViewImageToolCallEvent,
		*protocol.WebSearchEndEvent:
		return true
	case *protocol.TurnCompleteEvent:
		return p.HasMessage()
	}
	return false
}
