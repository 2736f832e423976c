package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the "type" discriminator of an event message.
type EventType string

const (
	EventError                         EventType = "error"
	EventWarning                       EventType = "warning"
	EventStreamError                   EventType = "stream_error"
	EventContextCompacted              EventType = "context_compacted"
	EventTurnStarted                   EventType = "task_started"
	EventTurnComplete                  EventType = "task_complete"
	EventTurnAborted                   EventType = "turn_aborted"
	EventTokenCount                    EventType = "token_count"
	EventAgentMessage                  EventType = "agent_message"
	EventAgentMessageDelta             EventType = "agent_message_delta"
	EventAgentReasoning                EventType = "agent_reasoning"
	EventAgentReasoningDelta           EventType = "agent_reasoning_delta"
	EventAgentReasoningRawContent      EventType = "agent_reasoning_raw_content"
	EventAgentReasoningRawDelta        EventType = "agent_reasoning_raw_content_delta"
	EventAgentReasoningSectionBreak    EventType = "agent_reasoning_section_break"
	EventSessionConfigured             EventType = "session_configured"
	EventWebSearchEnd                  EventType = "web_search_end"
	EventExecCommandEnd                EventType = "exec_command_end"
	EventViewImageToolCall             EventType = "view_image_tool_call"
	EventDeprecationNotice             EventType = "deprecation_notice"
	EventPatchApplyEnd                 EventType = "patch_apply_end"
	EventPlanUpdate                    EventType = "plan_update"
	EventThreadRolledBack              EventType = "thread_rolled_back"
	EventPotterSessionStarted          EventType = "potter_session_started"
	EventPotterRoundStarted            EventType = "potter_round_started"
	EventPotterRoundFinished           EventType = "potter_round_finished"
	EventPotterSessionSucceeded        EventType = "potter_session_succeeded"
	EventPotterStreamRecoveryUpdate    EventType = "potter_stream_recovery_update"
	EventPotterStreamRecoveryRecovered EventType = "potter_stream_recovery_recovered"
	EventPotterStreamRecoveryGaveUp    EventType = "potter_stream_recovery_gave_up"
)

// eventAliases maps accepted alternate spellings to their canonical type.
var eventAliases = map[EventType]EventType{
	"turn_started":  EventTurnStarted,
	"turn_complete": EventTurnComplete,
}

// Event is the params object of a codex/event/* notification.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventPayload is implemented by every event payload type.
type EventPayload interface {
	EventType() EventType
}

// EventMsg is a tagged event. Payload holds one of the *XxxEvent types in
// this package; unrecognized discriminators decode to *UnknownEvent.
type EventMsg struct {
	Payload EventPayload
}

// NewEventMsg wraps a payload.
func NewEventMsg(p EventPayload) EventMsg {
	return EventMsg{Payload: p}
}

// Type returns the discriminator, or "" for an empty message.
func (m EventMsg) Type() EventType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.EventType()
}

// MarshalJSON flattens the payload and injects the "type" member.
func (m EventMsg) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("event message has no payload")
	}
	if u, ok := m.Payload.(*UnknownEvent); ok {
		return u.Raw, nil
	}

	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(string(m.Payload.EventType()))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	body = bytes.TrimSpace(body)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1 : len(body)-1])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the payload selected by the "type" member.
func (m *EventMsg) UnmarshalJSON(data []byte) error {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode event type: %w", err)
	}

	typ := head.Type
	if canonical, ok := eventAliases[typ]; ok {
		typ = canonical
	}

	factory, ok := eventPayloads[typ]
	if !ok {
		raw := make([]byte, len(data))
		copy(raw, data)
		m.Payload = &UnknownEvent{Type: head.Type, Raw: raw}
		return nil
	}

	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", typ, err)
	}
	m.Payload = payload
	return nil
}

var eventPayloads = map[EventType]func() EventPayload{
	EventError:                         func() EventPayload { return &ErrorEvent{} },
	EventWarning:                       func() EventPayload { return &WarningEvent{} },
	EventStreamError:                   func() EventPayload { return &StreamErrorEvent{} },
	EventContextCompacted:              func() EventPayload { return &ContextCompactedEvent{} },
	EventTurnStarted:                   func() EventPayload { return &TurnStartedEvent{} },
	EventTurnComplete:                  func() EventPayload { return &TurnCompleteEvent{} },
	EventTurnAborted:                   func() EventPayload { return &TurnAbortedEvent{} },
	EventTokenCount:                    func() EventPayload { return &TokenCountEvent{} },
	EventAgentMessage:                  func() EventPayload { return &AgentMessageEvent{} },
	EventAgentMessageDelta:             func() EventPayload { return &AgentMessageDeltaEvent{} },
	EventAgentReasoning:                func() EventPayload { return &AgentReasoningEvent{} },
	EventAgentReasoningDelta:           func() EventPayload { return &AgentReasoningDeltaEvent{} },
	EventAgentReasoningRawContent:      func() EventPayload { return &AgentReasoningRawContentEvent{} },
	EventAgentReasoningRawDelta:        func() EventPayload { return &AgentReasoningRawContentDeltaEvent{} },
	EventAgentReasoningSectionBreak:    func() EventPayload { return &AgentReasoningSectionBreakEvent{} },
	EventSessionConfigured:             func() EventPayload { return &SessionConfiguredEvent{} },
	EventWebSearchEnd:                  func() EventPayload { return &WebSearchEndEvent{} },
	EventExecCommandEnd:                func() EventPayload { return &ExecCommandEndEvent{} },
	EventViewImageToolCall:             func() EventPayload { return &ViewImageToolCallEvent{} },
	EventDeprecationNotice:             func() EventPayload { return &DeprecationNoticeEvent{} },
	EventPatchApplyEnd:                 func() EventPayload { return &PatchApplyEndEvent{} },
	EventPlanUpdate:                    func() EventPayload { return &PlanUpdateEvent{} },
	EventThreadRolledBack:              func() EventPayload { return &ThreadRolledBackEvent{} },
	EventPotterSessionStarted:          func() EventPayload { return &PotterSessionStartedEvent{} },
	EventPotterRoundStarted:            func() EventPayload { return &PotterRoundStartedEvent{} },
	EventPotterRoundFinished:           func() EventPayload { return &PotterRoundFinishedEvent{} },
	EventPotterSessionSucceeded:        func() EventPayload { return &PotterSessionSucceededEvent{} },
	EventPotterStreamRecoveryUpdate:    func() EventPayload { return &PotterStreamRecoveryUpdateEvent{} },
	EventPotterStreamRecoveryRecovered: func() EventPayload { return &PotterStreamRecoveryRecoveredEvent{} },
	EventPotterStreamRecoveryGaveUp:    func() EventPayload { return &PotterStreamRecoveryGaveUpEvent{} },
}

// UnknownEvent preserves an event whose type this client does not model.
type UnknownEvent struct {
	Type EventType
	Raw  json.RawMessage
}

func (e *UnknownEvent) EventType() EventType { return e.Type }

// ErrorEvent reports a turn-level error. CodexErrorInfo is either a bare
// string ("context_window_exceeded") or a single-key object
// ({"response_stream_disconnected":{"http_status_code":null}}).
type ErrorEvent struct {
	Message        string          `json:"message"`
	CodexErrorInfo json.RawMessage `json:"codex_error_info,omitempty"`
}

func (*ErrorEvent) EventType() EventType { return EventError }

// ErrorInfoKind returns the variant name of CodexErrorInfo, or "".
func (e *ErrorEvent) ErrorInfoKind() string {
	raw := bytes.TrimSpace(e.CodexErrorInfo)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 1 {
		for k := range obj {
			return k
		}
	}
	return ""
}

type WarningEvent struct {
	Message string `json:"message"`
}

func (*WarningEvent) EventType() EventType { return EventWarning }

type StreamErrorEvent struct {
	Message string `json:"message"`
}

func (*StreamErrorEvent) EventType() EventType { return EventStreamError }

type ContextCompactedEvent struct{}

func (*ContextCompactedEvent) EventType() EventType { return EventContextCompacted }

type TurnStartedEvent struct {
	ModelContextWindow *int64 `json:"model_context_window,omitempty"`
}

func (*TurnStartedEvent) EventType() EventType { return EventTurnStarted }

type TurnCompleteEvent struct {
	LastAgentMessage *string `json:"last_agent_message,omitempty"`
}

func (*TurnCompleteEvent) EventType() EventType { return EventTurnComplete }

// HasMessage reports whether the turn ended with a non-empty agent message.
func (e *TurnCompleteEvent) HasMessage() bool {
	return e.LastAgentMessage != nil && *e.LastAgentMessage != ""
}

// TurnAbortReason explains a turn_aborted event.
type TurnAbortReason string

const (
	AbortInterrupted TurnAbortReason = "interrupted"
	AbortReplaced    TurnAbortReason = "replaced"
	AbortReviewEnded TurnAbortReason = "review_ended"
)

type TurnAbortedEvent struct {
	Reason TurnAbortReason `json:"reason"`
}

func (*TurnAbortedEvent) EventType() EventType { return EventTurnAborted }

// TokenUsage counts tokens for one accounting window.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

type TokenUsageInfo struct {
	TotalTokenUsage    TokenUsage `json:"total_token_usage"`
	LastTokenUsage     TokenUsage `json:"last_token_usage"`
	ModelContextWindow *int64     `json:"model_context_window,omitempty"`
}

type TokenCountEvent struct {
	Info       *TokenUsageInfo `json:"info,omitempty"`
	RateLimits json.RawMessage `json:"rate_limits,omitempty"`
}

func (*TokenCountEvent) EventType() EventType { return EventTokenCount }

type AgentMessageEvent struct {
	Message string `json:"message"`
}

func (*AgentMessageEvent) EventType() EventType { return EventAgentMessage }

type AgentMessageDeltaEvent struct {
	Delta string `json:"delta"`
}

func (*AgentMessageDeltaEvent) EventType() EventType { return EventAgentMessageDelta }

type AgentReasoningEvent struct {
	Text string `json:"text"`
}

func (*AgentReasoningEvent) EventType() EventType { return EventAgentReasoning }

type AgentReasoningDeltaEvent struct {
	Delta string `json:"delta"`
}

func (*AgentReasoningDeltaEvent) EventType() EventType { return EventAgentReasoningDelta }

type AgentReasoningRawContentEvent struct {
	Text string `json:"text"`
}

func (*AgentReasoningRawContentEvent) EventType() EventType { return EventAgentReasoningRawContent }

type AgentReasoningRawContentDeltaEvent struct {
	Delta string `json:"delta"`
}

func (*AgentReasoningRawContentDeltaEvent) EventType() EventType { return EventAgentReasoningRawDelta }

type AgentReasoningSectionBreakEvent struct{}

func (*AgentReasoningSectionBreakEvent) EventType() EventType {
	return EventAgentReasoningSectionBreak
}

// SessionConfiguredEvent describes the thread a round is bound to.
type SessionConfiguredEvent struct {
	SessionID         string  `json:"session_id"`
	Model             string  `json:"model"`
	ModelProviderID   string  `json:"model_provider_id"`
	Cwd               string  `json:"cwd"`
	ReasoningEffort   *string `json:"reasoning_effort,omitempty"`
	HistoryLogID      int64   `json:"history_log_id"`
	HistoryEntryCount int64   `json:"history_entry_count"`
	RolloutPath       string  `json:"rollout_path"`
}

func (*SessionConfiguredEvent) EventType() EventType { return EventSessionConfigured }

type WebSearchEndEvent struct {
	CallID string `json:"call_id"`
	Query  string `json:"query"`
}

func (*WebSearchEndEvent) EventType() EventType { return EventWebSearchEnd }

// ExecCommandSource says who initiated a command.
type ExecCommandSource string

const (
	ExecSourceAgent                  ExecCommandSource = "agent"
	ExecSourceUserShell              ExecCommandSource = "user_shell"
	ExecSourceUnifiedExecStartup     ExecCommandSource = "unified_exec_startup"
	ExecSourceUnifiedExecInteraction ExecCommandSource = "unified_exec_interaction"
)

// Duration is the serde encoding of a duration: {"secs":..,"nanos":..}.
type Duration struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

type ExecCommandEndEvent struct {
	CallID           string            `json:"call_id"`
	ProcessID        *string           `json:"process_id,omitempty"`
	TurnID           string            `json:"turn_id,omitempty"`
	Command          []string          `json:"command"`
	Cwd              string            `json:"cwd"`
	ParsedCmd        []ParsedCommand   `json:"parsed_cmd"`
	Source           ExecCommandSource `json:"source,omitempty"`
	InteractionInput *string           `json:"interaction_input,omitempty"`
	Stdout           string            `json:"stdout"`
	Stderr           string            `json:"stderr"`
	AggregatedOutput string            `json:"aggregated_output"`
	ExitCode         int               `json:"exit_code"`
	Duration         Duration          `json:"duration"`
	FormattedOutput  string            `json:"formatted_output"`
}

func (*ExecCommandEndEvent) EventType() EventType { return EventExecCommandEnd }

type ViewImageToolCallEvent struct {
	CallID string `json:"call_id"`
	Path   string `json:"path"`
}

func (*ViewImageToolCallEvent) EventType() EventType { return EventViewImageToolCall }

type DeprecationNoticeEvent struct {
	Summary string  `json:"summary"`
	Details *string `json:"details,omitempty"`
}

func (*DeprecationNoticeEvent) EventType() EventType { return EventDeprecationNotice }

type PatchApplyEndEvent struct {
	CallID  string                     `json:"call_id"`
	TurnID  string                     `json:"turn_id,omitempty"`
	Stdout  string                     `json:"stdout"`
	Stderr  string                     `json:"stderr"`
	Success bool                       `json:"success"`
	Changes map[string]json.RawMessage `json:"changes,omitempty"`
}

func (*PatchApplyEndEvent) EventType() EventType { return EventPatchApplyEnd }

// PlanStepStatus is the status of one plan step.
type PlanStepStatus string

const (
	PlanPending    PlanStepStatus = "pending"
	PlanInProgress PlanStepStatus = "in_progress"
	PlanCompleted  PlanStepStatus = "completed"
)

type PlanItem struct {
	Step   string         `json:"step"`
	Status PlanStepStatus `json:"status"`
}

type PlanUpdateEvent struct {
	Explanation *string    `json:"explanation,omitempty"`
	Plan        []PlanItem `json:"plan"`
}

func (*PlanUpdateEvent) EventType() EventType { return EventPlanUpdate }

type ThreadRolledBackEvent struct {
	NumTurns int `json:"num_turns"`
}

func (*ThreadRolledBackEvent) EventType() EventType { return EventThreadRolledBack }
