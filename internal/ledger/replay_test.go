package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/internal/translator"
)

func item(typ, payload string) RolloutItem {
	return RolloutItem{Type: typ, Payload: json.RawMessage(payload)}
}

func sampleRollout() []RolloutItem {
	return []RolloutItem{
		item(RolloutSessionMeta, `{"id":"thread-1","model_provider":"openai"}`),
		item("response_item", `{"type":"message"}`),
		item(RolloutTurnContext, `{"cwd":"/work","model":"gpt-5"}`),
		item(RolloutEventMsg, `{"type":"task_started","model_context_window":272000}`),
		item(RolloutEventMsg, `{"type":"agent_message","message":"done"}`),
		item(RolloutTurnContext, `{"cwd":"/other","model":"other"}`),
		item(RolloutEventMsg, `{"type":"task_complete","last_agent_message":"done"}`),
	}
}

func memoryReader(rollouts map[string][]RolloutItem) RolloutReader {
	return func(path string) ([]RolloutItem, error) {
		items, ok := rollouts[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return items, nil
	}
}

func eventTypes(msgs []protocol.EventMsg) []protocol.EventType {
	out := make([]protocol.EventType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type()
	}
	return out
}

func TestConfigSnapshot(t *testing.T) {
	snap, ok := ConfigSnapshot(sampleRollout())
	require.True(t, ok)
	assert.Equal(t, Snapshot{Cwd: "/work", Model: "gpt-5", ModelProvider: "openai"}, snap)

	// Provider is optional.
	snap, ok = ConfigSnapshot([]RolloutItem{item(RolloutTurnContext, `{"cwd":"/work","model":"gpt-5"}`)})
	require.True(t, ok)
	assert.Empty(t, snap.ModelProvider)

	// cwd and model may come from different turn contexts.
	snap, ok = ConfigSnapshot([]RolloutItem{
		item(RolloutTurnContext, `{"cwd":"/work"}`),
		item(RolloutTurnContext, `{"model":"gpt-5"}`),
	})
	require.True(t, ok)
	assert.Equal(t, "gpt-5", snap.Model)

	_, ok = ConfigSnapshot([]RolloutItem{item(RolloutTurnContext, `{"cwd":"/work"}`)})
	assert.False(t, ok)

	_, ok = ConfigSnapshot([]RolloutItem{item(RolloutSessionMeta, `{"model_provider":"openai"}`)})
	assert.False(t, ok)

	_, ok = ConfigSnapshot(nil)
	assert.False(t, ok)
}

func TestEventMsgsFiltersToEvents(t *testing.T) {
	msgs, err := EventMsgs(sampleRollout())
	require.NoError(t, err)
	assert.Equal(t, []protocol.EventType{
		protocol.EventTurnStarted,
		protocol.EventAgentMessage,
		protocol.EventTurnComplete,
	}, eventTypes(msgs))

	_, err = EventMsgs([]RolloutItem{{Type: RolloutEventMsg}})
	assert.Error(t, err)
}

func TestReadRollout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	content := `{"type":"session_meta","payload":{"model_provider":"openai"}}` + "\n" +
		"\n" +
		`{"no_type":true}` + "\n" +
		`{"type":"event_msg","payload":{"type":"agent_message","message":"hi"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	items, err := ReadRollout(path, testLogger())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, RolloutSessionMeta, items[0].Type)
	assert.Equal(t, RolloutEventMsg, items[1].Type)

	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0600))
	_, err = ReadRollout(path, testLogger())
	assert.Error(t, err)
}

func TestPlanReplayCompletedRounds(t *testing.T) {
	idx := &Index{
		SessionStarted: SessionStarted{UserMessage: strPtr("goal"), UserPromptFile: ".codexpotter/projects/20260101_1/MAIN.md"},
		CompletedRounds: []CompletedRound{
			{Current: 1, Total: 2, ThreadID: "thread-1", RolloutPath: "rollouts/one.jsonl", Outcome: protocol.Completed()},
			{
				Current: 2, Total: 2, ThreadID: "thread-2", RolloutPath: "/abs/two.jsonl",
				SessionSucceeded: &SessionSucceeded{Rounds: 2, DurationSecs: 90, UserPromptFile: "MAIN.md"},
				Outcome:          protocol.Completed(),
			},
		},
	}
	project := ProjectPaths{Workdir: "/work", ProjectDir: "/work/.codexpotter/projects/20260101_1"}
	read := memoryReader(map[string][]RolloutItem{
		"/work/rollouts/one.jsonl": sampleRollout(),
		"/abs/two.jsonl":           {item(RolloutEventMsg, `{"type":"agent_message","message":"second"}`)},
	})

	plan, err := PlanReplay(idx, project, read)
	require.NoError(t, err)
	require.Len(t, plan.Completed, 2)
	assert.Nil(t, plan.Unfinished)

	first := plan.Completed[0]
	assert.Equal(t, []protocol.EventType{
		protocol.EventPotterSessionStarted,
		protocol.EventPotterRoundStarted,
		protocol.EventSessionConfigured,
		protocol.EventTurnStarted,
		protocol.EventAgentMessage,
		protocol.EventTurnComplete,
		protocol.EventPotterRoundFinished,
	}, eventTypes(first.Events))

	started := first.Events[0].Payload.(*protocol.PotterSessionStartedEvent)
	assert.Equal(t, "/work", started.WorkingDir)
	assert.Equal(t, project.ProjectDir, started.ProjectDir)
	assert.Equal(t, "goal", *started.UserMessage)

	cfg := first.Events[2].Payload.(*protocol.SessionConfiguredEvent)
	assert.Equal(t, "thread-1", cfg.SessionID)
	assert.Equal(t, "/work", cfg.Cwd)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, "openai", cfg.ModelProviderID)
	assert.Equal(t, "/work/rollouts/one.jsonl", cfg.RolloutPath)

	// No snapshot in the second rollout, so no session_configured.
	assert.Equal(t, []protocol.EventType{
		protocol.EventPotterRoundStarted,
		protocol.EventAgentMessage,
		protocol.EventPotterSessionSucceeded,
		protocol.EventPotterRoundFinished,
	}, eventTypes(plan.Completed[1].Events))
}

func TestPlanReplayMissingRollout(t *testing.T) {
	idx := &Index{
		SessionStarted:  SessionStarted{UserPromptFile: "MAIN.md"},
		CompletedRounds: []CompletedRound{{Current: 1, Total: 1, ThreadID: "t", RolloutPath: "/gone.jsonl", Outcome: protocol.Completed()}},
	}
	_, err := PlanReplay(idx, ProjectPaths{Workdir: "/work"}, memoryReader(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "/gone.jsonl")
}

func TestUnfinishedRoundReplayIsNotRenderedAsFinished(t *testing.T) {
	path := writeLedger(t, lineSessionStarted, lineRoundStarted, lineRoundConfigured)
	records, err := ReadAll(path, testLogger())
	require.NoError(t, err)
	idx, err := BuildIndex(records)
	require.NoError(t, err)

	project := ProjectPaths{Workdir: "/work", ProjectDir: "/work/.codexpotter/projects/20260101_1"}
	read := memoryReader(map[string][]RolloutItem{"/tmp/rollout-1.jsonl": sampleRollout()})
	plan, err := PlanReplay(idx, project, read)
	require.NoError(t, err)
	assert.Empty(t, plan.Completed)
	require.NotNil(t, plan.Unfinished)
	require.NotNil(t, plan.Unfinished.SessionStarted)

	events := plan.Unfinished.PreActionEvents(project)
	assert.Equal(t, []protocol.EventType{
		protocol.EventPotterSessionStarted,
		protocol.EventPotterRoundStarted,
		protocol.EventPotterRoundFinished,
	}, eventTypes(events))
	finished := events[2].Payload.(*protocol.PotterRoundFinishedEvent)
	assert.True(t, finished.Synthetic)

	tr := translator.New(translator.Options{})
	var cells []translator.Cell
	for _, ev := range events {
		for _, out := range tr.Handle(ev) {
			if ins, ok := out.(translator.InsertCell); ok {
				cells = append(cells, ins.Cell)
			}
		}
	}
	require.Len(t, cells, 3)
	assert.IsType(t, &translator.UserPromptCell{}, cells[0])
	assert.IsType(t, &translator.SessionStartedCell{}, cells[1])
	assert.IsType(t, &translator.RoundStartedCell{}, cells[2])

	cont, err := plan.Unfinished.ContinueEvents(read)
	require.NoError(t, err)
	assert.Equal(t, []protocol.EventType{
		protocol.EventSessionConfigured,
		protocol.EventTurnStarted,
		protocol.EventAgentMessage,
		protocol.EventTurnComplete,
	}, eventTypes(cont))

	remaining, err := plan.Unfinished.RemainingRounds()
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)
}

func TestUnfinishedAfterCompletedHasNoSessionHeader(t *testing.T) {
	idx := &Index{
		SessionStarted:  SessionStarted{UserPromptFile: "MAIN.md"},
		CompletedRounds: []CompletedRound{{Current: 1, Total: 3, ThreadID: "t1", RolloutPath: "/r1", Outcome: protocol.Completed()}},
		UnfinishedRound: &UnfinishedRound{Current: 2, Total: 3, ThreadID: "t2", RolloutPath: "r2"},
	}
	plan, err := PlanReplay(idx, ProjectPaths{Workdir: "/work"}, memoryReader(map[string][]RolloutItem{"/r1": nil}))
	require.NoError(t, err)
	require.NotNil(t, plan.Unfinished)
	assert.Nil(t, plan.Unfinished.SessionStarted)
	assert.Equal(t, "/work/r2", plan.Unfinished.RolloutPath)
	assert.Equal(t, []protocol.EventType{
		protocol.EventPotterRoundStarted,
		protocol.EventPotterRoundFinished,
	}, eventTypes(plan.Unfinished.PreActionEvents(ProjectPaths{Workdir: "/work"})))

	remaining, err := plan.Unfinished.RemainingRounds()
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRemainingRoundsValidation(t *testing.T) {
	tests := []struct {
		current, total uint32
		want           int
		wantErr        string
	}{
		{1, 1, 1, ""},
		{3, 10, 8, ""},
		{0, 10, 0, "current must be >= 1"},
		{1, 0, 0, "total must be >= 1"},
		{4, 3, 0, "exceeds round total"},
	}
	for _, tt := range tests {
		u := &UnfinishedPlan{Current: tt.current, Total: tt.total}
		got, err := u.RemainingRounds()
		if tt.wantErr != "" {
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
