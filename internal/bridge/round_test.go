package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/pkg/testharness"
)

func msg(p protocol.EventPayload) protocol.EventMsg {
	return protocol.NewEventMsg(p)
}

func stepTypes(st step) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(st.emit))
	for _, m := range st.emit {
		out = append(out, m.Type())
	}
	return out
}

func finishedOutcome(t *testing.T, st step) protocol.RoundOutcome {
	t.Helper()
	require.NotEmpty(t, st.emit)
	last := st.emit[len(st.emit)-1]
	finished, ok := last.Payload.(*protocol.PotterRoundFinishedEvent)
	require.True(t, ok, "last event is %s", last.Type())
	return finished.Outcome
}

func startedTracker() *roundTracker {
	tr := newRoundTracker()
	tr.turnSubmitted()
	return tr
}

func TestRoundTrackerTerminalEventsFinishOnce(t *testing.T) {
	done := "all done"
	tests := []struct {
		name string
		ev   protocol.EventPayload
		want protocol.RoundOutcome
	}{
		{name: "turn complete", ev: &protocol.TurnCompleteEvent{LastAgentMessage: &done}, want: protocol.Completed()},
		{name: "empty turn complete", ev: &protocol.TurnCompleteEvent{}, want: protocol.Completed()},
		{name: "interrupted", ev: &protocol.TurnAbortedEvent{Reason: protocol.AbortInterrupted}, want: protocol.UserRequested()},
		{name: "review ended", ev: &protocol.TurnAbortedEvent{Reason: protocol.AbortReviewEnded}, want: protocol.UserRequested()},
		{name: "fatal error", ev: &protocol.ErrorEvent{Message: "quota exceeded"}, want: protocol.Fatal("quota exceeded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := startedTracker()

			st := tr.observe(msg(tt.ev))
			require.Equal(t, []protocol.EventType{tt.ev.EventType(), protocol.EventPotterRoundFinished}, stepTypes(st))
			require.Equal(t, tt.want, finishedOutcome(t, st))
			require.True(t, tr.finished)

			// Anything after the marker is dropped.
			again := tr.observe(msg(tt.ev))
			require.Empty(t, again.emit)
			require.Nil(t, tr.finish(protocol.Completed()))
		})
	}
}

func TestRoundTrackerNonTerminalEventsPassThrough(t *testing.T) {
	tr := startedTracker()

	for _, p := range []protocol.EventPayload{
		&protocol.TurnStartedEvent{},
		&protocol.AgentMessageDeltaEvent{Delta: "hi"},
		&protocol.TokenCountEvent{},
		&protocol.TurnAbortedEvent{Reason: protocol.AbortReplaced},
		&protocol.StreamErrorEvent{Message: "reconnecting"},
	} {
		st := tr.observe(msg(p))
		require.Equal(t, []protocol.EventType{p.EventType()}, stepTypes(st))
		require.Nil(t, st.retry)
	}
	require.False(t, tr.finished)
}

func TestRoundTrackerDropsRollbackAcknowledgement(t *testing.T) {
	tr := startedTracker()
	st := tr.observe(msg(&protocol.ThreadRolledBackEvent{NumTurns: 1}))
	require.Empty(t, st.emit)
	require.False(t, tr.finished)
}

func TestRoundTrackerPlansRetryForStreamError(t *testing.T) {
	tr := startedTracker()

	st := tr.observe(msg(retryableError()))
	require.Equal(t, []protocol.EventType{protocol.EventPotterStreamRecoveryUpdate}, stepTypes(st))
	update := st.emit[0].Payload.(*protocol.PotterStreamRecoveryUpdateEvent)
	assert.Equal(t, uint32(1), update.Attempt)
	assert.Equal(t, uint32(MaxStreamRecoveryRetries), update.MaxAttempts)
	assert.Equal(t, retryableError().Message, update.ErrorMessage)
	require.Nil(t, st.retry)

	// A second error before turn_complete does not plan again.
	st = tr.observe(msg(retryableError()))
	require.Empty(t, st.emit)

	// The empty turn_complete that follows is swallowed and releases the retry.
	st = tr.observe(msg(&protocol.TurnCompleteEvent{}))
	require.Empty(t, st.emit)
	require.NotNil(t, st.retry)
	require.Equal(t, uint32(1), st.retry.attempt)
	require.Equal(t, time.Duration(0), st.retry.backoff)
	require.False(t, tr.finished)
}

func TestRoundTrackerStreamErrorBeforeTurnIsFatal(t *testing.T) {
	tr := newRoundTracker()
	st := tr.observe(msg(retryableError()))
	require.Equal(t, []protocol.EventType{protocol.EventError, protocol.EventPotterRoundFinished}, stepTypes(st))
	require.Equal(t, protocol.OutcomeFatal, finishedOutcome(t, st).Kind)
}

func TestRoundTrackerRecoversOnActivity(t *testing.T) {
	tr := startedTracker()
	tr.observe(msg(retryableError()))
	tr.observe(msg(&protocol.TurnCompleteEvent{}))

	st := tr.observe(msg(&protocol.AgentMessageEvent{Message: "back"}))
	require.Equal(t, []protocol.EventType{
		protocol.EventPotterStreamRecoveryRecovered,
		protocol.EventAgentMessage,
	}, stepTypes(st))

	done := "back"
	st = tr.observe(msg(&protocol.TurnCompleteEvent{LastAgentMessage: &done}))
	require.Equal(t, protocol.Completed(), finishedOutcome(t, st))
}

func TestRoundTrackerGivesUpAsTaskFailed(t *testing.T) {
	tr := startedTracker()

	for i := 1; i <= MaxStreamRecoveryRetries; i++ {
		st := tr.observe(msg(retryableError()))
		require.Equal(t, []protocol.EventType{protocol.EventPotterStreamRecoveryUpdate}, stepTypes(st), "attempt %d", i)
		st = tr.observe(msg(&protocol.TurnCompleteEvent{}))
		require.NotNil(t, st.retry)
		require.Equal(t, uint32(i), st.retry.attempt)
	}

	st := tr.observe(msg(retryableError()))
	require.Equal(t, []protocol.EventType{
		protocol.EventPotterStreamRecoveryGaveUp,
		protocol.EventPotterRoundFinished,
	}, stepTypes(st))

	gaveUp := st.emit[0].Payload.(*protocol.PotterStreamRecoveryGaveUpEvent)
	assert.Equal(t, uint32(10), gaveUp.Attempts)
	assert.Equal(t, uint32(10), gaveUp.MaxAttempts)

	outcome := finishedOutcome(t, st)
	require.Equal(t, protocol.OutcomeTaskFailed, outcome.Kind)
	require.Contains(t, outcome.Message, "(stream recovery gave up after 10/10 retries)")
}

func TestRoundTrackerUserTurnEndsStreak(t *testing.T) {
	tr := startedTracker()
	tr.observe(msg(retryableError()))

	emitted := tr.turnSubmitted()
	require.Len(t, emitted, 1)
	require.Equal(t, protocol.EventPotterStreamRecoveryRecovered, emitted[0].Type())
	require.Nil(t, tr.pending)
	require.Empty(t, tr.turnSubmitted())
}

// The tests below spawn the fake-app-server binary.

func buildFakeAppServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}

	root, err := testharness.DetectRepoRoot()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	path, err := testharness.BuildBinary(ctx, root, t.TempDir(), "fake-app-server")
	require.NoError(t, err)
	return path
}

// useScenario points the fake binary at a scenario file and returns the
// path its inbound traffic is recorded to.
func useScenario(t *testing.T, scenario testharness.Scenario) string {
	t.Helper()
	dir := t.TempDir()

	data, err := json.Marshal(scenario)
	require.NoError(t, err)
	scenarioPath := filepath.Join(dir, "scenario.json")
	require.NoError(t, os.WriteFile(scenarioPath, data, 0o600))

	recordPath := filepath.Join(dir, "record.jsonl")
	t.Setenv("FAKE_APP_SERVER_SCENARIO", scenarioPath)
	t.Setenv("FAKE_APP_SERVER_RECORD", recordPath)
	return recordPath
}

func readRecord(t *testing.T, path string) []protocol.Message {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []protocol.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var m protocol.Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, scanner.Err())
	return out
}

func turnPrompts(t *testing.T, record []protocol.Message) []string {
	t.Helper()
	var prompts []string
	for _, m := range record {
		if m.Method != protocol.MethodTurnStart {
			continue
		}
		var params protocol.TurnStartParams
		require.NoError(t, json.Unmarshal(m.Params, &params))
		require.Len(t, params.Input, 1)
		prompts = append(prompts, params.Input[0].Text)
	}
	return prompts
}

func runRound(t *testing.T, cfg RoundConfig) ([]protocol.EventMsg, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make(chan protocol.EventMsg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunRound(ctx, cfg, out, testLogger())
	}()

	var events []protocol.EventMsg
	for ev := range out {
		events = append(events, ev)
	}
	return events, <-errCh
}

func msgTypes(events []protocol.EventMsg) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type())
	}
	return out
}

func countType(events []protocol.EventMsg, typ protocol.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func TestRunRoundCompletes(t *testing.T) {
	bin := buildFakeAppServer(t)
	record := useScenario(t, testharness.Scenario{
		ThreadID: "thread-happy",
		Turns: [][]testharness.Step{{
			testharness.EventStep(&protocol.TurnStartedEvent{}),
			testharness.RequestStep(protocol.MethodCommandExecutionApproval),
			testharness.EventStep(&protocol.AgentMessageEvent{Message: "finished"}),
			testharness.EventStep(&protocol.TurnCompleteEvent{}),
		}},
	})

	events, err := runRound(t, RoundConfig{
		Process: ProcessConfig{
			CodexBin:  bin,
			Launch:    LaunchConfigFromCLI(protocol.SandboxWorkspaceWrite, false),
			CodexHome: t.TempDir(),
		},
		ClientInfo:            NewClientInfo("test"),
		Cwd:                   t.TempDir(),
		DeveloperInstructions: "follow MAIN.md",
		Prompt:                "Work on MAIN.md",
	})
	require.NoError(t, err)

	require.Equal(t, []protocol.EventType{
		protocol.EventSessionConfigured,
		protocol.EventTurnStarted,
		protocol.EventAgentMessage,
		protocol.EventTurnComplete,
		protocol.EventPotterRoundFinished,
	}, msgTypes(events))
	configured := events[0].Payload.(*protocol.SessionConfiguredEvent)
	require.Equal(t, "thread-happy", configured.SessionID)
	require.Equal(t, protocol.Completed(), events[len(events)-1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome)

	recorded := readRecord(t, record)
	require.Equal(t, "fake/launch", recorded[0].Method)
	var launch struct {
		Args    []string `json:"args"`
		Sandbox string   `json:"sandbox"`
	}
	require.NoError(t, json.Unmarshal(recorded[0].Params, &launch))
	require.Equal(t, []string{"--sandbox", "workspace-write", "app-server"}, launch.Args)
	require.Equal(t, []string{"Work on MAIN.md"}, turnPrompts(t, recorded))
}

func TestRunRoundResumesThread(t *testing.T) {
	bin := buildFakeAppServer(t)
	record := useScenario(t, testharness.Scenario{})

	events, err := runRound(t, RoundConfig{
		Process:        ProcessConfig{CodexBin: bin},
		ClientInfo:     NewClientInfo("test"),
		Prompt:         ContinuePrompt,
		ResumeThreadID: "thread-old",
	})
	require.NoError(t, err)
	require.Equal(t, protocol.Completed(), events[len(events)-1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome)

	recorded := readRecord(t, record)
	var resumed []protocol.Message
	for _, m := range recorded {
		require.NotEqual(t, protocol.MethodThreadStart, m.Method)
		if m.Method == protocol.MethodThreadResume {
			resumed = append(resumed, m)
		}
	}
	require.Len(t, resumed, 1)

	var params protocol.ThreadResumeParams
	require.NoError(t, json.Unmarshal(resumed[0].Params, &params))
	require.Equal(t, "thread-old", params.ThreadID)
}

func TestRunRoundRecoversFromStreamErrors(t *testing.T) {
	bin := buildFakeAppServer(t)

	disconnected := func() []testharness.Step {
		return []testharness.Step{
			testharness.EventStep(&protocol.TurnStartedEvent{}),
			testharness.EventStep(retryableError()),
			testharness.EventStep(&protocol.TurnCompleteEvent{}),
		}
	}
	record := useScenario(t, testharness.Scenario{
		Turns: [][]testharness.Step{
			disconnected(),
			disconnected(),
			testharness.CompletedTurn("recovered"),
		},
	})

	events, err := runRound(t, RoundConfig{
		Process:    ProcessConfig{CodexBin: bin},
		ClientInfo: NewClientInfo("test"),
		Prompt:     "Work on MAIN.md",
	})
	require.NoError(t, err)

	require.Equal(t, 2, countType(events, protocol.EventPotterStreamRecoveryUpdate))
	require.Equal(t, 1, countType(events, protocol.EventPotterStreamRecoveryRecovered))
	require.Zero(t, countType(events, protocol.EventError))
	require.Zero(t, countType(events, protocol.EventThreadRolledBack))
	require.Equal(t, 1, countType(events, protocol.EventPotterRoundFinished))
	require.Equal(t, protocol.Completed(), events[len(events)-1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome)

	recorded := readRecord(t, record)
	require.Equal(t, []string{"Work on MAIN.md", ContinuePrompt, ContinuePrompt}, turnPrompts(t, recorded))

	var rollbacks []protocol.ThreadRollbackParams
	for _, m := range recorded {
		if m.Method == protocol.MethodThreadRollback {
			var p protocol.ThreadRollbackParams
			require.NoError(t, json.Unmarshal(m.Params, &p))
			rollbacks = append(rollbacks, p)
		}
	}
	require.Len(t, rollbacks, 1)
	require.Equal(t, 1, rollbacks[0].NumTurns)
}

func TestRunRoundReportsSpawnFailure(t *testing.T) {
	events, err := runRound(t, RoundConfig{
		Process:    ProcessConfig{CodexBin: filepath.Join(t.TempDir(), "missing-codex")},
		ClientInfo: NewClientInfo("test"),
		Prompt:     "x",
	})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	require.Equal(t, []protocol.EventType{protocol.EventError, protocol.EventPotterRoundFinished}, msgTypes(events))
	outcome := events[1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome
	require.Equal(t, protocol.OutcomeFatal, outcome.Kind)
	require.Contains(t, outcome.Message, "Failed to run codex app-server")
	require.Contains(t, outcome.Message, "missing-codex")
}

func TestRunRoundAnnotatesUnexpectedExitWithStderr(t *testing.T) {
	bin := buildFakeAppServer(t)
	useScenario(t, testharness.Scenario{
		Stderr:    "fatal: auth token expired\n",
		ExitAfter: protocol.MethodTurnStart,
		Turns: [][]testharness.Step{{
			testharness.EventStep(&protocol.TurnStartedEvent{}),
		}},
	})

	events, err := runRound(t, RoundConfig{
		Process:    ProcessConfig{CodexBin: bin},
		ClientInfo: NewClientInfo("test"),
		Prompt:     "x",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "codex app-server exited unexpectedly")
	require.Contains(t, err.Error(), "app-server stderr:\nfatal: auth token expired")

	require.Equal(t, 1, countType(events, protocol.EventPotterRoundFinished))
	outcome := events[len(events)-1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome
	require.Equal(t, protocol.OutcomeFatal, outcome.Kind)
	require.Contains(t, outcome.Message, "fatal: auth token expired")
}

func TestRunRoundCancelIsUserRequested(t *testing.T) {
	bin := buildFakeAppServer(t)
	useScenario(t, testharness.Scenario{
		Turns: [][]testharness.Step{{
			testharness.EventStep(&protocol.TurnStartedEvent{}),
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan protocol.EventMsg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunRound(ctx, RoundConfig{
			Process:    ProcessConfig{CodexBin: bin},
			ClientInfo: NewClientInfo("test"),
			Prompt:     "x",
		}, out, testLogger())
	}()

	var events []protocol.EventMsg
	for ev := range out {
		events = append(events, ev)
		if ev.Type() == protocol.EventTurnStarted {
			cancel()
		}
	}
	require.ErrorIs(t, <-errCh, context.Canceled)

	require.Equal(t, 1, countType(events, protocol.EventPotterRoundFinished))
	require.Equal(t, protocol.UserRequested(), events[len(events)-1].Payload.(*protocol.PotterRoundFinishedEvent).Outcome)
}
