package orchestrator

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

	"github.com/iambrandonn/potter/internal/bridge"
	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/pkg/testharness"
)

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

func recordedMethods(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var methods []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var m protocol.Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		if m.Method == protocol.MethodThreadStart || m.Method == protocol.MethodThreadResume {
			methods = append(methods, m.Method)
		}
	}
	require.NoError(t, scanner.Err())
	return methods
}

func TestSessionAgainstFakeAppServer(t *testing.T) {
	bin := buildFakeAppServer(t)
	workdir := t.TempDir()

	steps := append([]testharness.Step{{
		Edit: &testharness.FileEdit{
			Path: ".codexpotter/projects/20260201_1/MAIN.md",
			Old:  "finite_incantatem: false",
			New:  "finite_incantatem: true",
		},
	}}, testharness.CompletedTurn("all done")...)
	record := useScenario(t, testharness.Scenario{
		ThreadID:   "thread-fake",
		Model:      "gpt-fake",
		RolloutDir: t.TempDir(),
		Turns:      [][]testharness.Step{steps},
	})

	newOrchestrator := func(ui UI) *Orchestrator {
		o := NewOrchestrator(Options{
			Workdir:    workdir,
			Rounds:     3,
			Process:    bridge.ProcessConfig{CodexBin: bin, CodexHome: t.TempDir()},
			ClientInfo: bridge.NewClientInfo("test"),
			EventLog:   true,
		}, ui, testLogger())
		o.SetClock(func() time.Time { return testNow })
		return o
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ui := &recordingUI{}
	res, err := newOrchestrator(ui).Run(ctx, "make it so")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)
	assert.Nil(t, res.Interrupted)
	assert.Equal(t, []string{protocol.MethodThreadStart}, recordedMethods(t, record))

	projectDir := filepath.Dir(progressFile(workdir, "20260201_1"))
	idx := readIndex(t, projectDir)
	require.Len(t, idx.CompletedRounds, 1)
	first := idx.CompletedRounds[0]
	assert.Equal(t, "thread-fake", first.ThreadID)
	assert.FileExists(t, first.RolloutPath)
	require.NotNil(t, first.SessionSucceeded)
	assert.Equal(t, uint32(1), first.SessionSucceeded.Rounds)

	// Resuming a finished project replays it, resets the flag and runs a
	// fresh batch, which the scripted edit finishes again.
	replayUI := &recordingUI{}
	res, err = newOrchestrator(replayUI).Resume(ctx, "20260201_1")
	require.NoError(t, err)
	assert.Nil(t, res.Interrupted)

	idx = readIndex(t, projectDir)
	require.Len(t, idx.CompletedRounds, 2)
	second := idx.CompletedRounds[1]
	require.NotNil(t, second.SessionSucceeded)
	assert.Equal(t, uint32(2), second.SessionSucceeded.Rounds)
	assert.Equal(t, protocol.Completed(), second.Outcome)
	assert.Equal(t, []string{protocol.MethodThreadStart, protocol.MethodThreadStart}, recordedMethods(t, record))

	// The replayed round, then the new one.
	assert.Len(t, replayUI.roundStarts(), 2)
}
