package ledger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/potter/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

// writeLedger writes raw lines, each followed by a newline.
func writeLedger(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const (
	lineSessionStarted  = `{"type":"session_started","user_message":"fix it","user_prompt_file":".codexpotter/projects/20260101_1/MAIN.md"}`
	lineRoundStarted    = `{"type":"round_started","current":1,"total":10}`
	lineRoundConfigured = `{"type":"round_configured","thread_id":"thread-1","rollout_path":"/tmp/rollout-1.jsonl"}`
	lineRoundFinished   = `{"type":"round_finished","outcome":{"kind":"completed"}}`
)

func TestAppendReadAllRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "projects", "20260101_1")
	l := New(dir, testLogger())

	entries := []Entry{
		&SessionStarted{UserMessage: strPtr("hello"), UserPromptFile: ".codexpotter/projects/20260101_1/MAIN.md"},
		&RoundStarted{Current: 1, Total: 10},
		&RoundConfigured{ThreadID: "thread-1", RolloutPath: "/tmp/rollout.jsonl"},
		&SessionSucceeded{Rounds: 1, DurationSecs: 30, UserPromptFile: "MAIN.md", GitCommitStart: "abc", GitCommitEnd: "def"},
		&RoundFinished{Outcome: protocol.Completed()},
		&RoundStarted{Current: 2, Total: 10},
		&RoundConfigured{ThreadID: "thread-2", RolloutPath: "/tmp/rollout-2.jsonl"},
		&RoundFinished{Outcome: protocol.TaskFailed("boom")},
	}
	for _, e := range entries {
		require.NoError(t, l.Append(e))
	}

	records, err := ReadAll(l.Path(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, entries, Entries(records))
	for i, r := range records {
		assert.Equal(t, i+1, r.Line)
	}

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, `{"type":"session_started","user_message":"hello","user_prompt_file":".codexpotter/projects/20260101_1/MAIN.md"}`, first)
}

func TestAppendNeverRewrites(t *testing.T) {
	l := New(t.TempDir(), testLogger())
	require.NoError(t, l.Append(&SessionStarted{UserPromptFile: "MAIN.md"}))
	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	require.NoError(t, l.Append(&RoundStarted{Current: 1, Total: 1}))
	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)))
	assert.Contains(t, string(before), `"user_message":null`)
}

func TestReadAllTruncatedAfterConfigured(t *testing.T) {
	path := writeLedger(t, lineSessionStarted, lineRoundStarted, lineRoundConfigured)

	records, err := ReadAll(path, testLogger())
	require.NoError(t, err)
	require.Len(t, records, 3)

	idx, err := BuildIndex(records)
	require.NoError(t, err)
	assert.Empty(t, idx.CompletedRounds)
	require.NotNil(t, idx.UnfinishedRound)
	assert.Equal(t, UnfinishedRound{Current: 1, Total: 10, ThreadID: "thread-1", RolloutPath: "/tmp/rollout-1.jsonl"}, *idx.UnfinishedRound)
}

func TestReadAllSkipsUnknownTypes(t *testing.T) {
	path := writeLedger(t,
		lineSessionStarted,
		`{"type":"round_annotated","note":"from a newer version"}`,
		lineRoundStarted,
		lineRoundConfigured,
		lineRoundFinished,
	)

	records, err := ReadAll(path, testLogger())
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, 3, records[1].Line)
}

func TestReadAllEmptyFile(t *testing.T) {
	path := writeLedger(t)
	records, err := ReadAll(path, testLogger())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadIndex(t *testing.T) {
	t.Run("indexes the file", func(t *testing.T) {
		path := writeLedger(t, lineSessionStarted, lineRoundStarted, lineRoundConfigured, lineRoundFinished)
		idx, err := ReadIndex(path, testLogger())
		require.NoError(t, err)
		require.NotNil(t, idx)
		require.Len(t, idx.CompletedRounds, 1)
		assert.Equal(t, "thread-1", idx.CompletedRounds[0].ThreadID)
		assert.Equal(t, 1, idx.FinishedRounds())
	})

	t.Run("empty file has no index", func(t *testing.T) {
		idx, err := ReadIndex(writeLedger(t), testLogger())
		require.NoError(t, err)
		assert.Nil(t, idx)
	})

	t.Run("ordering errors name the file", func(t *testing.T) {
		path := writeLedger(t, lineRoundStarted)
		_, err := ReadIndex(path, testLogger())
		var corrupt *CorruptionError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, path, corrupt.Path)
		assert.Equal(t, 1, corrupt.Line)
	})
}

func TestReadAllMissingFile(t *testing.T) {
	_, err := ReadAll(filepath.Join(t.TempDir(), FileName), testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadAllCorruption(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantLine  int
		wantEntry EntryType
		wantText  string
	}{
		{
			name:      "finished without started",
			lines:     []string{lineSessionStarted, lineRoundFinished},
			wantLine:  2,
			wantEntry: EntryRoundFinished,
			wantText:  "round_finished without round_started",
		},
		{
			name:      "finished without configured",
			lines:     []string{lineSessionStarted, lineRoundStarted, lineRoundFinished},
			wantLine:  3,
			wantEntry: EntryRoundFinished,
			wantText:  "round_finished without round_configured",
		},
		{
			name:      "round before session",
			lines:     []string{lineRoundStarted},
			wantLine:  1,
			wantEntry: EntryRoundStarted,
			wantText:  "missing session_started",
		},
		{
			name:      "second session_started",
			lines:     []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured, lineRoundFinished, lineSessionStarted},
			wantLine:  5,
			wantEntry: EntrySessionStarted,
			wantText:  "must appear once",
		},
		{
			name:      "overlapping rounds",
			lines:     []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured, lineRoundStarted},
			wantLine:  4,
			wantEntry: EntryRoundStarted,
			wantText:  "before previous round_finished",
		},
		{
			name:      "duplicate configured",
			lines:     []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured, lineRoundConfigured},
			wantLine:  4,
			wantEntry: EntryRoundConfigured,
			wantText:  "duplicate round_configured",
		},
		{
			name:      "unconfigured round at EOF",
			lines:     []string{lineSessionStarted, lineRoundStarted},
			wantLine:  2,
			wantEntry: EntryRoundStarted,
			wantText:  "missing round_configured at EOF",
		},
		{
			name: "succeeded without finished at EOF",
			lines: []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured,
				`{"type":"session_succeeded","rounds":1,"duration_secs":3,"user_prompt_file":"MAIN.md","git_commit_start":"","git_commit_end":""}`},
			wantLine:  4,
			wantEntry: EntrySessionSucceeded,
			wantText:  "session_succeeded without round_finished",
		},
		{
			name:      "session without rounds",
			lines:     []string{lineSessionStarted},
			wantLine:  1,
			wantEntry: EntrySessionStarted,
			wantText:  "no rounds found",
		},
		{
			name:     "empty line",
			lines:    []string{lineSessionStarted, "", lineRoundStarted},
			wantLine: 2,
			wantText: "empty line",
		},
		{
			name:     "whitespace line",
			lines:    []string{lineSessionStarted, "   ", lineRoundStarted},
			wantLine: 2,
			wantText: "empty line",
		},
		{
			name:     "trailing empty line",
			lines:    []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured, lineRoundFinished, ""},
			wantLine: 5,
			wantText: "empty line",
		},
		{
			name:     "invalid JSON",
			lines:    []string{lineSessionStarted, `{"type":"round_started",`},
			wantLine: 2,
			wantText: "invalid JSON",
		},
		{
			name:      "missing required field",
			lines:     []string{lineSessionStarted, `{"type":"round_started","current":1}`},
			wantLine:  2,
			wantEntry: EntryRoundStarted,
			wantText:  `missing required field "total"`,
		},
		{
			name:      "null required field",
			lines:     []string{`{"type":"session_started","user_prompt_file":null}`},
			wantLine:  1,
			wantEntry: EntrySessionStarted,
			wantText:  `missing required field "user_prompt_file"`,
		},
		{
			name:      "ill-typed field",
			lines:     []string{lineSessionStarted, `{"type":"round_started","current":"one","total":10}`},
			wantLine:  2,
			wantEntry: EntryRoundStarted,
			wantText:  "invalid field",
		},
		{
			name:      "bad outcome",
			lines:     []string{lineSessionStarted, lineRoundStarted, lineRoundConfigured, `{"type":"round_finished","outcome":{"kind":"fatal"}}`},
			wantLine:  4,
			wantEntry: EntryRoundFinished,
			wantText:  "requires a message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeLedger(t, tt.lines...)
			records, err := ReadAll(path, testLogger())
			require.Error(t, err)
			assert.Nil(t, records)

			var corrupt *CorruptionError
			require.True(t, errors.As(err, &corrupt), "want *CorruptionError, got %T: %v", err, err)
			assert.Equal(t, tt.wantLine, corrupt.Line)
			assert.Equal(t, tt.wantEntry, corrupt.Entry)
			assert.Equal(t, path, corrupt.Path)
			assert.Contains(t, err.Error(), tt.wantText)
		})
	}
}

func TestNewRoundConfigured(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "sessions"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(base, "sessions", "rollout.jsonl"), nil, 0600))

	entry := NewRoundConfigured("thread-1", "sessions/rollout.jsonl", base)
	canonical, err := filepath.EvalSymlinks(filepath.Join(base, "sessions", "rollout.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, canonical, entry.RolloutPath)
	assert.Empty(t, entry.RolloutPathRaw)
	assert.Empty(t, entry.RolloutBaseDir)

	entry = NewRoundConfigured("thread-1", "missing.jsonl", base)
	assert.Equal(t, filepath.Join(base, "missing.jsonl"), entry.RolloutPath)
	assert.Equal(t, "missing.jsonl", entry.RolloutPathRaw)
	assert.Equal(t, base, entry.RolloutBaseDir)
}

func TestReadAllAcceptsRoundThatFailedBeforeConfigured(t *testing.T) {
	path := writeLedger(t,
		lineSessionStarted,
		lineRoundStarted,
		`{"type":"round_finished","outcome":{"kind":"fatal","message":"Failed to run codex app-server: spawn"}}`,
	)

	records, err := ReadAll(path, testLogger())
	require.NoError(t, err)
	idx, err := BuildIndex(records)
	require.NoError(t, err)
	require.Len(t, idx.CompletedRounds, 1)
	round := idx.CompletedRounds[0]
	assert.Empty(t, round.ThreadID)
	assert.Empty(t, round.RolloutPath)
	assert.Equal(t, protocol.OutcomeFatal, round.Outcome.Kind)

	plan, err := PlanReplay(idx, ProjectPaths{Workdir: "/work"}, memoryReader(nil))
	require.NoError(t, err)
	require.Len(t, plan.Completed, 1)
	assert.Equal(t, []protocol.EventType{
		protocol.EventPotterSessionStarted,
		protocol.EventPotterRoundStarted,
		protocol.EventPotterRoundFinished,
	}, eventTypes(plan.Completed[0].Events))
}
