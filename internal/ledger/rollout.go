package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iambrandonn/potter/internal/ndjson"
	"github.com/iambrandonn/potter/internal/protocol"
)

// Upstream rollout item types this package looks at. Everything else in a
// rollout file is ignored.
const (
	RolloutEventMsg    = "event_msg"
	RolloutTurnContext = "turn_context"
	RolloutSessionMeta = "session_meta"
)

// RolloutItem is one line of the upstream rollout file written by the
// app-server for a thread.
type RolloutItem struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RolloutReader loads the items of a rollout file. PlanReplay takes one so
// tests can serve rollouts from memory.
type RolloutReader func(path string) ([]RolloutItem, error)

// NewRolloutReader returns a reader backed by the filesystem.
func NewRolloutReader(logger *slog.Logger) RolloutReader {
	return func(path string) ([]RolloutItem, error) {
		return ReadRollout(path, logger)
	}
}

// ReadRollout reads every item of a rollout file. Blank lines and lines
// without a type are skipped; invalid JSON is an error.
func ReadRollout(path string, logger *slog.Logger) ([]RolloutItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollout: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var items []RolloutItem
	for {
		var item RolloutItem
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read rollout %s: %w", path, err)
		}
		if item.Type == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// EventMsgs decodes the event_msg items, in order. Other item kinds are
// dropped since they cannot be replayed as notifications.
func EventMsgs(items []RolloutItem) ([]protocol.EventMsg, error) {
	var out []protocol.EventMsg
	for i, item := range items {
		if item.Type != RolloutEventMsg {
			continue
		}
		if len(item.Payload) == 0 {
			return nil, fmt.Errorf("rollout item %d: event_msg missing payload", i+1)
		}
		var msg protocol.EventMsg
		if err := json.Unmarshal(item.Payload, &msg); err != nil {
			return nil, fmt.Errorf("rollout item %d: %w", i+1, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Snapshot is the session configuration recovered from a rollout.
type Snapshot struct {
	Cwd           string
	Model         string
	ModelProvider string
}

// ConfigSnapshot takes cwd and model from the first turn_context that has
// them and the provider from session_meta. It reports false when cwd or
// model is never found.
func ConfigSnapshot(items []RolloutItem) (Snapshot, bool) {
	var snap Snapshot
	for _, item := range items {
		switch item.Type {
		case RolloutTurnContext:
			if snap.Cwd != "" && snap.Model != "" {
				continue
			}
			var ctx struct {
				Cwd   string `json:"cwd"`
				Model string `json:"model"`
			}
			if json.Unmarshal(item.Payload, &ctx) != nil {
				continue
			}
			if snap.Cwd == "" {
				snap.Cwd = ctx.Cwd
			}
			if snap.Model == "" {
				snap.Model = ctx.Model
			}

		case RolloutSessionMeta:
			if snap.ModelProvider != "" {
				continue
			}
			var meta struct {
				ModelProvider string `json:"model_provider"`
			}
			if json.Unmarshal(item.Payload, &meta) == nil {
				snap.ModelProvider = meta.ModelProvider
			}
		}

		if snap.Cwd != "" && snap.Model != "" && snap.ModelProvider != "" {
			break
		}
	}

	if snap.Cwd == "" || snap.Model == "" {
		return Snapshot{}, false
	}
	return snap, true
}

// NewRoundConfigured builds the round_configured entry for a thread. A
// relative rollout path is resolved against baseDir and canonicalized; if
// that fails the raw path and base are recorded too.
func NewRoundConfigured(threadID, rolloutPath, baseDir string) *RoundConfigured {
	resolved := rolloutPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(baseDir, rolloutPath)
	}

	entry := &RoundConfigured{ThreadID: threadID, RolloutPath: resolved}
	if canonical, err := filepath.EvalSymlinks(resolved); err == nil {
		if abs, err := filepath.Abs(canonical); err == nil {
			entry.RolloutPath = abs
			return entry
		}
	}
	entry.RolloutPathRaw = rolloutPath
	entry.RolloutBaseDir = baseDir
	return entry
}

// resolveForReplay makes a recorded rollout path absolute against workdir.
func resolveForReplay(workdir, rolloutPath string) string {
	if filepath.IsAbs(rolloutPath) {
		return rolloutPath
	}
	return filepath.Join(workdir, rolloutPath)
}
