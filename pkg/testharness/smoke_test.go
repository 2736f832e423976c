package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/potter/internal/ledger"
	"github.com/iambrandonn/potter/internal/protocol"
)

func TestRunSmokeFinishesFirstRound(t *testing.T) {
	scenario := FinishOnFirstRound(time.Now().Format("20060102"))
	result := runSmokeScenario(t, scenario)
	if result.RunErr != nil {
		t.Fatalf("potter run returned error: %v\nstdout:%s\nstderr:%s", result.RunErr, result.Stdout, result.Stderr)
	}

	idx := requireIndex(t, result)
	if len(idx.CompletedRounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(idx.CompletedRounds))
	}
	succeeded := idx.CompletedRounds[0].SessionSucceeded
	if succeeded == nil || succeeded.Rounds != 1 {
		t.Fatalf("expected session_succeeded after round 1, got %+v", succeeded)
	}
	if !strings.Contains(result.Stdout, "Marked the project finished.") {
		t.Fatalf("expected agent message in transcript, got:\n%s", result.Stdout)
	}

	events, err := filepath.Glob(filepath.Join(result.ProjectDir, "events", "round-*.ndjson"))
	if err != nil {
		t.Fatalf("failed to glob event logs: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event log, got %v", events)
	}
}

func TestRunSmokeExhaustsRounds(t *testing.T) {
	result := runSmokeScenario(t, ScenarioExhaustRounds)
	if result.RunErr != nil {
		t.Fatalf("potter run returned error: %v\nstdout:%s\nstderr:%s", result.RunErr, result.Stdout, result.Stderr)
	}

	idx := requireIndex(t, result)
	if len(idx.CompletedRounds) != ScenarioExhaustRounds.Rounds {
		t.Fatalf("expected %d rounds, got %d", ScenarioExhaustRounds.Rounds, len(idx.CompletedRounds))
	}
	for _, round := range idx.CompletedRounds {
		if round.SessionSucceeded != nil {
			t.Fatalf("round %d unexpectedly succeeded", round.Current)
		}
	}

	logData, err := os.ReadFile(filepath.Join(result.Workspace, "potter.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(logData), "run_id=run-") {
		t.Fatalf("expected run id in log file, got:\n%s", logData)
	}
}

func TestRunSmokeServerCrash(t *testing.T) {
	result := runSmokeScenario(t, ScenarioServerCrash)
	if result.RunErr == nil {
		t.Fatalf("expected potter to fail\nstdout:%s", result.Stdout)
	}
	if !strings.Contains(result.Stderr, "lost connection to model") {
		t.Fatalf("expected server stderr in error, got:\n%s", result.Stderr)
	}

	idx := requireIndex(t, result)
	if len(idx.CompletedRounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(idx.CompletedRounds))
	}
	if idx.CompletedRounds[0].Outcome.Kind != protocol.OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %s", idx.CompletedRounds[0].Outcome)
	}
}

func requireIndex(t *testing.T, result *SmokeResult) *ledger.Index {
	t.Helper()
	if result.Index == nil {
		t.Fatalf("expected a project ledger in %s\nstdout:%s\nstderr:%s", result.Workspace, result.Stdout, result.Stderr)
	}
	return result.Index
}

func runSmokeScenario(t *testing.T, scenario SmokeScenario) *SmokeResult {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping smoke test in short mode")
	}

	repoRoot, err := DetectRepoRoot()
	if err != nil {
		t.Fatalf("failed to locate repo root: %v", err)
	}

	tempDir := t.TempDir()
	binDir := filepath.Join(tempDir, "bin")
	cacheDir := filepath.Join(tempDir, "gocache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("failed to create gocache: %v", err)
	}
	t.Setenv("GOCACHE", cacheDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	potterBin, fakeBin, err := BuildBinaries(ctx, repoRoot, binDir)
	if err != nil {
		t.Fatalf("failed to build binaries: %v", err)
	}

	result, err := RunSmoke(ctx, SmokeOptions{
		Scenario:            scenario,
		PotterBinary:        potterBin,
		FakeAppServerBinary: fakeBin,
		WorkspaceDir:        filepath.Join(tempDir, "workspace"),
	})
	if err != nil {
		t.Fatalf("RunSmoke returned error: %v", err)
	}
	return result
}
