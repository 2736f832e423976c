package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/iambrandonn/potter/internal/fsutil"
	"github.com/iambrandonn/potter/internal/ledger"
	"github.com/iambrandonn/potter/internal/protocol"
)

// SmokeScenario is an end-to-end run of the potter binary against the fake
// app-server binary.
type SmokeScenario struct {
	Name   string
	Prompt string
	Rounds int
	// Server is played by every fake app-server process the run spawns.
	Server Scenario
}

// smokeProgressFile is where the first project of the day keeps MAIN.md.
// Server edits address it relative to the workspace.
func smokeProgressFile(day string) string {
	return filepath.Join(".codexpotter", "projects", day+"_1", "MAIN.md")
}

// FinishOnFirstRound returns a scenario whose first turn marks the project
// done.
func FinishOnFirstRound(day string) SmokeScenario {
	steps := append([]Step{{Edit: &FileEdit{
		Path: smokeProgressFile(day),
		Old:  "finite_incantatem: false",
		New:  "finite_incantatem: true",
	}}}, CompletedTurn("Done. Marked the project finished.")...)
	return SmokeScenario{
		Name:   "finish-first-round",
		Prompt: "Write a haiku into haiku.txt",
		Rounds: 3,
		Server: Scenario{ThreadID: "thread-smoke", Model: "gpt-smoke", Turns: [][]Step{steps}},
	}
}

var (
	// ScenarioExhaustRounds runs every round without the agent finishing.
	ScenarioExhaustRounds = SmokeScenario{
		Name:   "exhaust-rounds",
		Prompt: "Keep improving the README",
		Rounds: 2,
		Server: Scenario{
			ThreadID: "thread-smoke",
			Turns: [][]Step{{
				EventStep(&protocol.TurnStartedEvent{}),
				EventStep(&protocol.ExecCommandEndEvent{
					CallID:   "call-1",
					Command:  []string{"bash", "-lc", "cat README.md"},
					ExitCode: 0,
				}),
				EventStep(&protocol.AgentMessageEvent{Message: "Read the README."}),
				EventStep(&protocol.TurnCompleteEvent{}),
			}},
		},
	}
	// ScenarioServerCrash has the server exit mid-turn.
	ScenarioServerCrash = SmokeScenario{
		Name:   "server-crash",
		Prompt: "Anything",
		Rounds: 2,
		Server: Scenario{
			Stderr:    "panic: lost connection to model\n",
			ExitAfter: protocol.MethodTurnStart,
			Turns:     [][]Step{{EventStep(&protocol.TurnStartedEvent{})}},
		},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario            SmokeScenario
	PotterBinary        string
	FakeAppServerBinary string
	WorkspaceDir        string
	Env                 map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   SmokeScenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	ConfigPath string
	// ProjectDir and Index are set when the run created a project.
	ProjectDir string
	Index      *ledger.Index
}

// RunSmoke executes a smoke scenario using the provided binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.PotterBinary == "" {
		return nil, fmt.Errorf("potter binary path is required")
	}
	if opts.FakeAppServerBinary == "" {
		return nil, fmt.Errorf("fake-app-server binary path is required")
	}
	if opts.Scenario.Prompt == "" {
		return nil, fmt.Errorf("scenario prompt is required")
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "potter-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	scenarioPath := filepath.Join(workspace, "fake-app-server.json")
	data, err := json.Marshal(opts.Scenario.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server scenario: %w", err)
	}
	if err := fsutil.AtomicWrite(scenarioPath, data); err != nil {
		return nil, err
	}

	configPath := filepath.Join(workspace, ".codexpotter", "config.toml")
	if err := writeConfig(configPath, smokeConfig{
		CodexBin: opts.FakeAppServerBinary,
		Rounds:   opts.Scenario.Rounds,
		LogLevel: "debug",
		LogFile:  filepath.Join(workspace, "potter.log"),
	}); err != nil {
		return nil, err
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, opts.PotterBinary, "run", opts.Scenario.Prompt)
	cmd.Dir = workspace
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	env := mergeEnv(os.Environ(), opts.Env)
	env = setEnv(env, "HOME", workspace)
	env = setEnv(env, "FAKE_APP_SERVER_SCENARIO", scenarioPath)
	cmd.Env = env

	runErr := cmd.Run()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  workspace,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	ledgers, err := filepath.Glob(filepath.Join(workspace, ".codexpotter", "projects", "*", ledger.FileName))
	if err != nil {
		return nil, err
	}
	if len(ledgers) == 1 {
		result.ProjectDir = filepath.Dir(ledgers[0])
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		if result.Index, err = ledger.ReadIndex(ledgers[0], logger); err != nil {
			return result, fmt.Errorf("failed to read ledger: %w", err)
		}
	}

	return result, nil
}

type smokeConfig struct {
	CodexBin string `toml:"codex_bin"`
	Rounds   int    `toml:"rounds"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

func writeConfig(path string, cfg smokeConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return fsutil.AtomicWrite(path, buf.Bytes())
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
