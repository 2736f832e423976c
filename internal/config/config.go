package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/iambrandonn/potter/internal/protocol"
)

const (
	// DirName holds both the user and the project config file.
	DirName = ".codexpotter"
	// FileName is the config file inside DirName.
	FileName = "config.toml"

	defaultCodexBin  = "codex"
	defaultRounds    = 10
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	// SandboxDefault leaves the sandbox choice to the app-server.
	SandboxDefault = "default"
)

// Config holds potter runtime settings.
type Config struct {
	CodexBin                  string
	Rounds                    int
	Sandbox                   string
	BypassApprovalsAndSandbox bool
	CodexHome                 string
	LogLevel                  string
	LogFormat                 string
	LogFile                   string
	EventLog                  bool
}

type fileConfig struct {
	CodexBin                  *string `toml:"codex_bin"`
	Rounds                    *int    `toml:"rounds"`
	Sandbox                   *string `toml:"sandbox"`
	BypassApprovalsAndSandbox *bool   `toml:"bypass_approvals_and_sandbox"`
	CodexHome                 *string `toml:"codex_home"`
	LogLevel                  *string `toml:"log_level"`
	LogFormat                 *string `toml:"log_format"`
	LogFile                   *string `toml:"log_file"`
	EventLog                  *bool   `toml:"event_log"`
}

// Defaults returns the built-in configuration. CODEX_BIN overrides the
// codex executable.
func Defaults() Config {
	bin := defaultCodexBin
	if env := strings.TrimSpace(os.Getenv("CODEX_BIN")); env != "" {
		bin = env
	}
	return Config{
		CodexBin:  bin,
		Rounds:    defaultRounds,
		Sandbox:   SandboxDefault,
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		EventLog:  true,
	}
}

// Load starts from Defaults and overlays ~/.codexpotter/config.toml, then
// <workdir>/.codexpotter/config.toml, then explicitPath when set. Missing
// user and project files are skipped; a missing explicit file is an error.
func Load(homeDir, workdir, explicitPath string) (*Config, error) {
	cfg := Defaults()

	var paths []string
	if homeDir != "" {
		paths = append(paths, filepath.Join(homeDir, DirName, FileName))
	}
	if workdir != "" {
		paths = append(paths, filepath.Join(workdir, DirName, FileName))
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path, false); err != nil {
			return nil, err
		}
	}
	if explicitPath != "" {
		if err := overlayFromFile(&cfg, explicitPath, true); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func overlayFromFile(cfg *Config, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("configuration error: unknown key(s) %s in %s\n\nHint: Supported keys are codex_bin, rounds, sandbox, bypass_approvals_and_sandbox, codex_home, log_level, log_format, log_file, event_log", strings.Join(keys, ", "), path)
	}

	applyOverrides(cfg, decoded)
	return nil
}

func applyOverrides(cfg *Config, f fileConfig) {
	if f.CodexBin != nil {
		cfg.CodexBin = strings.TrimSpace(*f.CodexBin)
	}
	if f.Rounds != nil {
		cfg.Rounds = *f.Rounds
	}
	if f.Sandbox != nil {
		cfg.Sandbox = strings.TrimSpace(*f.Sandbox)
	}
	if f.BypassApprovalsAndSandbox != nil {
		cfg.BypassApprovalsAndSandbox = *f.BypassApprovalsAndSandbox
	}
	if f.CodexHome != nil {
		cfg.CodexHome = *f.CodexHome
	}
	if f.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*f.LogLevel))
	}
	if f.LogFormat != nil {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(*f.LogFormat))
	}
	if f.LogFile != nil {
		cfg.LogFile = *f.LogFile
	}
	if f.EventLog != nil {
		cfg.EventLog = *f.EventLog
	}
}

// Validate checks the configuration and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.CodexBin == "" {
		return fmt.Errorf("configuration error: 'codex_bin' is empty\n\nHint: Point it at the codex executable:\n  codex_bin = \"codex\"")
	}

	if c.Rounds < 1 {
		return fmt.Errorf("configuration error: invalid 'rounds' value: %d\n\nHint: Rounds must be at least 1:\n  rounds = 10", c.Rounds)
	}

	if c.Sandbox != SandboxDefault && !protocol.SandboxMode(c.Sandbox).Valid() {
		return fmt.Errorf("configuration error: invalid 'sandbox' value: %q\n\nHint: Use one of default, read-only, workspace-write, danger-full-access", c.Sandbox)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("configuration error: invalid 'log_level' value: %q\n\nHint: Use one of debug, info, warn, error", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'log_format' value: %q\n\nHint: Use text or json", c.LogFormat)
	}

	return nil
}

// SandboxMode returns the sandbox to request, or "" for the server default.
func (c *Config) SandboxMode() protocol.SandboxMode {
	if c.Sandbox == SandboxDefault {
		return ""
	}
	return protocol.SandboxMode(c.Sandbox)
}
