package cli

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iambrandonn/potter/internal/bridge"
	"github.com/iambrandonn/potter/internal/config"
	"github.com/iambrandonn/potter/internal/logging"
	"github.com/iambrandonn/potter/internal/orchestrator"
	"github.com/iambrandonn/potter/internal/present"
)

// app is what run and resume share: configuration, logging and the
// presenter.
type app struct {
	cfg       *config.Config
	logs      *logging.RuntimeLogger
	presenter *present.Presenter
	workdir   string
	codexHome string
}

func newApp(cmd *cobra.Command) (*app, error) {
	workdir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home, workdir, configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Stderr: cmd.ErrOrStderr(),
		RunID:  logging.NewRunID(time.Now()),
	})
	if err != nil {
		return nil, err
	}

	logs.Logger.Debug("loaded configuration",
		"codex_bin", cfg.CodexBin,
		"rounds", cfg.Rounds,
		"sandbox", cfg.Sandbox,
		"workdir", workdir,
	)

	return &app{
		cfg:       cfg,
		logs:      logs,
		presenter: present.New(cmd.OutOrStdout()),
		workdir:   workdir,
		codexHome: resolveCodexHome(cfg, home, logs.Logger),
	}, nil
}

// resolveCodexHome returns the configured codex_home, or else the
// codex-compat home under the user's home directory. A compat home that
// cannot be set up leaves CODEX_HOME unset.
func resolveCodexHome(cfg *config.Config, home string, logger *slog.Logger) string {
	if cfg.CodexHome != "" || home == "" {
		return cfg.CodexHome
	}
	dir, err := bridge.EnsureCompatHome(home)
	if err != nil {
		logger.Warn("failed to configure codex-compat home", "error", err)
		return ""
	}
	return dir
}

func (a *app) close() {
	a.logs.Close()
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.NewOrchestrator(orchestrator.Options{
		Workdir: a.workdir,
		Rounds:  a.cfg.Rounds,
		Process: bridge.ProcessConfig{
			CodexBin:  a.cfg.CodexBin,
			Launch:    bridge.LaunchConfigFromCLI(a.cfg.SandboxMode(), a.cfg.BypassApprovalsAndSandbox),
			CodexHome: a.codexHome,
		},
		ClientInfo: bridge.NewClientInfo(Version),
		EventLog:   a.cfg.EventLog,
	}, a.presenter, a.logs.Logger)
}

// finish prints the resume note for an interrupted project and passes err
// through.
func (a *app) finish(res *orchestrator.Result, err error) error {
	if res != nil {
		if res.Interrupted != nil {
			a.presenter.PrintResumeNote("potter resume " + shellQuote(res.Interrupted.ResumeArg()))
		}
		for _, f := range res.Failures {
			a.logs.Logger.Warn("session ended by failed round", "round", f.Current, "total", f.Total, "message", f.Outcome.Message)
		}
	}
	return err
}

// applyFlags overrides configuration with flags the user actually set.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("codex-bin") {
		v, err := flags.GetString("codex-bin")
		if err != nil {
			return err
		}
		cfg.CodexBin = strings.TrimSpace(v)
	}
	if changed("rounds") {
		v, err := flags.GetInt("rounds")
		if err != nil {
			return err
		}
		cfg.Rounds = v
	}
	if changed("sandbox") {
		v, err := flags.GetString("sandbox")
		if err != nil {
			return err
		}
		cfg.Sandbox = strings.TrimSpace(v)
	}
	for _, name := range []string{"dangerously-bypass-approvals-and-sandbox", "yolo"} {
		if !changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		cfg.BypassApprovalsAndSandbox = cfg.BypassApprovalsAndSandbox || v
	}
	if changed("log-level") {
		v, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if changed("log-file") {
		v, err := flags.GetString("log-file")
		if err != nil {
			return err
		}
		cfg.LogFile = v
	}
	return nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:@%+=,-]+$`)

// shellQuote quotes s for a POSIX shell when it needs it.
func shellQuote(s string) string {
	if s != "" && shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
