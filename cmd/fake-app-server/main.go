package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iambrandonn/potter/internal/ndjson"
	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/pkg/testharness"
)

// Environment knobs. Flags are reserved for the codex command line this
// binary stands in for.
const (
	envScenario = "FAKE_APP_SERVER_SCENARIO"
	envRecord   = "FAKE_APP_SERVER_RECORD"
)

// MethodLaunch is the pseudo method recorded first with the launch details.
const MethodLaunch = "fake/launch"

type launchRecord struct {
	Args      []string `json:"args"`
	Sandbox   string   `json:"sandbox,omitempty"`
	Bypass    bool     `json:"bypass"`
	CodexHome string   `json:"codex_home,omitempty"`
}

func main() {
	bypass := flag.Bool("dangerously-bypass-approvals-and-sandbox", false, "Accepted for compatibility")
	sandbox := flag.String("sandbox", "", "Accepted for compatibility")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	if flag.NArg() != 1 || flag.Arg(0) != "app-server" {
		logger.Error("expected the app-server subcommand", "args", flag.Args())
		os.Exit(2)
	}

	var scenario testharness.Scenario
	if path := os.Getenv(envScenario); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read scenario", "path", path, "error", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &scenario); err != nil {
			logger.Error("failed to parse scenario", "path", path, "error", err)
			os.Exit(1)
		}
	}

	server := testharness.NewFakeAppServer(scenario, os.Stdin, os.Stdout, os.Stderr, logger)

	if path := os.Getenv(envRecord); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			logger.Error("failed to open record file", "path", path, "error", err)
			os.Exit(1)
		}
		defer f.Close()

		launch := launchRecord{
			Args:      os.Args[1:],
			Sandbox:   *sandbox,
			Bypass:    *bypass,
			CodexHome: os.Getenv("CODEX_HOME"),
		}
		ndjson.NewEncoder(f, logger).Encode(protocol.Notification{Method: MethodLaunch, Params: launch})
		server.Record = f
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		logger.Error("fake app-server failed", "error", err)
		os.Exit(1)
	}
}
