package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StopTimeout is how long Stop waits after closing stdin before killing.
const StopTimeout = 5 * time.Second

// stderrDrainTimeout bounds the wait for trailing stderr after stdout closes.
const stderrDrainTimeout = 500 * time.Millisecond

// ProcessConfig describes the app-server subprocess.
type ProcessConfig struct {
	CodexBin  string
	Launch    LaunchConfig
	CodexHome string
	Dir       string
}

// Process is a running app-server with its connected client.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	client     *Client
	stderr     *ringBuffer
	stderrDone chan struct{}
	exitErr    error
	exitChan   chan struct{}
}

// Spawn starts the app-server with piped stdio. Stderr is captured into a
// bounded buffer for error reports.
func Spawn(ctx context.Context, cfg ProcessConfig, logger *slog.Logger) (*Process, error) {
	bin := cfg.CodexBin
	if bin == "" {
		bin = "codex"
	}
	args := cfg.Launch.Args()

	logger.Info("starting app-server", "bin", bin, "args", args)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	if cfg.CodexHome != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("CODEX_HOME=%s", cfg.CodexHome))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Bin: bin, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Bin: bin, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Bin: bin, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Bin: bin, Err: err}
	}

	p := &Process{
		cfg:        cfg,
		logger:     logger,
		cmd:        cmd,
		stdin:      stdin,
		client:     NewClient(stdin, stdout, logger),
		stderr:     newRingBuffer(StderrCaptureLimit),
		stderrDone: make(chan struct{}),
		exitChan:   make(chan struct{}),
	}

	logger.Info("app-server started", "pid", cmd.Process.Pid)

	go p.readStderr(stderr, p.stderrDone)
	go p.waitForExit(p.stderrDone)

	return p, nil
}

// Client returns the JSON-RPC client bound to the process stdio.
func (p *Process) Client() *Client {
	return p.client
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Shutdown closes stdin to ask the server to exit. It does not kill.
func (p *Process) Shutdown() {
	p.mu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exitChan
}

// Stop closes stdin and waits for exit, killing the process if it does not
// exit within StopTimeout or ctx is cancelled.
func (p *Process) Stop(ctx context.Context) error {
	p.Shutdown()

	select {
	case <-p.Exited():
		return p.ExitErr()
	case <-ctx.Done():
		p.kill()
		return ctx.Err()
	case <-time.After(StopTimeout):
		p.logger.Warn("app-server did not stop gracefully, killing", "pid", p.Pid())
		p.kill()
		return fmt.Errorf("app-server stop timeout")
	}
}

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Annotate attaches the captured stderr tail to err. Once stdout has
// closed it gives stderr a moment to drain first.
func (p *Process) Annotate(err error) error {
	select {
	case <-p.client.Done():
		select {
		case <-p.stderrDone:
		case <-time.After(stderrDrainTimeout):
		}
	default:
	}
	return withStderr(err, p.stderr.Bytes(), p.stderr.Truncated())
}

func (p *Process) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *Process) readStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	if _, err := io.Copy(p.stderr, stderr); err != nil {
		p.logger.Debug("error reading app-server stderr", "error", err)
	}
}

// waitForExit reaps the process once both output pipes have been drained.
func (p *Process) waitForExit(stderrDone <-chan struct{}) {
	<-p.client.Done()
	<-stderrDone

	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.exitChan)

	if err != nil {
		p.logger.Warn("app-server process exited", "error", err)
	} else {
		p.logger.Info("app-server process exited cleanly")
	}
}
