package bridge

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script standing in for codex.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a unix shell")
	}
	path := filepath.Join(t.TempDir(), "codex")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestSpawnExportsCodexHomeAndReportsExit(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, "echo \"$CODEX_HOME $1\" > out.txt\nexit 3\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := Spawn(ctx, ProcessConfig{CodexBin: bin, CodexHome: "/tmp/compat-home", Dir: dir}, testLogger())
	require.NoError(t, err)

	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.Error(t, proc.ExitErr())
	require.Error(t, proc.Stop(ctx), "stop after exit reports the exit error")

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/compat-home app-server", strings.TrimSpace(string(data)))
}

func TestStopClosesStdinAndWaits(t *testing.T) {
	bin := writeScript(t, "cat > /dev/null\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := Spawn(ctx, ProcessConfig{CodexBin: bin, Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	select {
	case <-proc.Exited():
		t.Fatal("process exited before stdin closed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, proc.Stop(ctx))
	select {
	case <-proc.Exited():
	default:
		t.Fatal("Exited not closed after Stop")
	}
}
