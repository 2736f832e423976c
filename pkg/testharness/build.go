package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinaries compiles the potter and fake-app-server binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	potterPath, err := BuildBinary(ctx, projectRoot, outputDir, "potter")
	if err != nil {
		return "", "", err
	}
	fakePath, err := BuildBinary(ctx, projectRoot, outputDir, "fake-app-server")
	if err != nil {
		return "", "", err
	}
	return potterPath, fakePath, nil
}

// BuildBinary compiles ./cmd/<name> into outputDir and returns its path.
func BuildBinary(ctx context.Context, projectRoot, outputDir, name string) (string, error) {
	if projectRoot == "" {
		return "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath, err := filepath.Abs(filepath.Join(outputDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve output path: %w", err)
	}

	if err := runGoBuild(ctx, projectRoot, outputPath, "./cmd/"+name); err != nil {
		return "", err
	}
	return outputPath, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	env = setEnv(env, "GOFLAGS", "-trimpath")
	cmd.Env = env

	var combined []byte
	var err error
	if combined, err = cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
