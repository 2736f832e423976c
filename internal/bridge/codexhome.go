package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// compatLinks are the files shared with the user's own codex home.
var compatLinks = []string{"config.toml", "auth.json"}

// CompatHomeDir is the CODEX_HOME potter gives app-server by default.
func CompatHomeDir(home string) string {
	return filepath.Join(home, ".codexpotter", "codex-compat")
}

// EnsureCompatHome creates ~/.codexpotter/codex-compat and links the user's
// ~/.codex config.toml and auth.json into it. Links are created even when
// their targets do not exist yet, and existing entries are left alone.
func EnsureCompatHome(home string) (string, error) {
	dir := CompatHomeDir(home)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create codex-compat home: %w", err)
	}

	for _, name := range compatLinks {
		link := filepath.Join(dir, name)
		target := filepath.Join(home, ".codex", name)
		if err := ensureSymlink(link, target); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func ensureSymlink(link, target string) error {
	if _, err := os.Lstat(link); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", link, err)
	}

	if err := os.Symlink(target, link); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to create symlink %s: %w", link, err)
	}
	return nil
}
