package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		existing []byte
		data     []byte
	}{
		{
			name: "write to new file",
			path: filepath.Join(tmpDir, "new.txt"),
			data: []byte("hello world"),
		},
		{
			name:     "overwrite existing file",
			path:     filepath.Join(tmpDir, "existing.txt"),
			existing: []byte("original"),
			data:     []byte("updated content"),
		},
		{
			name: "write empty file",
			path: filepath.Join(tmpDir, "empty.txt"),
			data: []byte{},
		},
		{
			name: "write to nested directory",
			path: filepath.Join(tmpDir, "nested", "deep", "file.txt"),
			data: []byte("nested content"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.existing != nil {
				require.NoError(t, os.WriteFile(tt.path, tt.existing, 0600))
			}

			require.NoError(t, AtomicWrite(tt.path, tt.data))

			content, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, string(tt.data), string(content))

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestAtomicWriteKeepsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MAIN.md")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0644))
	require.NoError(t, os.Chmod(path, 0644))

	require.NoError(t, AtomicWrite(path, []byte("after")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestAtomicWriteRefusesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.Mkdir(dir, 0700))

	err := AtomicWrite(dir, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-regular")
}

func TestAtomicWriteNoTempFilesLeft(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(testFile, []byte("content")))
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, "test.txt", entry.Name(), "unexpected file left behind")
	}
}

func TestAtomicWriteConcurrency(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "concurrent.txt")

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- AtomicWrite(testFile, []byte("concurrent write"))
		}()
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-done)
	}

	content, err := os.ReadFile(testFile)
	require.NoError(t, err)
	assert.Equal(t, "concurrent write", string(content))
}
