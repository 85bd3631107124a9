package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLockPID_ParsesWrittenPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.lock")
	require.NoError(t, os.WriteFile(path, []byte("4242"), 0o644))

	pid, ok := readLockPID(path)
	require.True(t, ok)
	assert.Equal(t, 4242, pid)
}

func TestReadLockPID_MissingFileReturnsFalse(t *testing.T) {
	_, ok := readLockPID(filepath.Join(t.TempDir(), "absent.lock"))
	assert.False(t, ok)
}
