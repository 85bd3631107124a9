package logmaint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
)

func touch(t *testing.T, dir, name string, size int, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func TestPrune_RemovesFilesOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	touch(t, dir, "repo-issue-old.log", 10, now.AddDate(0, 0, -30))
	touch(t, dir, "repo-issue-new.log", 10, now)

	result, err := Prune(config.LogMaintenance{MaxAgeDays: 7}, dir, now)
	require.NoError(t, err)

	assert.Contains(t, result.Removed, filepath.Join(dir, "repo-issue-old.log"))
	assert.NotContains(t, result.Removed, filepath.Join(dir, "repo-issue-new.log"))
}

func TestPrune_KeepsOnlyLatestNPerClass(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "idle-1.log", 10, now.Add(-3*time.Hour))
	touch(t, dir, "idle-2.log", 10, now.Add(-2*time.Hour))
	touch(t, dir, "idle-3.log", 10, now.Add(-1*time.Hour))

	result, err := Prune(config.LogMaintenance{KeepLatest: 2}, dir, now)
	require.NoError(t, err)

	assert.Contains(t, result.Removed, filepath.Join(dir, "idle-1.log"))
	assert.Len(t, result.Removed, 1)
}

func TestPrune_TrimsOldestUntilUnderTotalBytes(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "task-run-1.log", 1<<20, now.Add(-3*time.Hour))
	touch(t, dir, "task-run-2.log", 1<<20, now.Add(-2*time.Hour))
	touch(t, dir, "task-run-3.log", 1<<20, now.Add(-1*time.Hour))

	result, err := Prune(config.LogMaintenance{MaxTotalMB: 2}, dir, now)
	require.NoError(t, err)

	assert.Contains(t, result.Removed, filepath.Join(dir, "task-run-1.log"))
	assert.Len(t, result.Removed, 1)
}

func TestWriteLatestPointer_WritesClassPointerFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "repo-issue-abc.log")
	require.NoError(t, os.WriteFile(logPath, []byte("x"), 0o644))

	require.NoError(t, WriteLatestPointer(dir, logPath))

	raw, err := os.ReadFile(filepath.Join(dir, "latest-repo-issue.path"))
	require.NoError(t, err)
	assert.Equal(t, logPath, string(raw))
}
