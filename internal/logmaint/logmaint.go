// Package logmaint prunes the per-run log files under
// <workdirRoot>/agent-runner/logs and maintains the "latest-<class>.path"
// pointer file each class keeps.
package logmaint

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
)

// classOf returns the log-file class ("task-run", "repo-issue", "idle")
// a filename belongs to, derived from its prefix before the first
// trailing "-<id>.log" segment.
func classOf(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	for _, class := range []string{"task-run", "repo-issue", "idle"} {
		if strings.HasPrefix(base, class+"-") {
			return class
		}
	}
	return "other"
}

// WriteLatestPointer records logPath as the most recent log for its
// class, so operators and tooling can find it without a directory scan.
func WriteLatestPointer(logsDir, logPath string) error {
	class := classOf(filepath.Base(logPath))
	pointer := filepath.Join(logsDir, "latest-"+class+".path")
	return os.WriteFile(pointer, []byte(logPath), 0o644)
}

type logFile struct {
	path    string
	class   string
	size    int64
	modTime time.Time
}

// Result summarizes what Prune removed.
type Result struct {
	Removed   []string
	BytesFreed int64
}

// Prune removes log files older than cfg.MaxAgeDays, keeps at most
// cfg.KeepLatest files per class (cfg.TaskRunKeepLatest overrides that
// count for the "task-run" class), and finally trims the oldest
// remaining files until the total is under cfg.MaxTotalMB. Every step is
// skipped when its governing config value is zero.
func Prune(cfg config.LogMaintenance, logsDir string, now time.Time) (Result, error) {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, err
	}

	var files []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(logsDir, e.Name()),
			class:   classOf(e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	result := Result{}
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[f.path] = true
	}

	if cfg.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.MaxAgeDays)
		for _, f := range files {
			if keep[f.path] && f.modTime.Before(cutoff) {
				keep[f.path] = false
			}
		}
	}

	byClass := map[string][]logFile{}
	for _, f := range files {
		byClass[f.class] = append(byClass[f.class], f)
	}
	for class, group := range byClass {
		limit := cfg.KeepLatest
		if class == "task-run" && cfg.TaskRunKeepLatest > 0 {
			limit = cfg.TaskRunKeepLatest
		}
		if limit <= 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].modTime.After(group[j].modTime) })
		for i, f := range group {
			if i >= limit {
				keep[f.path] = false
			}
		}
	}

	var remaining []logFile
	var total int64
	for _, f := range files {
		if !keep[f.path] {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				return result, err
			}
			result.Removed = append(result.Removed, f.path)
			result.BytesFreed += f.size
			continue
		}
		remaining = append(remaining, f)
		total += f.size
	}

	if cfg.MaxTotalMB > 0 {
		limitBytes := int64(cfg.MaxTotalMB) * 1 << 20
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].modTime.Before(remaining[j].modTime) })
		i := 0
		for total > limitBytes && i < len(remaining) {
			f := remaining[i]
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				return result, err
			}
			result.Removed = append(result.Removed, f.path)
			result.BytesFreed += f.size
			total -= f.size
			i++
		}
	}

	return result, nil
}
