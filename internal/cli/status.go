package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/metrics"
	"github.com/metyatech/agent-runner/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the orchestrator's current state from durable storage",
	RunE:  runStatus,
}

// StatusReport summarizes the durable store for a single invocation;
// it is read fresh from disk rather than from a running process, since
// a separate CLI invocation has no channel back into one already
// looping under the process lock.
type StatusReport struct {
	LockHeld         bool              `json:"lock_held"`
	LockPID          int               `json:"lock_pid,omitempty"`
	Running          int               `json:"running"`
	ScheduledRetries int               `json:"scheduled_retries"`
	ReviewQueueDepth int               `json:"review_queue_depth"`
	WebhookQueued    int               `json:"webhook_queued"`
	RepoCacheAge     string            `json:"repo_cache_age,omitempty"`
	Metrics          *metrics.Snapshot `json:"metrics,omitempty"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	stateDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "state")
	state := store.Open(stateDir)

	report := StatusReport{GeneratedAt: time.Now()}

	lockPath := filepath.Join(stateDir, "runner.lock")
	if pid, ok := readLockPID(lockPath); ok {
		report.LockHeld = true
		report.LockPID = pid
	}

	var running []store.RunningIssue
	if err := state.RunningIssues.Read(&running); err != nil {
		return err
	}
	report.Running = len(running)

	var retries []store.ScheduledRetry
	if err := state.ScheduledRetries.Read(&retries); err != nil {
		return err
	}
	report.ScheduledRetries = len(retries)

	var reviewQueue []store.ReviewQueueEntry
	if err := state.ReviewQueue.Read(&reviewQueue); err != nil {
		return err
	}
	report.ReviewQueueDepth = len(reviewQueue)

	var webhookQueue []store.WebhookQueueEntry
	if err := state.WebhookQueue.Read(&webhookQueue); err != nil {
		return err
	}
	report.WebhookQueued = len(webhookQueue)

	var repoCache store.RepoCache
	if err := state.RepoCacheFile.Read(&repoCache); err != nil {
		return err
	}
	if !repoCache.UpdatedAt.IsZero() {
		report.RepoCacheAge = time.Since(repoCache.UpdatedAt).Round(time.Second).String()
	}

	var snap metrics.Snapshot
	if err := state.MetricsSnapshot.Read(&snap); err == nil && (len(snap.Counters) > 0 || len(snap.Gauges) > 0) {
		report.Metrics = &snap
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lock: held=%v pid=%d\n", report.LockHeld, report.LockPID)
	fmt.Fprintf(out, "running: %d\n", report.Running)
	fmt.Fprintf(out, "scheduled retries: %d\n", report.ScheduledRetries)
	fmt.Fprintf(out, "review queue: %d\n", report.ReviewQueueDepth)
	fmt.Fprintf(out, "webhook queue: %d\n", report.WebhookQueued)
	if report.RepoCacheAge != "" {
		fmt.Fprintf(out, "repo cache age: %s\n", report.RepoCacheAge)
	}
	if report.Metrics != nil {
		fmt.Fprintf(out, "metrics: %d counters, %d gauges (pass --json for values)\n", len(report.Metrics.Counters), len(report.Metrics.Gauges))
	}
	return nil
}

// readLockPID reads the PID written by lock.AcquireProcessLock without
// taking the lock itself.
func readLockPID(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}
