// Package dispatcher implements the bounded-parallel executor: global
// and per-provider concurrency limits, per-repo mutual exclusion, and
// stalled-state recovery.
package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/lock"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/store"
)

// Tier orders merged candidates per the priority contract: stalled
// recovery first, then scheduled retry, webhook, reconciler, idle, and
// review follow-up last.
type Tier int

const (
	TierStalledRecovery Tier = iota
	TierScheduledRetry
	TierWebhook
	TierReconciler
	TierIdle
	TierReviewFollowup
)

// Work is one dispatchable unit, tagged with its priority tier and the
// provider slot it needs.
type Work struct {
	ItemID    string
	RepoOwner string
	RepoName  string
	Provider  string
	Tier      Tier
	Run       func(ctx context.Context) error
}

// Dispatcher owns the global slot semaphore and one per-provider
// semaphore per configured provider.
type Dispatcher struct {
	global    *semaphore.Weighted
	providers map[string]*semaphore.Weighted
	repoLocks map[string]struct{} // held-repo tracking for non-blocking per-repo acquire
	stateDir  string
	logger    *logging.Logger
}

// New builds a Dispatcher with a global cap and one weighted semaphore
// per provider cap.
func New(globalCap int64, providerCaps map[string]int64, stateDir string, logger *logging.Logger) *Dispatcher {
	providers := make(map[string]*semaphore.Weighted, len(providerCaps))
	for name, providerCap := range providerCaps {
		providers[name] = semaphore.NewWeighted(providerCap)
	}
	return &Dispatcher{
		global:    semaphore.NewWeighted(globalCap),
		providers: providers,
		repoLocks: map[string]struct{}{},
		stateDir:  stateDir,
		logger:    logger,
	}
}

// MergeCandidates merges candidate lists from each tier, preserving
// arrival order within a tier and tier order across tiers, implementing
// the per-tick priority contract.
func MergeCandidates(tiers map[Tier][]Work) []Work {
	var merged []Work
	for tier := TierStalledRecovery; tier <= TierReviewFollowup; tier++ {
		merged = append(merged, tiers[tier]...)
	}
	return merged
}

// RunTick attempts each candidate in order, acquiring global + provider
// + per-repo slots non-blockingly; candidates that cannot acquire a slot
// this tick are skipped (not queued) and will resurface on a later tick
// via their originating source (scheduled retry, webhook queue, etc).
func (d *Dispatcher) RunTick(ctx context.Context, candidates []Work) {
	for _, w := range candidates {
		if !d.global.TryAcquire(1) {
			continue
		}

		providerSem := d.providers[w.Provider]
		if providerSem != nil && !providerSem.TryAcquire(1) {
			d.global.Release(1)
			continue
		}

		repoKey := w.RepoOwner + "/" + w.RepoName
		repoLockPath := lock.RepoLockPath(d.stateDir, "repo-locks", w.RepoOwner, w.RepoName)
		_ = os.MkdirAll(filepath.Dir(repoLockPath), 0o755)
		repoHandle, err := lock.Acquire(repoLockPath, lock.ShortLockOptions{Timeout: 0, PollInterval: time.Millisecond})
		if err != nil {
			if providerSem != nil {
				providerSem.Release(1)
			}
			d.global.Release(1)
			continue
		}
		_ = repoKey

		go func(w Work, providerSem *semaphore.Weighted, repoHandle *lock.Handle) {
			defer d.global.Release(1)
			if providerSem != nil {
				defer providerSem.Release(1)
			}
			defer repoHandle.Release()

			if err := w.Run(ctx); err != nil && d.logger != nil {
				d.logger.WithField("item_id", w.ItemID).WithError(err).Warn("dispatched work returned an error")
			}
		}(w, providerSem, repoHandle)
	}
}

// StalledReason names why an Activity/Running-Issue pairing was
// classified as stalled.
type StalledReason string

const (
	StalledNoActivity StalledReason = "running label with no active record"
	StalledDeadPID    StalledReason = "record with a dead PID"
)

// DetectStalled scans Activity and Running-Issue records, returning the
// subset whose supervising process is no longer alive, per invariant I2
// and the stalled-recovery contract. runningLabeled is the set of item
// IDs currently carrying the "running" label on the platform.
func DetectStalled(activities []store.Activity, runningLabeled map[string]bool) []StalledItem {
	var stalled []StalledItem
	activeItemIDs := map[string]bool{}

	for _, a := range activities {
		activeItemIDs[a.ItemID] = true
		if !isPIDAlive(a.PID) {
			stalled = append(stalled, StalledItem{ItemID: a.ItemID, Reason: StalledDeadPID})
		}
	}
	for itemID := range runningLabeled {
		if !activeItemIDs[itemID] {
			stalled = append(stalled, StalledItem{ItemID: itemID, Reason: StalledNoActivity})
		}
	}
	return stalled
}

// StalledItem is one item flagged as stalled.
type StalledItem struct {
	ItemID string
	Reason StalledReason
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Recovery performs the idempotent stalled-recovery sequence in order:
// drop the scheduled retry, delete Activity and Running-Issue records,
// relabel to queued, enqueue on the webhook queue, and post one recovery
// comment. dryRun returns before any of these steps: nothing is mutated
// and nothing is logged.
func Recovery(ctx context.Context, gh ghclient.Client, state *store.State, owner, repo string, number int, itemID string, reason StalledReason, dryRun bool, now time.Time) error {
	if dryRun {
		return nil
	}

	var retries []store.ScheduledRetry
	if err := state.ScheduledRetries.Update(&retries, func() error {
		filtered := retries[:0]
		for _, r := range retries {
			if r.ItemID != itemID {
				filtered = append(filtered, r)
			}
		}
		retries = filtered
		return nil
	}); err != nil {
		return err
	}

	var activities []store.Activity
	if err := state.Activity.Update(&activities, func() error {
		filtered := activities[:0]
		for _, a := range activities {
			if a.ItemID != itemID {
				filtered = append(filtered, a)
			}
		}
		activities = filtered
		return nil
	}); err != nil {
		return err
	}

	var running []store.RunningIssue
	if err := state.RunningIssues.Update(&running, func() error {
		filtered := running[:0]
		for _, r := range running {
			if r.ItemID != itemID {
				filtered = append(filtered, r)
			}
		}
		running = filtered
		return nil
	}); err != nil {
		return err
	}

	if err := gh.AddLabels(ctx, owner, repo, number, []string{"queued"}); err != nil {
		return err
	}
	for _, l := range []string{"running", "failed", "needs-user-reply"} {
		_ = gh.RemoveLabel(ctx, owner, repo, number, l)
	}

	if err := state.EnqueueWebhookItem(store.WebhookQueueEntry{
		ItemID:     itemID,
		RepoOwner:  owner,
		RepoName:   repo,
		ItemNumber: number,
		EnqueuedAt: now,
	}); err != nil {
		return err
	}

	_, err := gh.CreateComment(ctx, owner, repo, number,
		"agent-runner detected this item was stalled ("+string(reason)+") and requeued it for another attempt.")
	return err
}
