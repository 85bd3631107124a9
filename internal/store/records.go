// Package store wires the data model record sets in section 3 onto
// jsonstore files under <workdirRoot>/agent-runner/state/. Each record
// set lives in its own file and is owned by exactly one subsystem;
// Running-Issue is kept as a separate projection of Activity per the
// cyclic-reference design note, with its own file and trim rules.
package store

import (
	"sort"
	"time"

	"github.com/metyatech/agent-runner/internal/store/jsonstore"
)

// WorkItemKind distinguishes issues from pull requests.
type WorkItemKind string

const (
	KindIssue WorkItemKind = "issue"
	KindPR    WorkItemKind = "pull-request"
)

// Activity is the supervision record of a live subprocess.
type Activity struct {
	ID          string       `json:"id"` // "issue:<item_id>", "review:<item_id>", or "idle:<uuid>"
	Kind        string       `json:"kind"` // "issue" | "review" | "idle"
	Engine      string       `json:"engine"`
	RepoOwner   string       `json:"repo_owner"`
	RepoName    string       `json:"repo_name"`
	StartedAt   time.Time    `json:"started_at"`
	PID         int          `json:"pid"`
	LogPath     string       `json:"log_path"`
	ItemID      string       `json:"item_id,omitempty"`
	ItemNumber  int          `json:"item_number,omitempty"`
	IdleTask    string       `json:"idle_task,omitempty"`
}

// RunningIssue is the legacy per-issue projection of Activity kept in
// sync so stalled-state recovery can find orphans even if the Activity
// record itself is missing.
type RunningIssue struct {
	ItemID     string    `json:"item_id"`
	RepoOwner  string    `json:"repo_owner"`
	RepoName   string    `json:"repo_name"`
	ItemNumber int       `json:"item_number"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
}

// ScheduledRetry is a quota-deferred retry.
type ScheduledRetry struct {
	ItemID       string    `json:"item_id"`
	RunAfter     time.Time `json:"run_after_ts"`
	Reason       string    `json:"reason"`
	SessionToken string    `json:"session_token,omitempty"`
}

// ReviewQueueEntry is one pending review follow-up.
type ReviewQueueEntry struct {
	ItemID        string    `json:"item_id"`
	PRNumber      int       `json:"pr_number"`
	RepoOwner     string    `json:"repo_owner"`
	RepoName      string    `json:"repo_name"`
	URL           string    `json:"url"`
	Reason        string    `json:"reason"` // review_comment | review | approval
	RequiresEngine bool     `json:"requires_engine"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// WebhookQueueEntry is a dispatch-pending reference derived from a
// webhook delivery.
type WebhookQueueEntry struct {
	ItemID     string    `json:"item_id"`
	RepoOwner  string    `json:"repo_owner"`
	RepoName   string    `json:"repo_name"`
	ItemNumber int       `json:"item_number"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RepoCache is the last-known in-scope repository list for "all repos"
// mode.
type RepoCache struct {
	Repos        []string  `json:"repos"`
	UpdatedAt    time.Time `json:"updated_at"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// IdleHistory records per-repo idle-run bookkeeping plus a rotating
// task cursor.
type IdleHistory struct {
	Repos      map[string]IdleRepoState `json:"repos"`
	TaskCursor int                      `json:"task_cursor"`
}

// IdleRepoState is one repo's entry in IdleHistory.
type IdleRepoState struct {
	LastRunAt time.Time `json:"last_run_at"`
	LastTask  string    `json:"last_task"`
}

// GeminiBackoff maps a model ID to the time capacity-exhaustion backoff
// expires.
type GeminiBackoff struct {
	Models map[string]time.Time `json:"models"`
}

// ManagedPRSet is the bounded, append-under-lock set of PRs authored by
// the orchestrator's own identity.
type ManagedPRSet struct {
	Entries []string `json:"entries"` // "owner/repo#number", most-recent last
}

// MaxManagedPRs bounds the Managed-PR Set per invariant I3.
const MaxManagedPRs = 20000

// MaxQueueEntries bounds the review and webhook queues per invariant I3.
const MaxQueueEntries = 10000

// ProcessedCommands is the bounded most-recent set of handled comment
// IDs, guaranteeing at-most-once command handling.
type ProcessedCommands struct {
	CommentIDs []string `json:"comment_ids"`
}

const maxProcessedCommands = 10000

// State bundles jsonstore.File handles for every JSON-backed record set
// under one state directory.
type State struct {
	dir string

	Activity          *jsonstore.File
	RunningIssues     *jsonstore.File
	ScheduledRetries  *jsonstore.File
	ReviewQueue       *jsonstore.File
	WebhookQueue      *jsonstore.File
	ManagedPRs        *jsonstore.File
	RepoCacheFile     *jsonstore.File
	IdleHistoryFile   *jsonstore.File
	GeminiBackoffFile *jsonstore.File
	ProcessedCmds     *jsonstore.File
	MetricsSnapshot   *jsonstore.File
}

// Open wires every record-set file under dir (typically
// <workdirRoot>/agent-runner/state).
func Open(dir string) *State {
	return &State{
		dir:               dir,
		Activity:          jsonstore.New(dir, "activity.json"),
		RunningIssues:     jsonstore.New(dir, "running.json"),
		ScheduledRetries:  jsonstore.New(dir, "scheduled-retries.json"),
		ReviewQueue:       jsonstore.New(dir, "review-queue.json"),
		WebhookQueue:      jsonstore.New(dir, "webhook-queue.json"),
		ManagedPRs:        jsonstore.New(dir, "managed-pull-requests.json"),
		RepoCacheFile:     jsonstore.New(dir, "repos.json"),
		IdleHistoryFile:   jsonstore.New(dir, "idle-history.json"),
		GeminiBackoffFile: jsonstore.New(dir, "gemini-capacity-backoff.json"),
		ProcessedCmds:     jsonstore.New(dir, "agent-command-state.json"),
		MetricsSnapshot:   jsonstore.New(dir, "metrics-snapshot.json"),
	}
}

// Dir returns the state directory this State was opened against.
func (s *State) Dir() string { return s.dir }

// AppendManagedPR adds key ("owner/repo#number") to the Managed-PR Set
// under lock, trimming the oldest entries once MaxManagedPRs is exceeded.
func (s *State) AppendManagedPR(key string) error {
	var set ManagedPRSet
	return s.ManagedPRs.Update(&set, func() error {
		for _, existing := range set.Entries {
			if existing == key {
				return nil
			}
		}
		set.Entries = append(set.Entries, key)
		if len(set.Entries) > MaxManagedPRs {
			set.Entries = set.Entries[len(set.Entries)-MaxManagedPRs:]
		}
		return nil
	})
}

// AddActivity records a started subprocess, replacing any existing
// record for the same ID.
func (s *State) AddActivity(a Activity) error {
	var activities []Activity
	return s.Activity.Update(&activities, func() error {
		filtered := activities[:0]
		for _, existing := range activities {
			if existing.ID != a.ID {
				filtered = append(filtered, existing)
			}
		}
		activities = append(filtered, a)
		return nil
	})
}

// RemoveActivity deletes the activity record for id, if present.
func (s *State) RemoveActivity(id string) error {
	var activities []Activity
	return s.Activity.Update(&activities, func() error {
		filtered := activities[:0]
		for _, existing := range activities {
			if existing.ID != id {
				filtered = append(filtered, existing)
			}
		}
		activities = filtered
		return nil
	})
}

// AddRunningIssue records a started issue/PR run, replacing any
// existing record for the same item.
func (s *State) AddRunningIssue(r RunningIssue) error {
	var running []RunningIssue
	return s.RunningIssues.Update(&running, func() error {
		filtered := running[:0]
		for _, existing := range running {
			if existing.ItemID != r.ItemID {
				filtered = append(filtered, existing)
			}
		}
		running = append(filtered, r)
		return nil
	})
}

// RemoveRunningIssue deletes the running-issue record for itemID, if
// present.
func (s *State) RemoveRunningIssue(itemID string) error {
	var running []RunningIssue
	return s.RunningIssues.Update(&running, func() error {
		filtered := running[:0]
		for _, existing := range running {
			if existing.ItemID != itemID {
				filtered = append(filtered, existing)
			}
		}
		running = filtered
		return nil
	})
}

// EnqueueReview appends entry deduplicated by ItemID, bounded to
// MaxQueueEntries (oldest dropped first).
func (s *State) EnqueueReview(entry ReviewQueueEntry) error {
	var q []ReviewQueueEntry
	return s.ReviewQueue.Update(&q, func() error {
		for i, e := range q {
			if e.ItemID == entry.ItemID {
				q[i] = entry
				return nil
			}
		}
		q = append(q, entry)
		if len(q) > MaxQueueEntries {
			q = q[len(q)-MaxQueueEntries:]
		}
		return nil
	})
}

// TakeReviewEntries removes and returns up to n entries matching pred,
// preserving FIFO order among matches. Non-matching entries are left in
// the queue untouched.
func (s *State) TakeReviewEntries(n int, pred func(ReviewQueueEntry) bool) ([]ReviewQueueEntry, error) {
	var q []ReviewQueueEntry
	var taken []ReviewQueueEntry
	err := s.ReviewQueue.Update(&q, func() error {
		remaining := q[:0]
		for _, e := range q {
			if len(taken) < n && pred(e) {
				taken = append(taken, e)
				continue
			}
			remaining = append(remaining, e)
		}
		q = remaining
		return nil
	})
	return taken, err
}

// EnqueueWebhookItem appends entry deduplicated by ItemID, bounded to
// MaxQueueEntries (oldest dropped first).
func (s *State) EnqueueWebhookItem(entry WebhookQueueEntry) error {
	var q []WebhookQueueEntry
	return s.WebhookQueue.Update(&q, func() error {
		for i, e := range q {
			if e.ItemID == entry.ItemID {
				q[i] = entry
				return nil
			}
		}
		q = append(q, entry)
		if len(q) > MaxQueueEntries {
			q = q[len(q)-MaxQueueEntries:]
		}
		return nil
	})
}

// TakeWebhookItems removes and returns up to n queued webhook items,
// oldest-enqueued first.
func (s *State) TakeWebhookItems(n int) ([]WebhookQueueEntry, error) {
	var q []WebhookQueueEntry
	var taken []WebhookQueueEntry
	err := s.WebhookQueue.Update(&q, func() error {
		sort.Slice(q, func(i, j int) bool { return q[i].EnqueuedAt.Before(q[j].EnqueuedAt) })
		remaining := q[:0]
		for _, e := range q {
			if len(taken) < n {
				taken = append(taken, e)
				continue
			}
			remaining = append(remaining, e)
		}
		q = remaining
		return nil
	})
	return taken, err
}

// MarkCommentProcessed records commentID in the bounded processed-
// commands set, returning true if it was already present.
func (s *State) MarkCommentProcessed(commentID string) (alreadyProcessed bool, err error) {
	var pc ProcessedCommands
	err = s.ProcessedCmds.Update(&pc, func() error {
		for _, id := range pc.CommentIDs {
			if id == commentID {
				alreadyProcessed = true
				return nil
			}
		}
		pc.CommentIDs = append(pc.CommentIDs, commentID)
		if len(pc.CommentIDs) > maxProcessedCommands {
			pc.CommentIDs = pc.CommentIDs[len(pc.CommentIDs)-maxProcessedCommands:]
		}
		return nil
	})
	return alreadyProcessed, err
}

// SortReviewQueueByEnqueue returns entries ordered oldest-enqueued first.
func SortReviewQueueByEnqueue(entries []ReviewQueueEntry) []ReviewQueueEntry {
	sorted := make([]ReviewQueueEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EnqueuedAt.Before(sorted[j].EnqueuedAt) })
	return sorted
}
