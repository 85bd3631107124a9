package review

import (
	"github.com/metyatech/agent-runner/internal/store"
)

// LogicalState is the materialized follow-up state for a PR.
type LogicalState string

const (
	StateNone           LogicalState = "none"
	StateQueued         LogicalState = "queued"
	StateWaiting        LogicalState = "waiting"
	StateActionRequired LogicalState = "action-required"
)

// LabelsFor returns the label set a logical state materializes to.
func LabelsFor(state LogicalState) []string {
	switch state {
	case StateQueued:
		return []string{"review-followup"}
	case StateWaiting:
		return []string{"review-followup", "review-followup:waiting"}
	case StateActionRequired:
		return []string{"review-followup:action-required"}
	default:
		return nil
	}
}

// LabelDiff computes which labels to add and remove to move from
// current to the label set LabelsFor(target) represents.
func LabelDiff(current []string, target LogicalState) (add, remove []string) {
	wanted := map[string]bool{}
	for _, l := range LabelsFor(target) {
		wanted[l] = true
	}
	currentSet := map[string]bool{}
	for _, l := range current {
		currentSet[l] = true
	}

	allFollowupLabels := []string{"review-followup", "review-followup:waiting", "review-followup:action-required"}
	for _, l := range allFollowupLabels {
		if wanted[l] && !currentSet[l] {
			add = append(add, l)
		}
		if !wanted[l] && currentSet[l] {
			remove = append(remove, l)
		}
	}
	return add, remove
}

// Schedule selects which queued entries get engine slots this tick.
// spare = max(0, concurrency - running_non_review). When no engine
// provider is usable, only merge-only (RequiresEngine=false) entries are
// selected, per the degraded-capacity rule.
func Schedule(entries []store.ReviewQueueEntry, spare int, engineAvailable bool) []store.ReviewQueueEntry {
	if spare <= 0 {
		return nil
	}
	ordered := store.SortReviewQueueByEnqueue(entries)

	var selected []store.ReviewQueueEntry
	for _, e := range ordered {
		if len(selected) >= spare {
			break
		}
		if e.RequiresEngine && !engineAvailable {
			continue
		}
		selected = append(selected, e)
	}
	return selected
}

// AssignEngines round-robins entries across the given allowed engine
// names, in order.
func AssignEngines(entries []store.ReviewQueueEntry, engines []string) map[string]string {
	assignment := make(map[string]string, len(entries))
	if len(engines) == 0 {
		return assignment
	}
	for i, e := range entries {
		assignment[e.ItemID] = engines[i%len(engines)]
	}
	return assignment
}
