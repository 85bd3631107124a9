package review

import (
	"context"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/metyatech/agent-runner/internal/ghclient"
)

// MergeState is one step of the per-approval-entry auto-merge flow.
type MergeState string

const (
	MergeFetch         MergeState = "Fetch"
	MergeGate          MergeState = "Gate"
	MergeWaitMergeable MergeState = "WaitMergeable"
	MergeMerge         MergeState = "Merge"
	MergeDeleteHead    MergeState = "DeleteHead"
	MergeDone          MergeState = "Done"
	MergeRetryLater    MergeState = "RetryLater"
	MergeActionRequired MergeState = "ActionRequired"
)

// Outcome is the terminal result of one auto-merge attempt.
type Outcome struct {
	State  MergeState
	Reason string
	Merged bool
	Retry  bool
}

// mergeablePollAttempts and mergeablePollInterval implement the
// WaitMergeable poll contract: up to 10 attempts, 500ms apart.
const (
	mergeablePollAttempts  = 10
	mergeablePollInterval  = 500 * time.Millisecond
)

// RunAutoMerge drives one PR through Fetch -> Gate -> WaitMergeable ->
// Merge -> DeleteHead -> Done, per the contract in full.
func RunAutoMerge(ctx context.Context, gh ghclient.Client, owner, repo string, number int, mergeMethodPreference []string, aiReviewerBots []string) Outcome {
	pr, err := gh.GetPullRequest(ctx, owner, repo, number)
	if err != nil || pr == nil {
		return Outcome{State: MergeActionRequired, Reason: "not_found"}
	}
	if pr.GetState() != "open" || pr.GetMerged() {
		return Outcome{State: MergeDone, Reason: "already_terminal"}
	}

	if gate := evaluateGate(ctx, gh, owner, repo, pr, aiReviewerBots); gate.State != MergeWaitMergeable {
		return gate
	}

	mergeable, mergeableState, err := pollMergeable(ctx, gh, owner, repo, number)
	if err != nil {
		return Outcome{State: MergeRetryLater, Reason: "mergeable_check_failed", Retry: true}
	}
	if !mergeable || mergeableState != "clean" {
		return Outcome{State: MergeRetryLater, Reason: "not_mergeable:" + mergeableState, Retry: true}
	}

	if err := gh.Merge(ctx, owner, repo, number, mergeMethodPreference); err != nil {
		if isTransientMergeError(err) {
			return Outcome{State: MergeRetryLater, Reason: "transient_merge_error:" + err.Error(), Retry: true}
		}
		return Outcome{State: MergeActionRequired, Reason: "merge_failed:" + err.Error()}
	}

	if pr.GetHead().GetRepo().GetFullName() == pr.GetBase().GetRepo().GetFullName() {
		_ = gh.DeleteRef(ctx, owner, repo, pr.GetHead().GetRef()) // non-fatal
	}

	return Outcome{State: MergeDone, Merged: true}
}

func evaluateGate(ctx context.Context, gh ghclient.Client, owner, repo string, pr *github.PullRequest, aiReviewerBots []string) Outcome {
	if pr.GetDraft() {
		return Outcome{State: MergeRetryLater, Reason: "draft", Retry: true}
	}

	unresolved, err := gh.UnresolvedReviewThreadCount(ctx, owner, repo, pr.GetNumber())
	if err == nil && unresolved > 0 {
		return Outcome{State: MergeRetryLater, Reason: "unresolved_review_threads", Retry: true}
	}

	if len(pr.RequestedReviewers) > 0 {
		return Outcome{State: MergeRetryLater, Reason: "awaiting_reviewer_feedback", Retry: true}
	}

	classification, err := Classify(ctx, gh, owner, repo, pr, aiReviewerBots)
	if err == nil {
		if classification.Reason == ReasonReview {
			return Outcome{State: MergeActionRequired, Reason: "actionable_review_feedback"}
		}
		if !classification.Approved {
			return Outcome{State: MergeActionRequired, Reason: "not_approved"}
		}
	}

	return Outcome{State: MergeWaitMergeable}
}

func pollMergeable(ctx context.Context, gh ghclient.Client, owner, repo string, number int) (bool, string, error) {
	for attempt := 0; attempt < mergeablePollAttempts; attempt++ {
		pr, err := gh.GetPullRequest(ctx, owner, repo, number)
		if err != nil {
			return false, "", err
		}
		if pr.Mergeable != nil {
			return pr.GetMergeable(), pr.GetMergeableState(), nil
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(mergeablePollInterval):
		}
	}
	return false, "unknown", nil
}

var transientMergeMarkers = []string{"mergeable state", "temporarily unavailable", "try again"}

func isTransientMergeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMergeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// MergeMethodPreference resolves the allowed merge methods in
// squash/merge/rebase order, filtered to what the repository allows.
func MergeMethodPreference(allowSquash, allowMerge, allowRebase bool) []string {
	var methods []string
	if allowSquash {
		methods = append(methods, "squash")
	}
	if allowMerge {
		methods = append(methods, "merge")
	}
	if allowRebase {
		methods = append(methods, "rebase")
	}
	return methods
}
