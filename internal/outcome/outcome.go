// Package outcome applies a completed subprocess run's result to
// labels, comments, and the session/retry state, per the per-status
// and per-failure-kind rules.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/store/sessions"
	"github.com/metyatech/agent-runner/internal/supervisor"
)

// DefaultQuotaBackoff is used when a quota failure carries no parsed
// resume hint.
const DefaultQuotaBackoff = 30 * time.Minute

// MarkerKey identifies the outcome-comment family for ghclient's
// at-most-once marker protocol.
const MarkerKey = "agent-runner-outcome"

// Apply transitions labels, posts the appropriate comment, and updates
// retry/session state for one finished Supervisor run.
func Apply(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, labels config.Labels, owner, repo string, number int, itemID string, out supervisor.Outcome, now time.Time) error {
	switch {
	case out.Status == "done":
		return applyDone(ctx, gh, state, sess, labels, owner, repo, number, itemID, out)
	case out.Status == "needs_user_reply":
		return applyNeedsUserReply(ctx, gh, state, labels, owner, repo, number, itemID, out)
	case out.FailureKind == supervisor.FailureQuota:
		return applyQuota(ctx, gh, state, labels, owner, repo, number, itemID, out, now)
	default:
		return applyFailure(ctx, gh, state, sess, labels, owner, repo, number, itemID, out)
	}
}

func applyDone(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, labels config.Labels, owner, repo string, number int, itemID string, out supervisor.Outcome) error {
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Queued); err != nil {
		return err
	}
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Running); err != nil {
		return err
	}
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.NeedsUserReply); err != nil {
		return err
	}
	if err := gh.AddLabels(ctx, owner, repo, number, []string{labels.Done}); err != nil {
		return err
	}

	body := out.Summary
	if body == "" {
		body = "Run completed."
	}
	if err := postMarkerComment(ctx, gh, owner, repo, number, body); err != nil {
		return err
	}

	return persistSessionToken(sess, itemID, out.SessionToken)
}

func applyNeedsUserReply(ctx context.Context, gh ghclient.Client, state *store.State, labels config.Labels, owner, repo string, number int, itemID string, out supervisor.Outcome) error {
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Queued); err != nil {
		return err
	}
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Running); err != nil {
		return err
	}
	if err := gh.AddLabels(ctx, owner, repo, number, []string{labels.NeedsUserReply}); err != nil {
		return err
	}
	return postMarkerComment(ctx, gh, owner, repo, number, out.Summary)
}

func applyQuota(ctx context.Context, gh ghclient.Client, state *store.State, labels config.Labels, owner, repo string, number int, itemID string, out supervisor.Outcome, now time.Time) error {
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Running); err != nil {
		return err
	}
	if err := gh.AddLabels(ctx, owner, repo, number, []string{labels.Queued}); err != nil {
		return err
	}

	runAfter := now.Add(DefaultQuotaBackoff)
	if out.QuotaResumeAt != nil {
		runAfter = *out.QuotaResumeAt
	}

	var retries []store.ScheduledRetry
	return state.ScheduledRetries.Update(&retries, func() error {
		for i, r := range retries {
			if r.ItemID == itemID {
				retries[i] = store.ScheduledRetry{ItemID: itemID, RunAfter: runAfter, Reason: "quota", SessionToken: out.SessionToken}
				return nil
			}
		}
		retries = append(retries, store.ScheduledRetry{ItemID: itemID, RunAfter: runAfter, Reason: "quota", SessionToken: out.SessionToken})
		return nil
	})
}

func applyFailure(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, labels config.Labels, owner, repo string, number int, itemID string, out supervisor.Outcome) error {
	if err := gh.RemoveLabel(ctx, owner, repo, number, labels.Running); err != nil {
		return err
	}
	if err := gh.AddLabels(ctx, owner, repo, number, []string{labels.Failed}); err != nil {
		return err
	}

	detail := out.FailureDetail
	if detail == "" {
		detail = string(out.FailureKind)
	}
	if err := postMarkerComment(ctx, gh, owner, repo, number, fmt.Sprintf("Run failed (%s): %s", out.FailureKind, detail)); err != nil {
		return err
	}

	return persistSessionToken(sess, itemID, out.SessionToken)
}

func postMarkerComment(ctx context.Context, gh ghclient.Client, owner, repo string, number int, body string) error {
	comments, err := gh.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	if !ghclient.ShouldRepost(comments, MarkerKey, "") {
		return nil
	}
	marked := ghclient.BuildMarker(MarkerKey, body) + body
	_, err = gh.CreateComment(ctx, owner, repo, number, marked)
	return err
}

func persistSessionToken(sess *sessions.Store, itemID, token string) error {
	if sess == nil || token == "" {
		return nil
	}
	return sess.Upsert(itemID, token, time.Now())
}
