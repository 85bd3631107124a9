package cli

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/reconciler"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/webhook"
)

// webhookEventPayload captures the handful of fields the ingress handler
// needs out of the "issues", "issue_comment", and "pull_request" event
// bodies; every other field is ignored.
type webhookEventPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
}

// buildWebhookHandler enqueues a Webhook-Queue entry for any event that
// names an issue or pull-request number, leaving the dispatcher's next
// tick to pick it up ahead of reconciler-discovered work.
func buildWebhookHandler(state *store.State) webhook.Handler {
	return func(event, deliveryID string, payload []byte) error {
		switch event {
		case "issues", "issue_comment", "pull_request", "pull_request_review", "pull_request_review_comment":
		default:
			return nil
		}

		var parsed webhookEventPayload
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return err
		}

		number := parsed.Issue.Number
		if number == 0 {
			number = parsed.PullRequest.Number
		}
		if number == 0 || parsed.Repository.FullName == "" {
			return nil
		}

		owner, repo, ok := splitFullName(parsed.Repository.FullName)
		if !ok {
			return nil
		}

		itemID := owner + "/" + repo + "#" + strconv.Itoa(number)
		return state.EnqueueWebhookItem(store.WebhookQueueEntry{
			ItemID:     itemID,
			RepoOwner:  owner,
			RepoName:   repo,
			ItemNumber: number,
			EnqueuedAt: time.Now(),
		})
	}
}

func splitFullName(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// buildCatchupScan re-derives the same candidate set a reconciler tick
// would and enqueues any item the webhook stream may have missed.
func buildCatchupScan(gh ghclient.Client, state *store.State, rec *reconciler.Reconciler) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var repoCache store.RepoCache
		if err := state.RepoCacheFile.Read(&repoCache); err != nil {
			return err
		}
		repos, err := reconciler.InScopeRepos(ctx, gh, cfg, &repoCache, nil, time.Now())
		if err != nil {
			return err
		}
		candidates, err := rec.Tick(ctx, repos, cfg.Concurrency)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if err := state.EnqueueWebhookItem(store.WebhookQueueEntry{
				ItemID:     c.ItemID,
				RepoOwner:  c.RepoOwner,
				RepoName:   c.RepoName,
				ItemNumber: c.ItemNumber,
				EnqueuedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	}
}
