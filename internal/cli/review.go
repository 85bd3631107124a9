package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/dispatcher"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/quota"
	"github.com/metyatech/agent-runner/internal/review"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/store/sessions"
	"github.com/metyatech/agent-runner/internal/supervisor"
)

// surveyManagedPRs classifies each managed pull request, enqueueing the
// ones that need engine follow-up, running auto-merge directly on the
// approved ones, and relabeling every one to match its current logical
// state, per the review follow-up contract.
func surveyManagedPRs(ctx context.Context, gh ghclient.Client, state *store.State) error {
	var managed store.ManagedPRSet
	if err := state.ManagedPRs.Read(&managed); err != nil {
		return err
	}

	for _, key := range managed.Entries {
		owner, repo, number, ok := parseManagedPRKey(key)
		if !ok {
			continue
		}

		pr, err := gh.GetPullRequest(ctx, owner, repo, number)
		if err != nil {
			logger.WithField("pr", key).WithError(err).Warn("failed to fetch managed pull request")
			continue
		}

		classification, err := review.Classify(ctx, gh, owner, repo, pr, cfg.AIReviewerBots)
		if err != nil {
			logger.WithField("pr", key).WithError(err).Warn("failed to classify managed pull request")
			continue
		}

		target := review.StateNone
		switch {
		case classification.Skip:
			target = review.StateNone
		case classification.Approved:
			target = review.StateNone
			result := review.RunAutoMerge(ctx, gh, owner, repo, number, mergeMethodPreference(), cfg.AIReviewerBots)
			logger.WithField("pr", key).WithField("state", string(result.State)).Info("auto-merge attempt")
		case classification.RequiresEngine:
			target = review.StateActionRequired
			if err := state.EnqueueReview(store.ReviewQueueEntry{
				ItemID:         key,
				PRNumber:       number,
				RepoOwner:      owner,
				RepoName:       repo,
				URL:            pr.GetHTMLURL(),
				Reason:         string(classification.Reason),
				RequiresEngine: classification.RequiresEngine,
				EnqueuedAt:     time.Now(),
			}); err != nil {
				return err
			}
		default:
			target = review.StateQueued
		}

		current, err := gh.CurrentLabels(ctx, owner, repo, number)
		if err != nil {
			logger.WithField("pr", key).WithError(err).Warn("failed to read current labels")
			continue
		}
		add, remove := review.LabelDiff(current, target)
		if len(add) > 0 {
			if err := gh.AddLabels(ctx, owner, repo, number, add); err != nil {
				return err
			}
		}
		for _, l := range remove {
			if err := gh.RemoveLabel(ctx, owner, repo, number, l); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeMethodPreference mirrors the default GitHub merge-method ranking
// until repository-level overrides are configured.
func mergeMethodPreference() []string {
	return review.MergeMethodPreference(true, true, true)
}

// dispatchReviewFollowups schedules spare dispatcher capacity against
// the review queue and returns Work entries ready for RunTick.
func dispatchReviewFollowups(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, gates map[string]*quota.Gate, sup *supervisor.Supervisor, spare int, now time.Time) ([]dispatcher.Work, error) {
	if spare <= 0 {
		return nil, nil
	}

	var queue []store.ReviewQueueEntry
	if err := state.ReviewQueue.Read(&queue); err != nil {
		return nil, err
	}

	_, engineAvailable := gates["codex"]
	selected := review.Schedule(queue, spare, engineAvailable)
	if len(selected) == 0 {
		return nil, nil
	}

	taken, err := state.TakeReviewEntries(len(selected), func(e store.ReviewQueueEntry) bool {
		for _, s := range selected {
			if s.ItemID == e.ItemID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	assignment := review.AssignEngines(taken, allowedReviewEngines(gates))

	work := make([]dispatcher.Work, 0, len(taken))
	for _, entry := range taken {
		entry := entry
		engineName := assignment[entry.ItemID]
		if engineName == "" {
			engineName = "codex"
		}
		work = append(work, dispatcher.Work{
			ItemID:    entry.ItemID,
			RepoOwner: entry.RepoOwner,
			RepoName:  entry.RepoName,
			Provider:  engineName,
			Tier:      dispatcher.TierReviewFollowup,
			Run: func(ctx context.Context) error {
				return runReviewFollowup(ctx, gh, state, sess, gates[engineName], sup, entry, engineName, now)
			},
		})
	}
	return work, nil
}

// allowedReviewEngines returns the engine names with a usable quota gate
// wired, in a stable order, for round-robin assignment across review
// follow-ups.
func allowedReviewEngines(gates map[string]*quota.Gate) []string {
	var names []string
	for _, name := range []string{"codex", "copilot", "amazonQ", "gemini"} {
		if _, ok := gates[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = append(names, "codex")
	}
	return names
}

// engineConfigFor resolves the EngineConfig backing a round-robin
// assignment's engine name.
func engineConfigFor(name string) config.EngineConfig {
	switch name {
	case "copilot":
		return cfg.Copilot
	case "amazonQ":
		return cfg.AmazonQ
	case "gemini":
		return cfg.Gemini
	default:
		return cfg.Codex
	}
}

func runReviewFollowup(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, gate *quota.Gate, sup *supervisor.Supervisor, entry store.ReviewQueueEntry, engineName string, now time.Time) error {
	if gate != nil {
		decision, _, err := gate.Check(ctx, now)
		if err == nil && !decision.Allow {
			return state.EnqueueReview(entry)
		}
	}

	engine := engineConfigFor(engineName)

	record, _ := sess.Get(entry.ItemID)
	envOverlay := map[string]string{}
	if record != nil && record.Token != "" {
		envOverlay["AGENT_SESSION_TOKEN"] = record.Token
	}

	if err := gh.AddLabels(ctx, entry.RepoOwner, entry.RepoName, entry.PRNumber, []string{cfg.Labels.Running}); err != nil {
		return err
	}

	activityID := "review:" + entry.ItemID
	defer func() {
		_ = state.RemoveActivity(activityID)
		_ = state.RemoveRunningIssue(entry.ItemID)
	}()

	logsDir := cfg.WorkdirRoot + "/agent-runner/logs"
	logPath := logsDir + "/repo-issue-" + uuid.NewString() + ".log"
	out, err := sup.Run(ctx, supervisor.Spec{
		Command:    engine.Command,
		Args:       engine.Args,
		EnvOverlay: envOverlay,
		Prompt:     fmt.Sprintf("Address review follow-up on %s/%s#%d: %s", entry.RepoOwner, entry.RepoName, entry.PRNumber, entry.Reason),
		PromptMode: supervisor.PromptMode(engine.PromptMode),
		Timeout:    time.Duration(engine.TimeoutSeconds) * time.Second,
		LogPath:    logPath,
		OnStart: func(pid int) {
			startedAt := time.Now()
			_ = state.AddActivity(store.Activity{
				ID:         activityID,
				Kind:       "review",
				Engine:     engineName,
				RepoOwner:  entry.RepoOwner,
				RepoName:   entry.RepoName,
				StartedAt:  startedAt,
				PID:        pid,
				LogPath:    logPath,
				ItemID:     entry.ItemID,
				ItemNumber: entry.PRNumber,
			})
			_ = state.AddRunningIssue(store.RunningIssue{
				ItemID:     entry.ItemID,
				RepoOwner:  entry.RepoOwner,
				RepoName:   entry.RepoName,
				ItemNumber: entry.PRNumber,
				PID:        pid,
				StartedAt:  startedAt,
			})
		},
	})
	if err != nil {
		return err
	}

	return applyReviewOutcome(ctx, gh, state, sess, entry, out, now)
}

func applyReviewOutcome(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, entry store.ReviewQueueEntry, out supervisor.Outcome, now time.Time) error {
	if out.SessionToken != "" {
		if err := sess.Upsert(entry.ItemID, out.SessionToken, now); err != nil {
			return err
		}
	}
	if out.FailureKind == supervisor.FailureQuota {
		return state.EnqueueReview(entry)
	}
	return nil
}

func parseManagedPRKey(key string) (owner, repo string, number int, ok bool) {
	repoPath, num, ok := parseItemID(key)
	if !ok {
		return "", "", 0, false
	}
	for i := len(repoPath) - 1; i >= 0; i-- {
		if repoPath[i] == '/' {
			return repoPath[:i], repoPath[i+1:], num, true
		}
	}
	return "", "", 0, false
}
