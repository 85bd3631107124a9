// Package reconciler reads platform state for in-scope repositories,
// mutates labels, and derives the set of actionable work items.
package reconciler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/metyatech/agent-runner/internal/command"
	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/errtype"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/store"
)

// Candidate is one actionable work item surfaced by a tick.
type Candidate struct {
	ItemID     string
	RepoOwner  string
	RepoName   string
	ItemNumber int
	Directive  *command.Directive // non-nil only for comment-triggered candidates
}

// Reconciler derives actionable items and performs the terminal-label
// bookkeeping described in section 4.4.
type Reconciler struct {
	gh     ghclient.Client
	state  *store.State
	cfg    *config.Config
	logger *logging.Logger
}

// New builds a Reconciler over the given GitHub client and durable store.
func New(gh ghclient.Client, state *store.State, cfg *config.Config, logger *logging.Logger) *Reconciler {
	return &Reconciler{gh: gh, state: state, cfg: cfg, logger: logger}
}

// Tick runs one reconciliation pass over repos, returning up to
// capacity actionable candidates.
func (r *Reconciler) Tick(ctx context.Context, repos []string, capacity int) ([]Candidate, error) {
	labels := r.cfg.Labels
	terminal := map[string]bool{
		labels.Queued: true, labels.Running: true, labels.Done: true,
		labels.Failed: true, labels.NeedsUserReply: true,
	}

	var candidates []Candidate
	for _, repo := range repos {
		issues, err := r.gh.ListIssuesByLabel(ctx, r.cfg.Owner, repo, labels.Request)
		if err != nil {
			if r.logger != nil {
				r.logger.WithField("repo", repo).WithError(err).Warn("skipping repo for this tick: platform_api error")
			}
			continue
		}
		for _, issue := range issues {
			current, err := r.gh.CurrentLabels(ctx, r.cfg.Owner, repo, issue.GetNumber())
			if err != nil {
				continue
			}
			if hasAny(current, terminal) {
				continue
			}
			if err := r.gh.AddLabels(ctx, r.cfg.Owner, repo, issue.GetNumber(), []string{labels.Queued}); err != nil {
				continue
			}
		}

		queued, err := r.gh.ListIssuesByLabel(ctx, r.cfg.Owner, repo, labels.Queued)
		if err != nil {
			continue
		}
		sort.Slice(queued, func(i, j int) bool { return queued[i].GetNumber() < queued[j].GetNumber() })
		for _, issue := range queued {
			current, err := r.gh.CurrentLabels(ctx, r.cfg.Owner, repo, issue.GetNumber())
			if err != nil {
				continue
			}
			if containsAny(current, []string{labels.Running, labels.NeedsUserReply}) {
				continue
			}
			if len(candidates) >= capacity {
				break
			}
			candidates = append(candidates, Candidate{
				ItemID:     itemID(repo, issue.GetNumber()),
				RepoOwner:  r.cfg.Owner,
				RepoName:   repo,
				ItemNumber: issue.GetNumber(),
			})
		}
	}
	return candidates, nil
}

// HarvestComments scans new comments on an item for "/agent run"
// directives, gated by author association, recording processed comment
// IDs so each comment is handled at most once.
func (r *Reconciler) HarvestComments(ctx context.Context, owner, repo string, number int) (*command.Directive, error) {
	comments, err := r.gh.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, errtype.Wrap(errtype.PlatformAPI, err, "listing comments")
	}

	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		id := commentID(c.GetID())
		already, err := r.state.MarkCommentProcessed(id)
		if err != nil {
			return nil, err
		}
		if already {
			continue
		}
		directive := command.ParseAuthorized(c.GetBody(), c.GetAuthorAssociation())
		if directive != nil {
			return directive, nil
		}
	}
	return nil, nil
}

// ResolveTargetRepos extracts and deduplicates the repository list from
// an item's templated body.
func ResolveTargetRepos(body string) []string {
	return command.ParseRepoList(body)
}

func hasAny(labels []string, set map[string]bool) bool {
	for _, l := range labels {
		if set[l] {
			return true
		}
	}
	return false
}

func containsAny(labels []string, wanted []string) bool {
	for _, l := range labels {
		for _, w := range wanted {
			if l == w {
				return true
			}
		}
	}
	return false
}

func itemID(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}

func commentID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// repoCacheTTL is the freshness window for the "all repos" local cache.
const repoCacheTTL = 60 * time.Minute

// InScopeRepos resolves the in-scope repository set for "all repos of
// the owner" mode: fresh or rate-limit-blocked cache first, then the
// platform API, falling back to the cache and finally to locally
// present repos on rate-limit.
func InScopeRepos(ctx context.Context, gh ghclient.Client, cfg *config.Config, cache *store.RepoCache, localRepoDirs []string, now time.Time) ([]string, error) {
	if !cfg.Repos.InScopeAll() {
		return cfg.Repos.Names, nil
	}

	if cache != nil {
		fresh := now.Sub(cache.UpdatedAt) < repoCacheTTL
		blocked := !cache.BlockedUntil.IsZero() && cache.BlockedUntil.After(now)
		if fresh || blocked {
			return cache.Repos, nil
		}
	}

	repos, err := gh.ListRepositories(ctx, cfg.Owner)
	if err != nil {
		if cache != nil && len(cache.Repos) > 0 {
			return cache.Repos, nil
		}
		return localRepoDirs, nil
	}
	return repos, nil
}
