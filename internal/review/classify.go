// Package review implements the Review Follow-up Engine: per-PR review
// classification, follow-up scheduling, label materialization, and the
// auto-merge state machine.
package review

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/metyatech/agent-runner/internal/ghclient"
)

// Reason is the enqueue reason for a Review Queue Entry.
type Reason string

const (
	ReasonReviewComment Reason = "review_comment"
	ReasonReview        Reason = "review"
	ReasonApproval      Reason = "approval"
)

// Classification is the result of classifying one candidate PR.
type Classification struct {
	Skip           bool
	Reason         Reason
	RequiresEngine bool
	Approved       bool
}

// okPhrasePattern recognizes a COMMENTED review as non-actionable: an
// AI reviewer signaling it found nothing worth flagging, or explicit
// approval/quota language.
var okPhrasePattern = regexp.MustCompile(`(?i)(no new comments|no issues found|looks good|lgtm|approved|usage limit|rate limit|quota|unable to review|sin comentarios nuevos|keine neuen kommentare)`)

// Classify implements the per-candidate classification in full:
// unresolved threads take priority; otherwise the latest review per
// reviewer (merged with requested reviewers) determines outcome.
// aiReviewerBots names logins whose COMMENTED reviews are always
// non-actionable noise (automated review bots), regardless of body
// text; every other reviewer's COMMENTED review still falls back to
// okPhrasePattern.
func Classify(ctx context.Context, gh ghclient.Client, owner, repo string, pr *github.PullRequest, aiReviewerBots []string) (Classification, error) {
	if pr.GetState() != "open" || pr.GetMerged() || pr.GetDraft() {
		return Classification{Skip: true}, nil
	}

	unresolved, err := gh.UnresolvedReviewThreadCount(ctx, owner, repo, pr.GetNumber())
	if err != nil {
		return Classification{}, err
	}
	if unresolved > 0 {
		return Classification{Reason: ReasonReviewComment, RequiresEngine: true}, nil
	}

	reviews, err := gh.ListReviews(ctx, owner, repo, pr.GetNumber())
	if err != nil {
		return Classification{}, err
	}

	latest := latestReviewPerReviewer(reviews)
	requested := requestedReviewerLogins(pr)
	for _, login := range requested {
		if _, ok := latest[login]; !ok {
			latest[login] = nil // pending
		}
	}

	var approvals, changes, actionable, okComments, pending, reviewerCount int
	for _, rv := range latest {
		reviewerCount++
		if rv == nil {
			pending++
			continue
		}
		switch rv.GetState() {
		case "APPROVED":
			approvals++
		case "CHANGES_REQUESTED":
			changes++
		case "COMMENTED":
			login := rv.GetUser().GetLogin()
			if isAIReviewerBot(login, aiReviewerBots) || okPhrasePattern.MatchString(rv.GetBody()) {
				okComments++
			} else {
				actionable++
			}
		}
	}

	if changes > 0 || actionable > 0 {
		return Classification{Reason: ReasonReview, RequiresEngine: true}, nil
	}

	approved := reviewerCount > 0 && pending == 0 && changes == 0 && actionable == 0 && (approvals+okComments) > 0
	if approved {
		return Classification{Reason: ReasonApproval, RequiresEngine: false, Approved: true}, nil
	}

	return Classification{Skip: true}, nil
}

func latestReviewPerReviewer(reviews []*github.PullRequestReview) map[string]*github.PullRequestReview {
	latest := map[string]*github.PullRequestReview{}
	for _, rv := range reviews {
		state := rv.GetState()
		if state != "APPROVED" && state != "CHANGES_REQUESTED" && state != "COMMENTED" {
			continue
		}
		login := rv.GetUser().GetLogin()
		existing, ok := latest[login]
		if !ok || rv.GetSubmittedAt().After(existing.GetSubmittedAt().Time) {
			latest[login] = rv
		}
	}
	return latest
}

func requestedReviewerLogins(pr *github.PullRequest) []string {
	var logins []string
	for _, u := range pr.RequestedReviewers {
		logins = append(logins, u.GetLogin())
	}
	return logins
}

// isAIReviewerBot reports whether login matches one of the configured
// AI-reviewer bot identities (case-insensitive exact match).
func isAIReviewerBot(login string, bots []string) bool {
	for _, b := range bots {
		if strings.EqualFold(b, login) {
			return true
		}
	}
	return false
}
