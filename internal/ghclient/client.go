// Package ghclient wraps the subset of the GitHub REST and GraphQL APIs
// this orchestrator consumes: label mutation, issue/PR search, comment
// posting and listing, review-thread resolution status, and merge with
// method fallback.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/go-github/v68/github"
)

// Client is the narrow surface the Reconciler, Review Follow-up Engine,
// and Outcome Handling depend on.
type Client interface {
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CurrentLabels(ctx context.Context, owner, repo string, number int) ([]string, error)
	EnsureLabel(ctx context.Context, owner, repo, name, color, description string) (created bool, err error)

	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)

	SearchIssues(ctx context.Context, query string) ([]*github.Issue, error)
	ListIssuesByLabel(ctx context.Context, owner, repo, label string) ([]*github.Issue, error)

	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers github.ReviewersRequest) error
	ListReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error)
	UnresolvedReviewThreadCount(ctx context.Context, owner, repo string, number int) (int, error)
	MarkPRReadyForReview(ctx context.Context, owner, repo string, number int) error
	GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error)

	Merge(ctx context.Context, owner, repo string, number int, methodPreference []string) error
	DeleteRef(ctx context.Context, owner, repo, ref string) error

	ListRepositories(ctx context.Context, owner string) ([]string, error)
}

type clientImpl struct {
	gh    *github.Client
	token string
}

// NewClient authenticates a Client with a personal-access or installation
// token. Returns nil if token is empty, matching the collaborator
// contract that platform auth is optional until configured.
func NewClient(token string) Client {
	if token == "" {
		return nil
	}
	return &clientImpl{gh: github.NewClient(nil).WithAuthToken(token), token: token}
}

// NewClientWithGitHub builds a Client around an already-configured
// *github.Client, used in tests against an httptest server.
func NewClientWithGitHub(gh *github.Client, token string) Client {
	return &clientImpl{gh: gh, token: token}
}

func (c *clientImpl) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	return err
}

func (c *clientImpl) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return nil // Already absent.
	}
	return err
}

func (c *clientImpl) CurrentLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return labels, nil
}

// EnsureLabel creates name on the repository if it does not already
// exist, reporting whether it did so.
func (c *clientImpl) EnsureLabel(ctx context.Context, owner, repo, name, color, description string) (bool, error) {
	_, _, err := c.gh.Issues.GetLabel(ctx, owner, repo, name)
	if err == nil {
		return false, nil
	}
	ghErr, ok := err.(*github.ErrorResponse)
	if !ok || ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusNotFound {
		return false, err
	}
	_, _, err = c.gh.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:        github.Ptr(name),
		Color:       github.Ptr(color),
		Description: github.Ptr(description),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *clientImpl) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.Ptr(body)})
	return comment, err
}

func (c *clientImpl) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	var all []*github.IssueComment
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) SearchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	var all []*github.Issue
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		result, resp, err := c.gh.Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		for i := range result.Issues {
			all = append(all, result.Issues[i])
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) ListIssuesByLabel(ctx context.Context, owner, repo, label string) ([]*github.Issue, error) {
	var all []*github.Issue
	opts := &github.IssueListByRepoOptions{Labels: []string{label}, State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, issues...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	return pr, err
}

func (c *clientImpl) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers github.ReviewersRequest) error {
	_, _, err := c.gh.PullRequests.RequestReviewers(ctx, owner, repo, number, reviewers)
	return err
}

func (c *clientImpl) ListReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	var all []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error) {
	var all []*github.PullRequestComment
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// UnresolvedReviewThreadCount counts review threads with isResolved =
// false. REST has no field for thread resolution, so this goes through
// GraphQL, the same fallback path MarkPRReadyForReview uses for
// draft-state mutation.
func (c *clientImpl) UnresolvedReviewThreadCount(ctx context.Context, owner, repo string, number int) (int, error) {
	query := `query($owner: String!, $repo: String!, $number: Int!) {
		repository(owner: $owner, name: $repo) {
			pullRequest(number: $number) {
				reviewThreads(first: 100) { nodes { isResolved } }
			}
		}
	}`
	variables := map[string]any{"owner": owner, "repo": repo, "number": number}

	var result struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool `json:"isResolved"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.graphql(ctx, query, variables, &result); err != nil {
		return 0, err
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("GraphQL error: %s", result.Errors[0].Message)
	}
	count := 0
	for _, node := range result.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if !node.IsResolved {
			count++
		}
	}
	return count, nil
}

func (c *clientImpl) MarkPRReadyForReview(ctx context.Context, owner, repo string, number int) error {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("failed to get PR: %w", err)
	}
	if !pr.GetDraft() {
		return nil
	}

	draft := false
	_, _, restErr := c.gh.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{Draft: &draft})
	if restErr == nil {
		updated, _, verifyErr := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if verifyErr == nil && !updated.GetDraft() {
			return nil
		}
	}

	nodeID := pr.GetNodeID()
	if nodeID == "" {
		return fmt.Errorf("PR %d has no node ID; REST also failed: %v", number, restErr)
	}
	return c.graphqlMarkReady(ctx, nodeID)
}

func (c *clientImpl) graphqlMarkReady(ctx context.Context, nodeID string) error {
	query := `mutation($id: ID!) {
		markPullRequestReadyForReview(input: {pullRequestId: $id}) {
			pullRequest { isDraft }
		}
	}`
	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.graphql(ctx, query, map[string]any{"id": nodeID}, &result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", result.Errors[0].Message)
	}
	return nil
}

func (c *clientImpl) graphql(ctx context.Context, query string, variables map[string]any, dst interface{}) error {
	payload := map[string]any{"query": query, "variables": variables}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal GraphQL request: %w", err)
	}

	graphqlURL := "https://api.github.com/graphql"
	if base := c.gh.BaseURL.String(); base != "" && base != "https://api.github.com/" {
		graphqlURL = base + "graphql"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create GraphQL request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GraphQL request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GraphQL returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *clientImpl) GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

// mergeNotAllowedPattern matches GitHub's error message when the
// repository disallows a given merge method.
var mergeNotAllowedPattern = regexp.MustCompile(`(?i)not allowed|merge method`)

// Merge attempts methodPreference in order (e.g. {"squash","merge","rebase"}),
// trying the next method only when GitHub's error indicates the method
// itself is disallowed; other errors are returned immediately.
func (c *clientImpl) Merge(ctx context.Context, owner, repo string, number int, methodPreference []string) error {
	var lastErr error
	for _, method := range methodPreference {
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{MergeMethod: method})
		if err == nil {
			return nil
		}
		lastErr = err
		if !mergeNotAllowedPattern.MatchString(err.Error()) {
			return err
		}
	}
	return lastErr
}

func (c *clientImpl) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	_, err := c.gh.Git.DeleteRef(ctx, owner, repo, "heads/"+ref)
	return err
}

func (c *clientImpl) ListRepositories(ctx context.Context, owner string) ([]string, error) {
	var names []string
	opts := &github.RepositoryListByUserOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		repos, resp, err := c.gh.Repositories.ListByUser(ctx, owner, opts)
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			names = append(names, r.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

var prURLRegex = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// PRReference holds the parsed components of a GitHub PR URL.
type PRReference struct {
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL parses a GitHub pull request URL into owner, repo, and number.
func ParsePRURL(rawURL string) (*PRReference, error) {
	matches := prURLRegex.FindStringSubmatch(rawURL)
	if matches == nil {
		return nil, fmt.Errorf("invalid GitHub PR URL: %q", rawURL)
	}
	number, err := strconv.Atoi(matches[3])
	if err != nil {
		return nil, fmt.Errorf("invalid PR number in URL %q: %w", rawURL, err)
	}
	return &PRReference{Owner: matches[1], Repo: matches[2], Number: number}, nil
}
