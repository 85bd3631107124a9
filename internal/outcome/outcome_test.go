package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/supervisor"
)

type fakeClient struct {
	ghclient.Client
	labelsAdded   []string
	labelsRemoved []string
	comments      []string
}

func (f *fakeClient) AddLabels(_ context.Context, _, _ string, _ int, labels []string) error {
	f.labelsAdded = append(f.labelsAdded, labels...)
	return nil
}

func (f *fakeClient) RemoveLabel(_ context.Context, _, _ string, _ int, label string) error {
	f.labelsRemoved = append(f.labelsRemoved, label)
	return nil
}

func (f *fakeClient) ListIssueComments(context.Context, string, string, int) ([]*github.IssueComment, error) {
	return nil, nil
}

func (f *fakeClient) CreateComment(_ context.Context, _, _ string, _ int, body string) (*github.IssueComment, error) {
	f.comments = append(f.comments, body)
	return &github.IssueComment{}, nil
}

func testLabels() config.Labels {
	return config.Labels{
		Queued:         "agent-queued",
		Running:        "agent-running",
		Done:           "agent-done",
		Failed:         "agent-failed",
		NeedsUserReply: "needs-user-reply",
		ReviewFollowup: "review-followup",
		Request:        "agent-run",
	}
}

func TestApply_Done_TransitionsLabelsAndPostsSummary(t *testing.T) {
	gh := &fakeClient{}
	state := store.Open(t.TempDir())
	out := supervisor.Outcome{Status: "done", Summary: "Implemented the feature."}

	err := Apply(context.Background(), gh, state, nil, testLabels(), "org", "repo", 1, "org/repo#1", out, time.Now())
	require.NoError(t, err)

	assert.Contains(t, gh.labelsRemoved, "agent-queued")
	assert.Contains(t, gh.labelsRemoved, "agent-running")
	assert.Contains(t, gh.labelsAdded, "agent-done")
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "Implemented the feature.")
}

func TestApply_NeedsUserReply_AddsLabel(t *testing.T) {
	gh := &fakeClient{}
	state := store.Open(t.TempDir())
	out := supervisor.Outcome{Status: "needs_user_reply", Summary: "Need a decision on X."}

	err := Apply(context.Background(), gh, state, nil, testLabels(), "org", "repo", 1, "org/repo#1", out, time.Now())
	require.NoError(t, err)

	assert.Contains(t, gh.labelsAdded, "needs-user-reply")
	assert.NotContains(t, gh.labelsAdded, "agent-done")
}

func TestApply_Quota_SchedulesRetryPreservingSessionToken(t *testing.T) {
	gh := &fakeClient{}
	state := store.Open(t.TempDir())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resumeAt := now.Add(2 * time.Hour)
	out := supervisor.Outcome{FailureKind: supervisor.FailureQuota, QuotaResumeAt: &resumeAt, SessionToken: "tok-123"}

	err := Apply(context.Background(), gh, state, nil, testLabels(), "org", "repo", 1, "org/repo#1", out, now)
	require.NoError(t, err)

	assert.Contains(t, gh.labelsAdded, "agent-queued")
	assert.Contains(t, gh.labelsRemoved, "agent-running")

	var retries []store.ScheduledRetry
	require.NoError(t, state.ScheduledRetries.Read(&retries))
	require.Len(t, retries, 1)
	assert.Equal(t, "org/repo#1", retries[0].ItemID)
	assert.True(t, retries[0].RunAfter.Equal(resumeAt))
	assert.Equal(t, "tok-123", retries[0].SessionToken)
}

func TestApply_OtherFailure_LabelsFailedAndPostsReason(t *testing.T) {
	gh := &fakeClient{}
	state := store.Open(t.TempDir())
	out := supervisor.Outcome{FailureKind: supervisor.FailureExecution, FailureDetail: "panic: nil pointer"}

	err := Apply(context.Background(), gh, state, nil, testLabels(), "org", "repo", 1, "org/repo#1", out, time.Now())
	require.NoError(t, err)

	assert.Contains(t, gh.labelsAdded, "agent-failed")
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "panic: nil pointer")
}
