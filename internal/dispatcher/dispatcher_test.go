package dispatcher

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/store"
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

func (f *fakeClient) CreateComment(_ context.Context, _, _ string, _ int, body string) (*github.IssueComment, error) {
	f.comments = append(f.comments, body)
	return &github.IssueComment{}, nil
}

func TestMergeCandidates_OrdersByTierThenArrival(t *testing.T) {
	tiers := map[Tier][]Work{
		TierIdle:            {{ItemID: "idle-1"}},
		TierReconciler:      {{ItemID: "recon-1"}, {ItemID: "recon-2"}},
		TierStalledRecovery: {{ItemID: "stalled-1"}},
		TierReviewFollowup:  {{ItemID: "review-1"}},
	}

	merged := MergeCandidates(tiers)

	var ids []string
	for _, w := range merged {
		ids = append(ids, w.ItemID)
	}
	assert.Equal(t, []string{"stalled-1", "recon-1", "recon-2", "idle-1", "review-1"}, ids)
}

func TestRunTick_RespectsGlobalCap(t *testing.T) {
	d := New(1, map[string]int64{"codex": 5}, t.TempDir(), nil)

	var started int32
	release := make(chan struct{})
	work := []Work{
		{ItemID: "a", RepoOwner: "acme", RepoName: "one", Provider: "codex", Run: func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			<-release
			return nil
		}},
		{ItemID: "b", RepoOwner: "acme", RepoName: "two", Provider: "codex", Run: func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			return nil
		}},
	}

	d.RunTick(context.Background(), work)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
	close(release)
}

func TestRunTick_RespectsPerRepoMutualExclusion(t *testing.T) {
	d := New(10, map[string]int64{"codex": 10}, t.TempDir(), nil)

	var started int32
	release := make(chan struct{})
	work := []Work{
		{ItemID: "a", RepoOwner: "acme", RepoName: "widgets", Provider: "codex", Run: func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			<-release
			return nil
		}},
		{ItemID: "b", RepoOwner: "acme", RepoName: "widgets", Provider: "codex", Run: func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			return nil
		}},
	}

	d.RunTick(context.Background(), work)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
	close(release)
}

func TestDetectStalled_DeadPIDFlagged(t *testing.T) {
	activities := []store.Activity{
		{ItemID: "acme/widgets#1", PID: 999999999},
	}
	stalled := DetectStalled(activities, nil)
	require.Len(t, stalled, 1)
	assert.Equal(t, "acme/widgets#1", stalled[0].ItemID)
	assert.Equal(t, StalledDeadPID, stalled[0].Reason)
}

func TestDetectStalled_RunningLabelWithNoActivity(t *testing.T) {
	runningLabeled := map[string]bool{"acme/widgets#2": true}
	stalled := DetectStalled(nil, runningLabeled)
	require.Len(t, stalled, 1)
	assert.Equal(t, "acme/widgets#2", stalled[0].ItemID)
	assert.Equal(t, StalledNoActivity, stalled[0].Reason)
}

func TestDetectStalled_LiveProcessNotFlagged(t *testing.T) {
	activities := []store.Activity{
		{ItemID: "acme/widgets#3", PID: os.Getpid()},
	}
	stalled := DetectStalled(activities, map[string]bool{"acme/widgets#3": true})
	assert.Empty(t, stalled)
}

func TestRecovery_ClearsRecordsAndEnqueuesWebhookItem(t *testing.T) {
	stateDir := t.TempDir()
	state := store.Open(stateDir)
	now := time.Now()

	require.NoError(t, state.ScheduledRetries.Write(&[]store.ScheduledRetry{
		{ItemID: "acme/widgets#4"},
	}))
	require.NoError(t, state.Activity.Write(&[]store.Activity{
		{ID: "issue:acme/widgets#4", ItemID: "acme/widgets#4", PID: 999999999},
	}))
	require.NoError(t, state.RunningIssues.Write(&[]store.RunningIssue{
		{ItemID: "acme/widgets#4"},
	}))

	gh := &fakeClient{}
	err := Recovery(context.Background(), gh, state, "acme", "widgets", 4, "acme/widgets#4", StalledDeadPID, false, now)
	require.NoError(t, err)

	var retries []store.ScheduledRetry
	require.NoError(t, state.ScheduledRetries.Read(&retries))
	assert.Empty(t, retries)

	var activities []store.Activity
	require.NoError(t, state.Activity.Read(&activities))
	assert.Empty(t, activities)

	var running []store.RunningIssue
	require.NoError(t, state.RunningIssues.Read(&running))
	assert.Empty(t, running)

	var webhookQueue []store.WebhookQueueEntry
	require.NoError(t, state.WebhookQueue.Read(&webhookQueue))
	require.Len(t, webhookQueue, 1)
	assert.Equal(t, "acme/widgets#4", webhookQueue[0].ItemID)
	assert.Equal(t, "acme", webhookQueue[0].RepoOwner)
	assert.Equal(t, "widgets", webhookQueue[0].RepoName)
	assert.Equal(t, 4, webhookQueue[0].ItemNumber)

	assert.Contains(t, gh.labelsAdded, "queued")
	assert.Contains(t, gh.labelsRemoved, "running")
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "stalled")
}

func TestRecovery_DryRunPerformsNoMutation(t *testing.T) {
	stateDir := t.TempDir()
	state := store.Open(stateDir)
	gh := &fakeClient{}

	err := Recovery(context.Background(), gh, state, "acme", "widgets", 5, "acme/widgets#5", StalledDeadPID, true, time.Now())
	require.NoError(t, err)

	var webhookQueue []store.WebhookQueueEntry
	require.NoError(t, state.WebhookQueue.Read(&webhookQueue))
	assert.Empty(t, webhookQueue)
	assert.Empty(t, gh.labelsAdded)
	assert.Empty(t, gh.comments)
}
