package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/store/sessions"
	"github.com/metyatech/agent-runner/internal/supervisor"
)

func TestMergeMethodPreference_ListsAllThreeMethods(t *testing.T) {
	got := mergeMethodPreference()
	assert.ElementsMatch(t, []string{"merge", "squash", "rebase"}, got)
}

func TestDispatchReviewFollowups_NoSpareCapacityReturnsNil(t *testing.T) {
	state := store.Open(t.TempDir())
	work, err := dispatchReviewFollowups(nil, nil, state, nil, nil, nil, 0, time.Now())
	require.NoError(t, err)
	assert.Empty(t, work)
}

func TestDispatchReviewFollowups_EmptyQueueReturnsNil(t *testing.T) {
	state := store.Open(t.TempDir())
	work, err := dispatchReviewFollowups(nil, nil, state, nil, nil, nil, 3, time.Now())
	require.NoError(t, err)
	assert.Empty(t, work)
}

func TestApplyReviewOutcome_QuotaFailureRequeues(t *testing.T) {
	state := store.Open(t.TempDir())
	sess, err := sessions.Open(t.TempDir())
	require.NoError(t, err)
	defer sess.Close()

	entry := store.ReviewQueueEntry{ItemID: "acme/widgets#9", RepoOwner: "acme", RepoName: "widgets", PRNumber: 9}
	out := supervisor.Outcome{FailureKind: supervisor.FailureQuota}
	require.NoError(t, applyReviewOutcome(nil, nil, state, sess, entry, out, time.Now()))

	var queue []store.ReviewQueueEntry
	require.NoError(t, state.ReviewQueue.Read(&queue))
	require.Len(t, queue, 1)
	assert.Equal(t, entry.ItemID, queue[0].ItemID)
}

func TestApplyReviewOutcome_PersistsSessionToken(t *testing.T) {
	state := store.Open(t.TempDir())
	sess, err := sessions.Open(t.TempDir())
	require.NoError(t, err)
	defer sess.Close()

	entry := store.ReviewQueueEntry{ItemID: "acme/widgets#9"}
	out := supervisor.Outcome{SessionToken: "tok-123"}
	require.NoError(t, applyReviewOutcome(nil, nil, state, sess, entry, out, time.Now()))

	record, err := sess.Get(entry.ItemID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "tok-123", record.Token)
}
