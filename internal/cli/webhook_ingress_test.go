package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/store"
)

func TestBuildWebhookHandler_EnqueuesIssueEvent(t *testing.T) {
	state := store.Open(t.TempDir())
	handler := buildWebhookHandler(state)

	payload := `{"repository":{"full_name":"acme/widgets"},"issue":{"number":7}}`
	require.NoError(t, handler("issues", "delivery-1", []byte(payload)))

	var queue []store.WebhookQueueEntry
	require.NoError(t, state.WebhookQueue.Read(&queue))
	require.Len(t, queue, 1)
	assert.Equal(t, "acme/widgets#7", queue[0].ItemID)
	assert.Equal(t, "acme", queue[0].RepoOwner)
	assert.Equal(t, "widgets", queue[0].RepoName)
	assert.Equal(t, 7, queue[0].ItemNumber)
}

func TestBuildWebhookHandler_IgnoresUnhandledEventType(t *testing.T) {
	state := store.Open(t.TempDir())
	handler := buildWebhookHandler(state)

	require.NoError(t, handler("star", "delivery-2", []byte(`{}`)))

	var queue []store.WebhookQueueEntry
	require.NoError(t, state.WebhookQueue.Read(&queue))
	assert.Empty(t, queue)
}

func TestSplitFullName(t *testing.T) {
	owner, repo, ok := splitFullName("acme/widgets")
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	_, _, ok = splitFullName("not-a-full-name")
	assert.False(t, ok)
}

func TestParseItemID_SplitsOnLastHash(t *testing.T) {
	repo, number, ok := parseItemID("acme/widgets#42")
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", repo)
	assert.Equal(t, 42, number)
}

func TestParseManagedPRKey_SplitsOwnerRepoNumber(t *testing.T) {
	owner, repo, number, ok := parseManagedPRKey("acme/widgets#42")
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 42, number)
}

func TestEnqueueWebhookItem_DeduplicatesByItemID(t *testing.T) {
	state := store.Open(t.TempDir())
	entry := store.WebhookQueueEntry{ItemID: "acme/widgets#1", EnqueuedAt: time.Now()}
	require.NoError(t, state.EnqueueWebhookItem(entry))
	require.NoError(t, state.EnqueueWebhookItem(entry))

	var queue []store.WebhookQueueEntry
	require.NoError(t, state.WebhookQueue.Read(&queue))
	assert.Len(t, queue, 1)
}
