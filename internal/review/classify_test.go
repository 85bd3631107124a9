package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/metyatech/agent-runner/internal/store"
)

func TestLabelDiff_QueuedToWaiting(t *testing.T) {
	add, remove := LabelDiff([]string{"review-followup"}, StateWaiting)
	assert.Equal(t, []string{"review-followup:waiting"}, add)
	assert.Empty(t, remove)
}

func TestLabelDiff_ToNone(t *testing.T) {
	add, remove := LabelDiff([]string{"review-followup", "review-followup:waiting"}, StateNone)
	assert.Empty(t, add)
	assert.ElementsMatch(t, []string{"review-followup", "review-followup:waiting"}, remove)
}

func TestSchedule_DegradedCapacityMergeOnly(t *testing.T) {
	now := time.Now()
	entries := []store.ReviewQueueEntry{
		{ItemID: "a", RequiresEngine: true, EnqueuedAt: now},
		{ItemID: "b", RequiresEngine: false, EnqueuedAt: now.Add(time.Second)},
	}

	selected := Schedule(entries, 2, false)

	assert.Len(t, selected, 1)
	assert.Equal(t, "b", selected[0].ItemID)
}

func TestOkPhrasePattern_MatchesGeneratedNoNewComments(t *testing.T) {
	assert.True(t, okPhrasePattern.MatchString("Generated no new comments."))
	assert.True(t, okPhrasePattern.MatchString("LGTM, nice work"))
	assert.False(t, okPhrasePattern.MatchString("Please fix the off-by-one error on line 42"))
}
