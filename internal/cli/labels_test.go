package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metyatech/agent-runner/internal/config"
)

func TestConfiguredLabels_NamesEveryLifecycleLabel(t *testing.T) {
	labels := config.Labels{
		Queued:         "agent-queued",
		Running:        "agent-running",
		Done:           "agent-done",
		Failed:         "agent-failed",
		NeedsUserReply: "needs-user-reply",
		ReviewFollowup: "review-followup",
		Request:        "agent-run",
	}

	specs := configuredLabels(labels)

	names := make(map[string]bool, len(specs))
	for _, s := range specs {
		names[s.name] = true
		assert.NotEmpty(t, s.color)
	}
	for _, want := range []string{"agent-queued", "agent-running", "agent-done", "agent-failed", "needs-user-reply", "review-followup", "agent-run"} {
		assert.True(t, names[want], "missing label %s", want)
	}
}
