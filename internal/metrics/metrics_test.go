package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeSnapshot_CountersAndGauges(t *testing.T) {
	r := New()

	r.SupervisorRuns.WithLabelValues("codex", "success").Inc()
	r.SupervisorRuns.WithLabelValues("codex", "success").Inc()
	r.SupervisorRuns.WithLabelValues("codex", "quota").Inc()
	r.DispatchSlotsInUse.WithLabelValues("codex").Set(3)
	r.QuotaPercentRemaining.WithLabelValues("codex", "").Set(42.5)

	snap, err := r.TakeSnapshot()
	require.NoError(t, err)

	assert.Equal(t, float64(2), snap.Counters[`agent_runner_supervisor_runs_total{outcome=success,provider=codex}`])
	assert.Equal(t, float64(1), snap.Counters[`agent_runner_supervisor_runs_total{outcome=quota,provider=codex}`])
	assert.Equal(t, float64(3), snap.Gauges[`agent_runner_dispatch_slots_in_use{provider=codex}`])
	assert.Equal(t, float64(42.5), snap.Gauges[`agent_runner_quota_percent_remaining{model=,provider=codex}`])
}

func TestTakeSnapshot_FreshRegistryReportsOnlyTickCounter(t *testing.T) {
	r := New()

	snap, err := r.TakeSnapshot()
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"agent_runner_reconciler_ticks_total": 0}, snap.Counters)
	assert.Empty(t, snap.Gauges)
}
