// Package metrics collects operational counters and gauges on a private
// prometheus registry. Nothing here is exposed over HTTP; the run loop
// flattens it with TakeSnapshot into a durable snapshot file, and the
// status CLI subcommand reads that file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every collector this process exposes.
type Registry struct {
	reg *prometheus.Registry

	DispatchSlotsInUse    *prometheus.GaugeVec
	DispatchSlotsTotal    *prometheus.GaugeVec
	QuotaPercentRemaining *prometheus.GaugeVec
	SupervisorRuns        *prometheus.CounterVec
	WebhookRequests       *prometheus.CounterVec
	ReconcilerTicks       prometheus.Counter
	ReviewAutoMerges      *prometheus.CounterVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		DispatchSlotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "dispatch_slots_in_use",
			Help:      "Concurrency slots currently occupied, by provider.",
		}, []string{"provider"}),
		DispatchSlotsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "dispatch_slots_total",
			Help:      "Configured concurrency slot cap, by provider.",
		}, []string{"provider"}),
		QuotaPercentRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent_runner",
			Name:      "quota_percent_remaining",
			Help:      "Last-observed percent of quota remaining, by provider and model.",
		}, []string{"provider", "model"}),
		SupervisorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "supervisor_runs_total",
			Help:      "Subprocess runs completed, by provider and outcome kind.",
		}, []string{"provider", "outcome"}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries received, by event type and result.",
		}, []string{"event", "result"}),
		ReconcilerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "reconciler_ticks_total",
			Help:      "Reconciler Tick invocations completed.",
		}),
		ReviewAutoMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_runner",
			Name:      "review_auto_merges_total",
			Help:      "Auto-merge attempts, by terminal state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		r.DispatchSlotsInUse,
		r.DispatchSlotsTotal,
		r.QuotaPercentRemaining,
		r.SupervisorRuns,
		r.WebhookRequests,
		r.ReconcilerTicks,
		r.ReviewAutoMerges,
	)

	return r
}

// Gather returns the current metric families, which TakeSnapshot
// flattens for the durable snapshot file. Never served over HTTP.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
