package quota

import (
	"context"
	"time"
)

// Snapshot is a point-in-time usage reading for one provider (or one
// model bucket of a multi-model provider).
type Snapshot struct {
	PercentRemaining float64
	ResetAt          time.Time
	Limit            int64
	Used             int64
	ModelBuckets     map[string]ModelBucket
	// ResumeHint is set by providers that can report an explicit "try
	// again at" time on a quota failure, resolving Open Question 9(a):
	// the gate never infers a resume time by regex across providers.
	ResumeHint *time.Time
}

// ModelBucket is one model's usage breakdown within a multi-model
// provider snapshot.
type ModelBucket struct {
	PercentRemaining float64
	ResetAt          time.Time
}

// Provider is the small polymorphic interface every quota source
// implements, per the design note on provider-specific polymorphism: the
// Gate evaluator operates over any implementor without a type switch.
type Provider interface {
	Name() string
	FetchSnapshot(ctx context.Context, now time.Time) (Snapshot, error)
	RampSchedule() Schedule
}

// UsageRecorder is implemented by providers whose usage is counted
// locally rather than fetched (the monthly-limit provider).
type UsageRecorder interface {
	RecordUsage(count int64) error
}

// Warmer is implemented by providers that support a dedicated warmup
// probe run (the multi-model provider).
type Warmer interface {
	WarmupState(modelID string, now time.Time) (lastAttempt time.Time, ok bool)
	RecordWarmupAttempt(modelID string, at time.Time) error
}

// Gate evaluates dispatch permission for a provider at a point in time,
// and tracks warmup/capacity-backoff bookkeeping that sits alongside the
// pure ramp math.
type Gate struct {
	provider Provider
}

// NewGate binds a ramp evaluator to one provider implementation.
func NewGate(p Provider) *Gate { return &Gate{provider: p} }

// Check fetches a fresh snapshot and evaluates it against the provider's
// ramp schedule.
func (g *Gate) Check(ctx context.Context, now time.Time) (Decision, Snapshot, error) {
	snap, err := g.provider.FetchSnapshot(ctx, now)
	if err != nil {
		return Decision{}, Snapshot{}, err
	}
	decision := Evaluate(g.provider.RampSchedule(), snap.PercentRemaining, snap.ResetAt, now)
	return decision, snap, nil
}

// CheckModel evaluates one model bucket of a multi-model snapshot,
// and applies the warmup rule: a model reporting near-total remaining
// quota but blocked purely on reset proximity gets one scheduled warmup
// run per cooldown window.
func (g *Gate) CheckModel(ctx context.Context, modelID string, cooldown time.Duration, now time.Time) (Decision, bool /*warmup*/, error) {
	snap, err := g.provider.FetchSnapshot(ctx, now)
	if err != nil {
		return Decision{}, false, err
	}
	bucket, ok := snap.ModelBuckets[modelID]
	if !ok {
		return Decision{Allow: false, Reason: "unknown model " + modelID}, false, nil
	}
	decision := Evaluate(g.provider.RampSchedule(), bucket.PercentRemaining, bucket.ResetAt, now)
	if decision.Allow {
		return decision, false, nil
	}

	warmer, isWarmer := g.provider.(Warmer)
	if !isWarmer || bucket.PercentRemaining < 99.999 || decision.MinutesToReset <= g.provider.RampSchedule().StartMinutes {
		return decision, false, nil
	}
	if last, hasAttempt := warmer.WarmupState(modelID, now); hasAttempt && now.Sub(last) < cooldown {
		return decision, false, nil
	}
	if err := warmer.RecordWarmupAttempt(modelID, now); err != nil {
		return decision, false, err
	}
	return decision, true, nil
}
