package quota

import (
	"context"
	"time"

	"github.com/metyatech/agent-runner/internal/store/jsonstore"
)

// localCountState is the on-disk shape of the monthly-limit provider's
// usage counter.
type localCountState struct {
	PeriodKey string `json:"period_key"` // "YYYY-MM" in UTC
	Used      int64  `json:"used"`
}

// LocalCountProvider counts usage into a monthly bucket keyed by UTC
// month, resetting automatically on rollover (invariant I6).
type LocalCountProvider struct {
	name     string
	limit    int64
	schedule Schedule
	file     *jsonstore.File
}

// NewLocalCountProvider backs a monthly-limit provider's usage file.
func NewLocalCountProvider(name string, limit int64, schedule Schedule, file *jsonstore.File) *LocalCountProvider {
	return &LocalCountProvider{name: name, limit: limit, schedule: schedule, file: file}
}

func (p *LocalCountProvider) Name() string         { return p.name }
func (p *LocalCountProvider) RampSchedule() Schedule { return p.schedule }

func periodKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// FetchSnapshot rolls the period over if the UTC month has advanced,
// then reports percent_remaining = 100*(limit-used)/limit, clamped.
func (p *LocalCountProvider) FetchSnapshot(_ context.Context, now time.Time) (Snapshot, error) {
	var state localCountState
	key := periodKey(now)
	err := p.file.Update(&state, func() error {
		if state.PeriodKey != key {
			state.PeriodKey = key
			state.Used = 0
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	resetAt := firstOfNextUTCMonth(now)
	remaining := float64(100)
	if p.limit > 0 {
		remaining = clamp(100*float64(p.limit-state.Used)/float64(p.limit), 0, 100)
	}
	return Snapshot{
		PercentRemaining: remaining,
		ResetAt:          resetAt,
		Limit:            p.limit,
		Used:             state.Used,
	}, nil
}

// RecordUsage adds count to the current period's usage, rolling the
// period over first if the UTC month has advanced since the last access.
func (p *LocalCountProvider) RecordUsage(count int64) error {
	var state localCountState
	key := periodKey(time.Now())
	return p.file.Update(&state, func() error {
		if state.PeriodKey != key {
			state.PeriodKey = key
			state.Used = 0
		}
		state.Used += count
		return nil
	})
}

// firstOfNextUTCMonth returns 00:00 UTC on the first day of the month
// following now.
func firstOfNextUTCMonth(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
