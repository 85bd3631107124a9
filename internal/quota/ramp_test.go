package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_AtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule := Schedule{StartMinutes: 1440, MinRemainingPctAtStart: 100, MinRemainingPctAtEnd: 0}
	resetAt := now.Add(720 * time.Minute)

	decision := Evaluate(schedule, 50.0, resetAt, now)

	assert.True(t, decision.Allow)
	assert.Equal(t, 50.0, decision.RequiredPercent)
	assert.Contains(t, decision.Reason, "50.0% remaining (required 50.0%)")
}

func TestEvaluate_TooEarly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule := Schedule{StartMinutes: 1440, MinRemainingPctAtStart: 100, MinRemainingPctAtEnd: 0}
	resetAt := now.Add(1500 * time.Minute)

	decision := Evaluate(schedule, 90.0, resetAt, now)

	assert.False(t, decision.Allow)
	assert.Equal(t, 1500.0, decision.MinutesToReset)
	assert.Contains(t, decision.Reason, "threshold 1440m")
}

func TestEvaluate_Monotonic(t *testing.T) {
	schedule := Schedule{StartMinutes: 1440, MinRemainingPctAtStart: 100, MinRemainingPctAtEnd: 0}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	prevRequired := -1.0
	for minutes := 0.0; minutes <= schedule.StartMinutes; minutes += 60 {
		resetAt := now.Add(time.Duration(minutes) * time.Minute)
		d := Evaluate(schedule, 100, resetAt, now)
		assert.GreaterOrEqual(t, d.RequiredPercent, prevRequired)
		prevRequired = d.RequiredPercent
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	schedule := Schedule{StartMinutes: 100, MinRemainingPctAtStart: 80, MinRemainingPctAtEnd: 20}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resetAt := now.Add(50 * time.Minute)

	d1 := Evaluate(schedule, 45, resetAt, now)
	d2 := Evaluate(schedule, 45, resetAt, now)

	assert.Equal(t, d1, d2)
}
