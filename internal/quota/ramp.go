// Package quota implements the per-provider usage gate and ramp-schedule
// evaluator.
package quota

import (
	"fmt"
	"math"
	"time"
)

// Schedule is a linear-interpolation ramp: how close to reset a provider
// must be before dispatch is allowed at all, and how the minimum
// required remaining percentage relaxes as reset approaches.
type Schedule struct {
	StartMinutes           float64
	MinRemainingPctAtStart float64
	MinRemainingPctAtEnd   float64
}

// Decision is the outcome of evaluating a ramp schedule against a
// snapshot.
type Decision struct {
	Allow             bool
	Reason            string
	MinutesToReset    float64
	RequiredPercent   float64
	PercentRemaining  float64
}

// Evaluate implements the ramp semantics in full:
//  1. minutes_to_reset = max(0, round((reset_at-now)/1min))
//  2. block if minutes_to_reset > start_minutes
//  3. ratio = clamp(minutes_to_reset/max(start_minutes,1), 0, 1)
//  4. required = end_pct + (start_pct-end_pct)*ratio
//  5. block if percent_remaining < required
//  6. else allow
func Evaluate(schedule Schedule, percentRemaining float64, resetAt, now time.Time) Decision {
	minutesToReset := math.Max(0, math.Round(resetAt.Sub(now).Minutes()))

	if minutesToReset > schedule.StartMinutes {
		return Decision{
			Allow:          false,
			Reason:         fmt.Sprintf("reset not close enough: %.0fm to reset exceeds threshold %.0fm", minutesToReset, schedule.StartMinutes),
			MinutesToReset: minutesToReset,
		}
	}

	denominator := math.Max(schedule.StartMinutes, 1)
	ratio := clamp(minutesToReset/denominator, 0, 1)
	required := schedule.MinRemainingPctAtEnd + (schedule.MinRemainingPctAtStart-schedule.MinRemainingPctAtEnd)*ratio

	if percentRemaining < required {
		return Decision{
			Allow:            false,
			Reason:           fmt.Sprintf("%.1f%% remaining (required %.1f%%)", percentRemaining, required),
			MinutesToReset:   minutesToReset,
			RequiredPercent:  required,
			PercentRemaining: percentRemaining,
		}
	}

	return Decision{
		Allow:            true,
		Reason:           fmt.Sprintf("%.1f%% remaining (required %.1f%%)", percentRemaining, required),
		MinutesToReset:   minutesToReset,
		RequiredPercent:  required,
		PercentRemaining: percentRemaining,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
