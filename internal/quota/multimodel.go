package quota

import (
	"context"
	"regexp"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/metyatech/agent-runner/internal/store/jsonstore"
)

// multiModelState is the on-disk warmup-attempt bookkeeping for the
// multi-model provider.
type multiModelState struct {
	LastWarmupAttempt map[string]time.Time `json:"last_warmup_attempt"`
}

// geminiBackoffState is the on-disk capacity-backoff memo.
type geminiBackoffState struct {
	Models map[string]time.Time `json:"models"`
}

// MultiModelProvider fetches per-model quota buckets over HTTP using an
// OAuth2 client-credentials token source, and tracks both warmup
// attempts and provider-reported capacity-exhaustion backoff.
type MultiModelProvider struct {
	schedule    Schedule
	client      *HTTPClient
	tokenSource oauth2.TokenSource
	warmupFile  *jsonstore.File
	backoffFile *jsonstore.File
}

// NewMultiModelProvider wires an oauth2 clientcredentials token source
// (per the Gemini-style refresh flow named in the environment variable
// list) to the usage-fetch HTTP client.
func NewMultiModelProvider(schedule Schedule, client *HTTPClient, clientID, clientSecret, tokenURL string, warmupFile, backoffFile *jsonstore.File) *MultiModelProvider {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &MultiModelProvider{
		schedule:    schedule,
		client:      client,
		tokenSource: cfg.TokenSource(context.Background()),
		warmupFile:  warmupFile,
		backoffFile: backoffFile,
	}
}

func (p *MultiModelProvider) Name() string          { return "gemini" }
func (p *MultiModelProvider) RampSchedule() Schedule { return p.schedule }

type multiModelUsagePayload struct {
	Models map[string]struct {
		PercentRemaining float64   `json:"percent_remaining"`
		ResetAt          time.Time `json:"reset_at"`
	} `json:"models"`
}

// FetchSnapshot retrieves per-model buckets, filtering out any model
// currently under capacity backoff from ordinary ramp evaluation (the
// caller should still surface blocked_until to dispatch separately via
// Blocked). The top-level PercentRemaining/ResetAt mirror the most
// depleted bucket, so a caller with no specific model in mind (generic
// Gate.Check, used by callers that aren't targeting one model) gates on
// the most conservative reading rather than an always-zero default.
func (p *MultiModelProvider) FetchSnapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	token, err := p.tokenSource.Token()
	if err != nil {
		return Snapshot{}, err
	}

	var payload multiModelUsagePayload
	if err := p.client.FetchJSON(ctx, "/v1/usage", token.AccessToken, &payload); err != nil {
		return Snapshot{}, err
	}

	buckets := make(map[string]ModelBucket, len(payload.Models))
	overallPercent := float64(100)
	var overallReset time.Time
	for model, m := range payload.Models {
		if blocked, _ := p.Blocked(model, now); blocked {
			continue
		}
		buckets[model] = ModelBucket{PercentRemaining: m.PercentRemaining, ResetAt: m.ResetAt}
		if m.PercentRemaining <= overallPercent {
			overallPercent = m.PercentRemaining
			overallReset = m.ResetAt
		}
	}
	return Snapshot{PercentRemaining: overallPercent, ResetAt: overallReset, ModelBuckets: buckets}, nil
}

// WarmupState implements Warmer.
func (p *MultiModelProvider) WarmupState(modelID string, _ time.Time) (time.Time, bool) {
	var state multiModelState
	_ = p.warmupFile.Read(&state)
	if state.LastWarmupAttempt == nil {
		return time.Time{}, false
	}
	t, ok := state.LastWarmupAttempt[modelID]
	return t, ok
}

// RecordWarmupAttempt implements Warmer.
func (p *MultiModelProvider) RecordWarmupAttempt(modelID string, at time.Time) error {
	var state multiModelState
	return p.warmupFile.Update(&state, func() error {
		if state.LastWarmupAttempt == nil {
			state.LastWarmupAttempt = map[string]time.Time{}
		}
		state.LastWarmupAttempt[modelID] = at
		return nil
	})
}

// capacityExhaustedPatterns repeat the regex families of the Supervisor's
// failure classifier (its own quotaPatterns list); the two lists are
// separate copies, not a shared value.
var capacityExhaustedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)quota`),
	regexp.MustCompile(`\b429\b`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)insufficient credits`),
	regexp.MustCompile(`(?i)usage limit`),
	regexp.MustCompile(`RetryableQuotaError`),
	regexp.MustCompile(`MODEL_CAPACITY_EXHAUSTED`),
	regexp.MustCompile(`(?i)No capacity available for model\s+(?P<model>\S+)`),
}

// IsCapacityExhausted reports whether text matches any provider
// capacity-exhaustion signal.
func IsCapacityExhausted(text string) bool {
	for _, re := range capacityExhaustedPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// SetBackoff records that modelID is blocked until blockedUntil after a
// provider-reported no-capacity failure.
func (p *MultiModelProvider) SetBackoff(modelID string, blockedUntil time.Time) error {
	var state geminiBackoffState
	return p.backoffFile.Update(&state, func() error {
		if state.Models == nil {
			state.Models = map[string]time.Time{}
		}
		state.Models[modelID] = blockedUntil
		return nil
	})
}

// Blocked reports whether modelID is currently within its capacity
// backoff window.
func (p *MultiModelProvider) Blocked(modelID string, now time.Time) (bool, time.Time) {
	var state geminiBackoffState
	_ = p.backoffFile.Read(&state)
	until, ok := state.Models[modelID]
	if !ok {
		return false, time.Time{}
	}
	return until.After(now), until
}
