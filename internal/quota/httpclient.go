// httpclient.go grounds the usage-fetch collaborator's retry/backoff
// behavior on the doRequest pattern used elsewhere in this codebase's
// lineage for its own provider HTTP client.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/errtype"
	"github.com/metyatech/agent-runner/internal/logging"
)

// APIError captures a non-2xx response from a provider's usage endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider usage API returned %d: %s", e.StatusCode, e.Body)
}

// HTTPClient fetches raw usage payloads with exponential-backoff retry
// on 429/5xx, mirroring the primary engine client's doRequest shape.
type HTTPClient struct {
	HTTP       *http.Client
	BaseURL    string
	Logger     *logging.Logger
	MaxRetries int
}

// NewHTTPClient returns a client with sane retry defaults.
func NewHTTPClient(baseURL string, logger *logging.Logger) *HTTPClient {
	return &HTTPClient{
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		BaseURL:    baseURL,
		Logger:     logger,
		MaxRetries: 3,
	}
}

// FetchJSON performs an authenticated GET against path and decodes the
// JSON body into dst, retrying transient failures with exponential
// backoff (429 and 5xx responses, plus network errors).
func (c *HTTPClient) FetchJSON(ctx context.Context, path, bearerToken string, dst interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 250 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, path, bearerToken, dst)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
				if c.Logger != nil {
					c.Logger.WithField("attempt", attempt).WithField("status", apiErr.StatusCode).
						Warn("retrying provider usage fetch")
				}
				continue
			}
			return errtype.Wrap(errtype.PlatformAPI, err, "fetching provider usage snapshot")
		}
		// Network-level error: retry.
	}
	return errtype.Wrap(errtype.Network, lastErr, "fetching provider usage snapshot after retries")
}

// HTTPProvider is a single-bucket quota Provider backed by an
// HTTPClient, for engines (codex, copilot) that report one
// percent-remaining figure rather than the per-model buckets the
// multi-model provider polls.
type HTTPProvider struct {
	name        string
	schedule    Schedule
	client      *HTTPClient
	bearerToken string
}

// NewHTTPProvider binds name's ramp schedule to an HTTP-fetched usage
// endpoint.
func NewHTTPProvider(name string, schedule Schedule, client *HTTPClient, bearerToken string) *HTTPProvider {
	return &HTTPProvider{name: name, schedule: schedule, client: client, bearerToken: bearerToken}
}

func (p *HTTPProvider) Name() string          { return p.name }
func (p *HTTPProvider) RampSchedule() Schedule { return p.schedule }

type httpUsagePayload struct {
	PercentRemaining float64   `json:"percent_remaining"`
	ResetAt          time.Time `json:"reset_at"`
	Limit            int64     `json:"limit"`
	Used             int64     `json:"used"`
}

// FetchSnapshot polls "/v1/usage" and reports the single percent-
// remaining figure the engine's usage endpoint returns.
func (p *HTTPProvider) FetchSnapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	var payload httpUsagePayload
	if err := p.client.FetchJSON(ctx, "/v1/usage", p.bearerToken, &payload); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		PercentRemaining: payload.PercentRemaining,
		ResetAt:          payload.ResetAt,
		Limit:            payload.Limit,
		Used:             payload.Used,
	}, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, path, bearerToken string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "building usage request")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "performing usage request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "reading usage response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(err, "decoding usage response")
	}
	return nil
}
