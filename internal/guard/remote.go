package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RemoteValidator consults an external classifier service. Calls are rate
// limited and timeout bounded; any failure yields an uncertain finding with
// the error, so callers fail open to manual resolution.
type RemoteValidator struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRemoteValidator creates a classifier client. requestsPerSecond bounds
// the request rate; timeout bounds each call.
func NewRemoteValidator(url string, timeout time.Duration, requestsPerSecond float64) *RemoteValidator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &RemoteValidator{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

type classifyRequest struct {
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input,omitempty"`
	Description string          `json:"description,omitempty"`
}

type classifyResponse struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// Evaluate implements Validator.
func (r *RemoteValidator) Evaluate(ctx context.Context, tool string, input json.RawMessage, description string) (Finding, error) {
	uncertain := Finding{Verdict: VerdictUncertain}

	if err := r.limiter.Wait(ctx); err != nil {
		return uncertain, fmt.Errorf("classifier rate limit wait: %w", err)
	}

	body, err := json.Marshal(classifyRequest{Tool: tool, Input: input, Description: description})
	if err != nil {
		return uncertain, fmt.Errorf("failed to encode classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return uncertain, fmt.Errorf("failed to build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return uncertain, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uncertain, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var decoded classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return uncertain, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	switch Verdict(decoded.Verdict) {
	case VerdictSafe, VerdictDangerous, VerdictUncertain:
		return Finding{Verdict: Verdict(decoded.Verdict), Reason: decoded.Reason}, nil
	default:
		return uncertain, fmt.Errorf("classifier returned unknown verdict %q", decoded.Verdict)
	}
}
