package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/shieldgate/internal/traces"
)

const (
	// DefaultTimeout bounds each upstream decision call.
	DefaultTimeout = 2 * time.Second

	maxResponseSize = 1 << 20 // 1MB
)

// Conclusion is the upstream provider's verdict string.
type Conclusion string

const (
	ConclusionAllow Conclusion = "ALLOW"
	ConclusionDeny  Conclusion = "DENY"
)

// UpstreamError is returned for a non-2xx provider answer.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("protection: upstream returned HTTP %d", e.StatusCode)
}

// ClientConfig configures the upstream provider client.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	SiteID     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the upstream protection provider's decide endpoint.
type Client struct {
	endpoint string
	apiKey   string
	siteID   string
	timeout  time.Duration
	http     *http.Client
}

// NewClient returns ErrProviderNotConfigured when credentials or the
// endpoint are missing.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, ErrProviderNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		siteID:   cfg.SiteID,
		timeout:  cfg.Timeout,
		http:     hc,
	}, nil
}

// DecideRequest is the normalized request description sent upstream.
type DecideRequest struct {
	RequestID string            `json:"requestId"`
	IP        string            `json:"ip"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Email     string            `json:"email,omitempty"`
	RuleSet   string            `json:"ruleSet"`
	Rules     []ResolvedRule    `json:"rules"`
}

// ResolvedRule is a rule as sent upstream, with the caller's role
// ceiling substituted into Max.
type ResolvedRule struct {
	Rule
	Max      int   `json:"max,omitempty"`
	WindowMs int64 `json:"windowMs,omitempty"`
}

func resolveRules(rs *RuleSet, role string) []ResolvedRule {
	out := make([]ResolvedRule, 0, rs.Len())
	for _, r := range rs.Rules() {
		rr := ResolvedRule{Rule: r.Rule, WindowMs: r.Window.Milliseconds()}
		if r.Kind == KindRateLimit {
			rr.Max = r.MaxFor(role)
		}
		out = append(out, rr)
	}
	return out
}

// RuleResult is the provider's verdict for one rule.
type RuleResult struct {
	RuleID       string     `json:"ruleId"`
	Conclusion   Conclusion `json:"conclusion"`
	Reason       Reason     `json:"reason,omitempty"`
	ResetSeconds int        `json:"resetSeconds,omitempty"`
}

// DecideResponse is the provider's answer.
type DecideResponse struct {
	Conclusion Conclusion   `json:"conclusion"`
	Reason     Reason       `json:"reason,omitempty"`
	Country    string       `json:"country,omitempty"`
	Results    []RuleResult `json:"results,omitempty"`
}

func (r *DecideResponse) validate() error {
	if r.Conclusion != ConclusionAllow && r.Conclusion != ConclusionDeny {
		return fmt.Errorf("%w: conclusion %q", ErrMalformedResponse, r.Conclusion)
	}
	for i := range r.Results {
		res := &r.Results[i]
		if res.RuleID == "" {
			return fmt.Errorf("%w: result %d has no ruleId", ErrMalformedResponse, i)
		}
		if res.Conclusion != ConclusionAllow && res.Conclusion != ConclusionDeny {
			return fmt.Errorf("%w: rule %q conclusion %q", ErrMalformedResponse, res.RuleID, res.Conclusion)
		}
		if !knownReason(res.Reason) {
			res.Reason = ""
		}
	}
	if !knownReason(r.Reason) {
		r.Reason = ""
	}
	return nil
}

func knownReason(r Reason) bool {
	switch r {
	case "", ReasonNone, ReasonRateLimited, ReasonBot, ReasonGeoBlocked,
		ReasonEmailDomain, ReasonContentFiltered, ReasonWAF:
		return true
	}
	return false
}

// Decide sends one decision request under the client timeout.
func (c *Client) Decide(ctx context.Context, req DecideRequest) (*DecideResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "protection.decide",
		traces.RuleSet(req.RuleSet),
		traces.RuleCount(len(req.Rules)),
		traces.RequestPath(req.Path),
	)
	defer span.End()

	resp, err := c.do(ctx, req)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			span.SetAttributes(traces.UpstreamStatus(ue.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		traces.DecisionAllowed(resp.Conclusion == ConclusionAllow),
		traces.DecisionReason(string(resp.Reason)),
	)
	return resp, nil
}

func (c *Client) do(ctx context.Context, req DecideRequest) (*DecideResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal decide request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.siteID != "" {
		httpReq.Header.Set("X-Site-ID", c.siteID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	var out DecideResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
