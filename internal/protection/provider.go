package protection

import (
	"context"
)

// Provider produces a Decision for a request and rule set.
type Provider interface {
	Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) (Decision, error)
}

// Decider is the upstream call the live provider depends on.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest) (*DecideResponse, error)
}

// LiveProvider asks the upstream provider for per-rule verdicts and maps
// them through the engine. Rules the provider did not answer for are
// evaluated locally, except BOT and SHIELD which are left unflagged.
type LiveProvider struct {
	upstream Decider
	engine   *Engine
	local    Detector
}

// NewLiveProvider creates a live provider.
func NewLiveProvider(upstream Decider, engine *Engine, local Detector) *LiveProvider {
	return &LiveProvider{upstream: upstream, engine: engine, local: local}
}

// Evaluate returns the upstream error unchanged; degrading is the adapter's job.
func (p *LiveProvider) Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) (Decision, error) {
	resp, err := p.upstream.Decide(ctx, p.request(rc, rs))
	if err != nil {
		return Decision{}, err
	}

	if resp.Country != "" {
		rc = rc.withCountry(resp.Country)
	}
	results := make(map[string]RuleResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.RuleID] = r
	}

	d := p.engine.Evaluate(ctx, rc, rs, &providerDetector{results: results, local: p.local}, SourceProvider)

	// The provider may deny on its own signal (shield, reputation) even
	// when no configured rule was violated.
	if d.Allowed && resp.Conclusion == ConclusionDeny {
		d.Allowed = false
		d.Reason = resp.Reason
		if d.Reason == "" || d.Reason == ReasonNone {
			d.Reason = ReasonWAF
		}
	}
	return d, nil
}

func (p *LiveProvider) request(rc *RequestContext, rs *RuleSet) DecideRequest {
	headers := make(map[string]string, len(rc.Headers))
	for k := range rc.Headers {
		headers[k] = rc.Headers.Get(k)
	}
	return DecideRequest{
		RequestID: rc.ID,
		IP:        rc.IP,
		Method:    rc.Method,
		Path:      rc.Path,
		Headers:   headers,
		UserID:    rc.UserID,
		Email:     rc.Email,
		RuleSet:   rs.Name,
		Rules:     resolveRules(rs, rc.Role),
	}
}

// FallbackProvider evaluates every rule locally. It never fails.
type FallbackProvider struct {
	engine *Engine
	local  Detector
}

// NewFallbackProvider creates the local evaluator.
func NewFallbackProvider(engine *Engine, local Detector) *FallbackProvider {
	return &FallbackProvider{engine: engine, local: local}
}

// Evaluate implements Provider.
func (p *FallbackProvider) Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) (Decision, error) {
	return p.engine.Evaluate(ctx, rc, rs, p.local, SourceFallback), nil
}
