package protection

import (
	"context"
	"time"

	"github.com/mbd888/shieldgate/internal/counter"
)

// CounterStore is the fixed-window counter the local detector relies on.
type CounterStore interface {
	IncrementAndCheck(key string, window time.Duration, max int) counter.Result
}

// LocalDetector evaluates rules without any upstream signal.
type LocalDetector struct {
	counters CounterStore
}

// NewLocalDetector creates a detector backed by counters.
func NewLocalDetector(counters CounterStore) *LocalDetector {
	return &LocalDetector{counters: counters}
}

// Detect implements Detector. BOT and SHIELD rules are never flagged locally.
func (d *LocalDetector) Detect(_ context.Context, rc *RequestContext, rule *CompiledRule) (Verdict, error) {
	switch rule.Kind {
	case KindRateLimit:
		res := d.counters.IncrementAndCheck(rateLimitKey(rc, rule), rule.Window, rule.MaxFor(rc.Role))
		return Verdict{Violated: res.Limited, RetryAfter: res.ResetIn}, nil

	case KindEmailDomain:
		if rc.Email == "" {
			return Verdict{}, nil
		}
		domain := rc.EmailDomain()
		return Verdict{Violated: domain == "" || !rule.AllowsDomain(domain)}, nil

	case KindGeo:
		if rc.Country == "" {
			return Verdict{}, nil
		}
		return Verdict{Violated: !rule.AllowsCountry(rc.Country)}, nil

	case KindContentFilter:
		return Verdict{Violated: rc.Body != "" && rule.MatchesContent(rc.Body)}, nil

	default:
		return Verdict{}, nil
	}
}

// rateLimitKey is rule id + client IP, plus the user id for per-user rules.
func rateLimitKey(rc *RequestContext, rule *CompiledRule) string {
	key := rule.ID + ":" + rc.IP
	if rule.PerUser && rc.UserID != "" {
		key += ":" + rc.UserID
	}
	return key
}

// providerDetector answers from the upstream verdict where one exists.
type providerDetector struct {
	results map[string]RuleResult
	local   Detector
}

func (d *providerDetector) Detect(ctx context.Context, rc *RequestContext, rule *CompiledRule) (Verdict, error) {
	if r, ok := d.results[rule.ID]; ok {
		v := Verdict{Violated: r.Conclusion == ConclusionDeny}
		if r.ResetSeconds > 0 {
			v.RetryAfter = time.Duration(r.ResetSeconds) * time.Second
		}
		if r.Reason != "" {
			v.Reason = r.Reason
		}
		return v, nil
	}
	switch rule.Kind {
	case KindBot, KindShield:
		return Verdict{}, nil
	}
	return d.local.Detect(ctx, rc, rule)
}
