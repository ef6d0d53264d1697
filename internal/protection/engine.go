package protection

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Verdict is a detector's answer for one rule.
type Verdict struct {
	Violated bool
	// RetryAfter is the time left in a rate-limit window.
	RetryAfter time.Duration
	// Reason overrides the rule kind's default reason when set.
	Reason Reason
}

// Detector decides whether a single rule is violated by a request.
type Detector interface {
	Detect(ctx context.Context, rc *RequestContext, rule *CompiledRule) (Verdict, error)
}

// Engine evaluates rule sets. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a rule engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Evaluate walks rs in listed order. Rules whose match predicate does not
// select the request are skipped. The first violated BLOCK rule decides the
// outcome and later rules are not evaluated; MONITOR and FLAG violations are
// recorded as hits and evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet, det Detector, source Source) Decision {
	d := allowDecision(source)
	d.ID = uuid.NewString()
	if rs == nil {
		return d
	}

	for _, rule := range rs.Rules() {
		if !rule.Applies(rc) {
			continue
		}

		v, err := det.Detect(ctx, rc, rule)
		if err != nil {
			e.logger.Warn("rule detection failed, treating as not violated",
				"rule_id", rule.ID, "kind", rule.Kind, "error", err)
			continue
		}
		if !v.Violated {
			continue
		}

		reason := v.Reason
		if reason == "" {
			reason = rule.Kind.Reason()
		}
		action := rule.Effective()
		ruleHitsTotal.WithLabelValues(rule.ID, string(action)).Inc()

		if action != ActionBlock {
			d.Hits = append(d.Hits, Hit{RuleID: rule.ID, Kind: rule.Kind, Action: action, Reason: reason})
			continue
		}

		d.Allowed = false
		d.Reason = reason
		d.RuleID = rule.ID
		if rule.Kind == KindRateLimit {
			d.RetryAfterSeconds = retryAfterSeconds(v.RetryAfter)
		}
		return d
	}
	return d
}

// retryAfterSeconds rounds up and never reports less than one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
