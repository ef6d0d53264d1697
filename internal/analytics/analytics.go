// Package analytics aggregates protection decisions after the request
// pipeline has run. Recording is best-effort: a failing sink never affects
// the response.
package analytics

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/shieldgate/internal/protection"
)

// Event is one evaluated request as seen by the analytics stage.
type Event struct {
	DecisionID string
	Allowed    bool
	Reason     protection.Reason
	RuleID     string
	RuleSet    string
	Source     protection.Source
	LatencyMs  float64
	Hits       []protection.Hit

	Method string
	Route  string
	Status int
	At     time.Time
}

// Recorder persists or aggregates events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// FromDecision builds an event from an attached decision.
func FromDecision(d protection.Decision, method, route string, status int, at time.Time) Event {
	return Event{
		DecisionID: d.ID,
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		RuleID:     d.RuleID,
		RuleSet:    d.RuleSet,
		Source:     d.Source,
		LatencyMs:  d.LatencyMs,
		Hits:       d.Hits,
		Method:     method,
		Route:      route,
		Status:     status,
		At:         at,
	}
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "blocked"
}

// NormalizePath collapses identifier-like segments so that proxied paths,
// which have no registered route pattern, aggregate under a bounded set of
// keys: "/orders/42/items" and "/orders/43/items" both become
// "/orders/:id/items".
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		if isIdentifier(seg) {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}

func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	if len(seg) == 36 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	digits, hex := true, true
	for _, r := range seg {
		isDigit := r >= '0' && r <= '9'
		if !isDigit {
			digits = false
		}
		if !isDigit && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			hex = false
		}
	}
	return digits || (hex && len(seg) >= 16)
}
