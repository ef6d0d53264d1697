// Package protection gates inbound requests through rate limiting, bot and
// abuse detection, and geographic/content policy checks.
//
// Flow:
//  1. Middleware builds an immutable RequestContext and picks the RuleSet for the route group.
//  2. Adapter consults the circuit breaker: open → local FallbackProvider,
//     closed/half-open → LiveProvider (upstream API), degrading to fallback on any failure.
//  3. Engine walks the rules in order; the first violated BLOCK rule decides.
//  4. Middleware allows or answers with a structured block response and attaches the Decision.
package protection

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Errors
var (
	ErrProviderNotConfigured = errors.New("protection: upstream provider not configured")
	ErrMalformedResponse     = errors.New("protection: malformed provider response")
	ErrInvalidRule           = errors.New("protection: invalid rule")
	ErrDuplicateRuleID       = errors.New("protection: duplicate rule id")
)

// Kind identifies what a rule checks.
type Kind string

const (
	KindRateLimit     Kind = "RATE_LIMIT"
	KindBot           Kind = "BOT"
	KindGeo           Kind = "GEO"
	KindEmailDomain   Kind = "EMAIL_DOMAIN"
	KindContentFilter Kind = "CONTENT_FILTER"
	KindShield        Kind = "SHIELD"
)

// Reason returns the block reason a violation of this kind produces.
func (k Kind) Reason() Reason {
	switch k {
	case KindRateLimit:
		return ReasonRateLimited
	case KindBot:
		return ReasonBot
	case KindGeo:
		return ReasonGeoBlocked
	case KindEmailDomain:
		return ReasonEmailDomain
	case KindContentFilter:
		return ReasonContentFiltered
	case KindShield:
		return ReasonWAF
	default:
		return ReasonNone
	}
}

// Action is what happens when a rule is violated.
type Action string

const (
	ActionBlock   Action = "BLOCK"
	ActionMonitor Action = "MONITOR"
	ActionFlag    Action = "FLAG"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonNone            Reason = "NONE"
	ReasonRateLimited     Reason = "RATE_LIMITED"
	ReasonBot             Reason = "BOT"
	ReasonGeoBlocked      Reason = "GEO_BLOCKED"
	ReasonEmailDomain     Reason = "EMAIL_DOMAIN_NOT_ALLOWED"
	ReasonContentFiltered Reason = "CONTENT_FILTERED"
	ReasonWAF             Reason = "WAF"
)

// Source records which path produced a Decision.
type Source string

const (
	SourceProvider Source = "PROVIDER"
	SourceFallback Source = "FALLBACK"
)

// RequestContext is the per-request snapshot rules are evaluated against.
// It is built once by the middleware and never mutated afterwards.
type RequestContext struct {
	ID        string
	IP        string
	Path      string
	Method    string
	Headers   http.Header // subset forwarded to the provider
	UserID    string      // empty when unauthenticated
	Role      string
	Email     string // body.email, when a rule needs it
	Body      string // request body text for content filters
	Country   string // ISO code from the provider or a trusted edge header
	Timestamp time.Time
}

// EmailDomain returns the lower-cased text after the last '@', or "" when
// the email has no domain part.
func (rc *RequestContext) EmailDomain() string {
	i := strings.LastIndexByte(rc.Email, '@')
	if i < 0 || i == len(rc.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(rc.Email[i+1:]))
}

// withCountry returns a copy carrying the given country.
func (rc *RequestContext) withCountry(country string) *RequestContext {
	cp := *rc
	cp.Country = strings.ToUpper(country)
	return &cp
}

// Hit records a non-blocking (MONITOR or FLAG) rule violation.
type Hit struct {
	RuleID string `json:"ruleId"`
	Kind   Kind   `json:"kind"`
	Action Action `json:"action"`
	Reason Reason `json:"reason"`
}

// Decision is the outcome of evaluating a RuleSet against one request.
// Decisions are values: once returned they are not modified.
type Decision struct {
	ID                string  `json:"id"`
	Allowed           bool    `json:"allowed"`
	Reason            Reason  `json:"reason"`
	RuleID            string  `json:"ruleId,omitempty"`
	RuleSet           string  `json:"ruleSet,omitempty"`
	RetryAfterSeconds int     `json:"retryAfterSeconds,omitempty"`
	Source            Source  `json:"source"`
	LatencyMs         float64 `json:"latencyMs"`
	Hits              []Hit   `json:"hits,omitempty"`
}

// Blocked reports whether the request must be rejected.
func (d Decision) Blocked() bool {
	return !d.Allowed
}

func allowDecision(source Source) Decision {
	return Decision{Allowed: true, Reason: ReasonNone, Source: source}
}
