package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shieldgate/internal/logging"
)

const (
	// ContextKeyDecision is the gin context key holding the Decision.
	ContextKeyDecision = "protection.decision"
	// ContextKeyUserID and ContextKeyRole are read when an upstream auth
	// middleware has already identified the caller.
	ContextKeyUserID = "protection.userId"
	ContextKeyRole   = "protection.role"

	HeaderDecision = "X-Protection-Decision"
	HeaderSource   = "X-Protection-Source"

	// DefaultMaxBodyBytes caps the body inspected by body-reading rules.
	DefaultMaxBodyBytes = 64 << 10
)

// ErrBodyTooLarge is returned when a body-reading rule set sees a body
// larger than the inspection cap. Such requests are rejected rather than
// evaluated on a truncated prefix.
var ErrBodyTooLarge = errors.New("request body exceeds inspection limit")

// DefaultExemptPaths never reach the rule engine.
var DefaultExemptPaths = []string{"/", "/health", "/health/live", "/health/ready", "/metrics"}

var defaultForwardHeaders = []string{
	"User-Agent", "Accept", "Accept-Language", "Accept-Encoding",
	"Referer", "Origin", "Content-Type",
}

// Evaluator produces a decision; *Adapter is the production implementation.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *RequestContext, rs *RuleSet) Decision
}

// MiddlewareConfig configures the gateway middleware.
type MiddlewareConfig struct {
	Evaluator Evaluator
	Catalog   *Catalog
	// Enforce false skips evaluation entirely (non-enforcing environments).
	Enforce     bool
	ExemptPaths []string
	// CountryHeader names a trusted edge header carrying the client country.
	CountryHeader string
	// TrustIdentityHeaders reads X-User-ID / X-User-Role set by a trusted proxy.
	TrustIdentityHeaders bool
	// MaxBodyBytes bounds the body read for email and content rules.
	// Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Middleware gates requests through the protection chain.
type Middleware struct {
	evaluator     Evaluator
	catalog       *Catalog
	enforce       bool
	exempt        map[string]struct{}
	exemptPrefix  []string
	countryHeader string
	trustIdentity bool
	forward       []string
	maxBody       int64
	logger        *slog.Logger
}

// NewMiddleware creates the gateway middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	exemptPaths := cfg.ExemptPaths
	if exemptPaths == nil {
		exemptPaths = DefaultExemptPaths
	}
	exempt := make(map[string]struct{}, len(exemptPaths))
	var exemptPrefixes []string
	for _, p := range exemptPaths {
		if strings.HasSuffix(p, "/*") {
			exemptPrefixes = append(exemptPrefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		exempt[p] = struct{}{}
	}
	forward := defaultForwardHeaders
	if cfg.CountryHeader != "" {
		forward = append(append([]string(nil), forward...), cfg.CountryHeader)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Middleware{
		evaluator:     cfg.Evaluator,
		catalog:       cfg.Catalog,
		enforce:       cfg.Enforce,
		exempt:        exempt,
		exemptPrefix:  exemptPrefixes,
		countryHeader: cfg.CountryHeader,
		trustIdentity: cfg.TrustIdentityHeaders,
		forward:       forward,
		maxBody:       cfg.MaxBodyBytes,
		logger:        cfg.Logger,
	}
}

// Handler returns the gin handler.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enforce || m.isExempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		rs := m.catalog.For(c.Request.URL.Path)
		if rs == nil || rs.Len() == 0 {
			c.Next()
			return
		}

		var body peekedBody
		if rs.NeedsBody() {
			var err error
			if body, err = readBody(c.Request, m.maxBody); errors.Is(err, ErrBodyTooLarge) {
				bodyRejectedTotal.Inc()
				logging.L(c.Request.Context()).Warn("request body too large to inspect",
					"rule_set", rs.Name,
					"path", c.Request.URL.Path,
					"content_length", c.Request.ContentLength,
					"limit", m.maxBody,
				)
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"success": false,
					"error": gin.H{
						"code":    "payload_too_large",
						"message": fmt.Sprintf("Request body must not exceed %d bytes.", m.maxBody),
					},
				})
				return
			}
		}

		d, ok := m.decide(c, rs, body)
		if !ok {
			c.Next()
			return
		}
		attach(c, d)

		if d.Blocked() {
			logging.L(c.Request.Context()).Warn("request blocked",
				"rule_id", d.RuleID,
				"reason", d.Reason,
				"source", d.Source,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
			)
			abortWithBlock(c, d)
			return
		}
		c.Next()
	}
}

// isExempt matches exact paths, or everything below an entry ending in "/*".
func (m *Middleware) isExempt(path string) bool {
	if _, ok := m.exempt[path]; ok {
		return true
	}
	for _, prefix := range m.exemptPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// decide runs the chain and turns a panic anywhere inside it into an allow.
func (m *Middleware) decide(c *gin.Context, rs *RuleSet, body peekedBody) (d Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			failOpenTotal.Inc()
			logging.L(c.Request.Context()).Error("protection chain panicked, failing open",
				"panic", fmt.Sprint(r),
				"rule_set", rs.Name,
				"path", c.Request.URL.Path,
			)
			d, ok = Decision{}, false
		}
	}()
	rc := m.buildContext(c, body)
	return m.evaluator.Evaluate(c.Request.Context(), rc, rs), true
}

func (m *Middleware) buildContext(c *gin.Context, body peekedBody) *RequestContext {
	req := c.Request
	rc := &RequestContext{
		ID:        logging.RequestID(req.Context()),
		IP:        c.ClientIP(),
		Path:      req.URL.Path,
		Method:    req.Method,
		Headers:   make(http.Header, len(m.forward)),
		UserID:    c.GetString(ContextKeyUserID),
		Role:      c.GetString(ContextKeyRole),
		Body:      body.text,
		Email:     body.email,
		Timestamp: time.Now(),
	}
	if rc.ID == "" {
		rc.ID = req.Header.Get("X-Request-ID")
	}
	for _, h := range m.forward {
		if v := req.Header.Get(h); v != "" {
			rc.Headers.Set(h, v)
		}
	}
	if m.trustIdentity {
		if rc.UserID == "" {
			rc.UserID = req.Header.Get("X-User-ID")
		}
		if rc.Role == "" {
			rc.Role = req.Header.Get("X-User-Role")
		}
	}
	if m.countryHeader != "" {
		rc.Country = normalizeCountry(req.Header.Get(m.countryHeader))
	}
	return rc
}

type peekedBody struct {
	text  string
	email string
}

// readBody reads at most limit bytes and restores the body for the
// downstream handler. A body longer than limit yields ErrBodyTooLarge so
// rules never judge a truncated prefix.
func readBody(req *http.Request, limit int64) (peekedBody, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return peekedBody{}, nil
	}
	if req.ContentLength > limit {
		return peekedBody{}, ErrBodyTooLarge
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
	if int64(len(buf)) > limit {
		return peekedBody{}, ErrBodyTooLarge
	}
	if err != nil || len(buf) == 0 {
		return peekedBody{}, nil
	}

	body := peekedBody{text: string(buf)}
	if strings.Contains(req.Header.Get("Content-Type"), "json") {
		var fields struct {
			Email string `json:"email"`
		}
		if json.Unmarshal(buf, &fields) == nil {
			body.email = strings.TrimSpace(fields.Email)
		}
	}
	return body, nil
}

// normalizeCountry drops the placeholder codes edges send for unknown
// or anonymized origins.
func normalizeCountry(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	switch v {
	case "", "XX", "T1":
		return ""
	}
	return v
}

func attach(c *gin.Context, d Decision) {
	c.Set(ContextKeyDecision, d)
	c.Request = c.Request.WithContext(WithDecision(c.Request.Context(), d))
	c.Header(HeaderDecision, d.ID)
	c.Header(HeaderSource, string(d.Source))
}

type blockInfo struct {
	status  int
	code    string
	message string
}

func blockFor(r Reason) blockInfo {
	switch r {
	case ReasonRateLimited:
		return blockInfo{http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please slow down."}
	case ReasonBot:
		return blockInfo{http.StatusForbidden, "bot_detected", "Automated traffic is not allowed."}
	case ReasonGeoBlocked:
		return blockInfo{http.StatusForbidden, "geo_blocked", "Access from your region is not permitted."}
	case ReasonEmailDomain:
		return blockInfo{http.StatusBadRequest, "email_domain_not_allowed", "Email domain is not allowed."}
	case ReasonContentFiltered:
		return blockInfo{http.StatusBadRequest, "content_filtered", "Request content is not allowed."}
	default:
		return blockInfo{http.StatusForbidden, "waf_blocked", "Request blocked by security policy."}
	}
}

func abortWithBlock(c *gin.Context, d Decision) {
	info := blockFor(d.Reason)
	errBody := gin.H{"message": info.message, "code": info.code}
	if d.Reason == ReasonRateLimited {
		retry := d.RetryAfterSeconds
		if retry < 1 {
			retry = 1
		}
		errBody["retryAfter"] = retry
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	c.AbortWithStatusJSON(info.status, gin.H{"success": false, "error": errBody})
}

type decisionKey struct{}

// WithDecision stores d on ctx.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// FromContext returns the Decision stored on ctx.
func FromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

// DecisionFrom returns the Decision attached to a gin context.
func DecisionFrom(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(ContextKeyDecision)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}
