package protection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shieldgate/internal/circuitbreaker"
)

type upstreamStub struct {
	srv   *httptest.Server
	calls atomic.Int64
	last  atomic.Value // DecideRequest
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *upstreamStub {
	t.Helper()
	u := &upstreamStub{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req DecideRequest
		if json.Unmarshal(body, &req) == nil {
			u.last.Store(req)
		}
		handler(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func respondJSON(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newTestAdapter(t *testing.T, endpoint string, timeout time.Duration, breaker CircuitBreaker) *Adapter {
	t.Helper()
	engine := NewEngine(nil)
	local := newLocal(newFakeClock())
	client, err := NewClient(ClientConfig{Endpoint: endpoint, APIKey: "sk_test", SiteID: "site_1", Timeout: timeout})
	require.NoError(t, err)
	return NewAdapter(NewLiveProvider(client, engine, local), NewFallbackProvider(engine, local), breaker, nil)
}

func testRules() *RuleSet {
	return MustRuleSet("api", []string{"/"}, []Rule{
		{ID: "rl", Kind: KindRateLimit, Max: 100, Window: time.Minute},
		{ID: "bot", Kind: KindBot},
		{ID: "geo", Kind: KindGeo, AllowedCountries: []string{"IN", "US"}},
	})
}

func TestNewClient_Unconfigured(t *testing.T) {
	_, err := NewClient(ClientConfig{Endpoint: "http://example.test"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	_, err = NewClient(ClientConfig{APIKey: "sk"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestAdapter_LiveAllow(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "site_1", r.Header.Get("X-Site-ID"))
		respondJSON(http.StatusOK, `{"conclusion":"ALLOW","country":"US"}`)(w, r)
	})
	br := circuitbreaker.New(3, time.Minute)
	a := newTestAdapter(t, up.srv.URL, time.Second, br)

	d := a.Evaluate(context.Background(), &RequestContext{ID: "req-1", IP: "1.2.3.4", Path: "/events", Method: "GET", Role: "admin"}, testRules())

	assert.True(t, d.Allowed)
	assert.Equal(t, SourceProvider, d.Source)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.GreaterOrEqual(t, d.LatencyMs, 0.0)
	assert.Equal(t, "api", d.RuleSet)
	assert.Equal(t, int64(1), up.calls.Load())

	sent := up.last.Load().(DecideRequest)
	assert.Equal(t, "api", sent.RuleSet)
	assert.Equal(t, "req-1", sent.RequestID)
	require.Len(t, sent.Rules, 3)
	assert.Equal(t, 100, sent.Rules[0].Max)
	assert.Equal(t, int64(60000), sent.Rules[0].WindowMs)
}

func TestAdapter_LiveRuleVerdictMapped(t *testing.T) {
	up := newUpstream(t, respondJSON(http.StatusOK,
		`{"conclusion":"DENY","reason":"BOT","results":[{"ruleId":"bot","conclusion":"DENY","reason":"BOT"}]}`))
	a := newTestAdapter(t, up.srv.URL, time.Second, circuitbreaker.New(3, time.Minute))

	d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4"}, testRules())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBot, d.Reason)
	assert.Equal(t, "bot", d.RuleID)
	assert.Equal(t, SourceProvider, d.Source)
}

func TestAdapter_LiveRateLimitResult(t *testing.T) {
	up := newUpstream(t, respondJSON(http.StatusOK,
		`{"conclusion":"DENY","results":[{"ruleId":"rl","conclusion":"DENY","resetSeconds":42}]}`))
	a := newTestAdapter(t, up.srv.URL, time.Second, circuitbreaker.New(3, time.Minute))

	d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4"}, testRules())
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 42, d.RetryAfterSeconds)
}

func TestAdapter_LiveCountryFeedsGeoRule(t *testing.T) {
	up := newUpstream(t, respondJSON(http.StatusOK, `{"conclusion":"ALLOW","country":"ru"}`))
	a := newTestAdapter(t, up.srv.URL, time.Second, circuitbreaker.New(3, time.Minute))

	d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4"}, testRules())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonGeoBlocked, d.Reason)
	assert.Equal(t, "geo", d.RuleID)
}

func TestAdapter_ProviderDenyWithoutRuleIsWAF(t *testing.T) {
	up := newUpstream(t, respondJSON(http.StatusOK, `{"conclusion":"DENY"}`))
	a := newTestAdapter(t, up.srv.URL, time.Second, circuitbreaker.New(3, time.Minute))

	d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4"}, testRules())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWAF, d.Reason)
	assert.Empty(t, d.RuleID)
}

func TestAdapter_UpstreamErrorsFallBack(t *testing.T) {
	tests := []struct {
		name    string
		handler func(http.ResponseWriter, *http.Request)
	}{
		{"server error", respondJSON(http.StatusInternalServerError, `{"error":"boom"}`)},
		{"unauthorized", respondJSON(http.StatusUnauthorized, `{}`)},
		{"malformed json", respondJSON(http.StatusOK, `{"conclusion":`)},
		{"unknown conclusion", respondJSON(http.StatusOK, `{"conclusion":"MAYBE"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t, tt.handler)
			br := circuitbreaker.New(3, time.Minute)
			a := newTestAdapter(t, up.srv.URL, time.Second, br)

			d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4", Country: "US"}, testRules())
			assert.True(t, d.Allowed)
			assert.Equal(t, SourceFallback, d.Source)
			assert.Equal(t, 1, br.Snapshot().ConsecutiveFailures)
		})
	}
}

func TestClient_ErrorTypes(t *testing.T) {
	up := newUpstream(t, respondJSON(http.StatusServiceUnavailable, ``))
	c, err := NewClient(ClientConfig{Endpoint: up.srv.URL, APIKey: "sk"})
	require.NoError(t, err)

	_, err = c.Decide(context.Background(), DecideRequest{})
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode)

	bad := newUpstream(t, respondJSON(http.StatusOK, `{"conclusion":"ALLOW","results":[{"conclusion":"DENY"}]}`))
	c, err = NewClient(ClientConfig{Endpoint: bad.srv.URL, APIKey: "sk"})
	require.NoError(t, err)
	_, err = c.Decide(context.Background(), DecideRequest{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAdapter_FailOpenUnderOutage(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	clk := newFakeClock()
	br := circuitbreaker.New(2, time.Minute, circuitbreaker.WithClock(clk.Now))
	a := newTestAdapter(t, up.srv.URL, 100*time.Millisecond, br)
	rules := testRules()
	rc := &RequestContext{IP: "1.2.3.4", Country: "US"}

	for i := 0; i < 2; i++ {
		d := a.Evaluate(context.Background(), rc, rules)
		assert.True(t, d.Allowed, "timeouts are absorbed")
		assert.Equal(t, SourceFallback, d.Source)
		assert.GreaterOrEqual(t, d.LatencyMs, 100.0, "trial call paid the timeout")
	}
	require.Equal(t, circuitbreaker.StateOpen, br.State())
	require.Equal(t, int64(2), up.calls.Load())

	for i := 0; i < 10; i++ {
		d := a.Evaluate(context.Background(), rc, rules)
		assert.True(t, d.Allowed)
		assert.Equal(t, SourceFallback, d.Source)
		assert.Less(t, d.LatencyMs, 50.0, "open breaker skips the upstream entirely")
	}
	assert.Equal(t, int64(2), up.calls.Load(), "no calls while open")
	assert.Equal(t, circuitbreaker.StateOpen, br.State())

	clk.Advance(time.Minute)
	assert.Equal(t, circuitbreaker.StateHalfOpen, br.State())
	a.Evaluate(context.Background(), rc, rules)
	assert.Equal(t, int64(3), up.calls.Load(), "half-open lets one trial call through")
	assert.Equal(t, circuitbreaker.StateOpen, br.State(), "failed trial call reopens")
}

func TestAdapter_RecoversThroughHalfOpen(t *testing.T) {
	var healthy atomic.Bool
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			respondJSON(http.StatusOK, `{"conclusion":"ALLOW"}`)(w, r)
			return
		}
		respondJSON(http.StatusBadGateway, `{}`)(w, r)
	})
	clk := newFakeClock()
	br := circuitbreaker.New(1, 30*time.Second, circuitbreaker.WithClock(clk.Now))
	a := newTestAdapter(t, up.srv.URL, time.Second, br)
	rc := &RequestContext{IP: "1.2.3.4", Country: "US"}

	a.Evaluate(context.Background(), rc, testRules())
	require.Equal(t, circuitbreaker.StateOpen, br.State())

	healthy.Store(true)
	clk.Advance(30 * time.Second)
	d := a.Evaluate(context.Background(), rc, testRules())
	assert.Equal(t, SourceProvider, d.Source)
	assert.Equal(t, circuitbreaker.StateClosed, br.State())
	assert.Equal(t, 0, br.Snapshot().ConsecutiveFailures)
}

func TestAdapter_UnconfiguredIsPermanentFallback(t *testing.T) {
	engine := NewEngine(nil)
	local := newLocal(newFakeClock())
	br := circuitbreaker.New(1, time.Minute)
	a := NewAdapter(nil, NewFallbackProvider(engine, local), br, nil)

	assert.False(t, a.Live())
	for i := 0; i < 3; i++ {
		d := a.Evaluate(context.Background(), &RequestContext{IP: "1.2.3.4"}, testRules())
		assert.Equal(t, SourceFallback, d.Source)
	}
	snap := br.Snapshot()
	assert.Equal(t, circuitbreaker.StateClosed, snap.State, "no call attempted, breaker untouched")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

type fixedProvider struct {
	d   Decision
	err error
}

func (p fixedProvider) Evaluate(context.Context, *RequestContext, *RuleSet) (Decision, error) {
	return p.d, p.err
}

func TestAdapter_FallbackErrorFailsOpen(t *testing.T) {
	br := circuitbreaker.New(1, time.Minute)
	a := NewAdapter(nil, fixedProvider{err: errors.New("broken")}, br, nil)

	d := a.Evaluate(context.Background(), &RequestContext{}, testRules())
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceFallback, d.Source)
}

func TestAdapter_CanceledCallerDoesNotTripBreaker(t *testing.T) {
	br := circuitbreaker.New(1, time.Minute)
	live := fixedProvider{err: context.Canceled}
	fallback := NewFallbackProvider(NewEngine(nil), newLocal(newFakeClock()))
	a := NewAdapter(live, fallback, br, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := a.Evaluate(ctx, &RequestContext{IP: "1.2.3.4"}, testRules())

	assert.Equal(t, SourceFallback, d.Source)
	assert.Equal(t, circuitbreaker.StateClosed, br.State())
	assert.Equal(t, 0, br.Snapshot().ConsecutiveFailures)
}
