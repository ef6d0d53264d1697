package protection

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleSet_Valid(t *testing.T) {
	rs, err := NewRuleSet("api", []string{"/"}, []Rule{
		{ID: "rl", Kind: KindRateLimit, Max: 60, Window: time.Minute},
		{ID: "edu", Kind: KindEmailDomain, AllowedDomains: []string{"@X.edu"}},
		{ID: "shield", Kind: KindShield},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Len())
	assert.True(t, rs.NeedsBody())
	assert.Equal(t, ActionBlock, rs.Rules()[0].Effective())
	assert.True(t, rs.Rules()[1].AllowsDomain("x.EDU"))
}

func TestNewRuleSet_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		want  error
	}{
		{"duplicate id", []Rule{{ID: "a", Kind: KindBot}, {ID: "a", Kind: KindShield}}, ErrDuplicateRuleID},
		{"missing id", []Rule{{Kind: KindBot}}, ErrInvalidRule},
		{"unknown kind", []Rule{{ID: "a", Kind: "CAPTCHA"}}, ErrInvalidRule},
		{"unknown action", []Rule{{ID: "a", Kind: KindBot, Action: "DROP"}}, ErrInvalidRule},
		{"rate limit without max", []Rule{{ID: "a", Kind: KindRateLimit, Window: time.Minute}}, ErrInvalidRule},
		{"rate limit without window", []Rule{{ID: "a", Kind: KindRateLimit, Max: 5}}, ErrInvalidRule},
		{"geo without countries", []Rule{{ID: "a", Kind: KindGeo}}, ErrInvalidRule},
		{"bad country code", []Rule{{ID: "a", Kind: KindGeo, AllowedCountries: []string{"USA"}}}, ErrInvalidRule},
		{"email without domains", []Rule{{ID: "a", Kind: KindEmailDomain}}, ErrInvalidRule},
		{"bad pattern", []Rule{{ID: "a", Kind: KindContentFilter, Patterns: []string{"(unclosed"}}}, ErrInvalidRule},
		{"bad when", []Rule{{ID: "a", Kind: KindBot, Match: RuleMatch{When: "request."}}}, ErrInvalidRule},
		{"relative match path", []Rule{{ID: "a", Kind: KindBot, Match: RuleMatch{Paths: []string{"events"}}}}, ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleSet("set", []string{"/"}, tt.rules)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMustRuleSet_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustRuleSet("bad", nil, []Rule{{ID: "a", Kind: KindRateLimit}})
	})
}

func TestCompiledRule_MaxFor(t *testing.T) {
	rs := MustRuleSet("api", []string{"/"}, []Rule{
		{ID: "rl", Kind: KindRateLimit, Max: 60, Window: time.Minute, RoleMax: map[string]int{"Admin": 600}},
	})
	r := rs.Rules()[0]

	assert.Equal(t, 60, r.MaxFor(""))
	assert.Equal(t, 60, r.MaxFor("student"))
	assert.Equal(t, 600, r.MaxFor("admin"))
	assert.Equal(t, 600, r.MaxFor("ADMIN"))
}

func TestCompiledRule_Applies(t *testing.T) {
	rs := MustRuleSet("api", []string{"/"}, []Rule{
		{ID: "exact", Kind: KindBot, Match: RuleMatch{Paths: []string{"/auth/register"}}},
		{ID: "prefix", Kind: KindBot, Match: RuleMatch{Paths: []string{"/events*"}, Methods: []string{"post"}}},
		{ID: "cel", Kind: KindBot, Match: RuleMatch{When: `request.role == "guest" && request.path.startsWith("/orders")`}},
		{ID: "cel-header", Kind: KindBot, Match: RuleMatch{When: `request.headers["user-agent"] == "curl/8.0"`}},
		{ID: "all", Kind: KindBot},
	})
	rules := map[string]*CompiledRule{}
	for _, r := range rs.Rules() {
		rules[r.ID] = r
	}

	req := func(method, path, role string) *RequestContext {
		return &RequestContext{Method: method, Path: path, Role: role, Headers: http.Header{}}
	}

	assert.True(t, rules["exact"].Applies(req("GET", "/auth/register", "")))
	assert.False(t, rules["exact"].Applies(req("GET", "/auth/register/x", "")))

	assert.True(t, rules["prefix"].Applies(req("POST", "/events/42", "")))
	assert.False(t, rules["prefix"].Applies(req("GET", "/events/42", "")))
	assert.False(t, rules["prefix"].Applies(req("POST", "/orders", "")))

	assert.True(t, rules["cel"].Applies(req("GET", "/orders/1", "guest")))
	assert.False(t, rules["cel"].Applies(req("GET", "/orders/1", "admin")))

	withUA := req("GET", "/", "")
	withUA.Headers.Set("User-Agent", "curl/8.0")
	assert.True(t, rules["cel-header"].Applies(withUA))
	assert.False(t, rules["cel-header"].Applies(req("GET", "/", "")), "missing key evaluates to an error, so the rule does not apply")

	assert.True(t, rules["all"].Applies(req("DELETE", "/anything", "")))
}

func TestCompiledRule_MatchesContent(t *testing.T) {
	rs := MustRuleSet("api", []string{"/"}, []Rule{
		{ID: "cf", Kind: KindContentFilter, Patterns: []string{`(?i)<script`, `(?i)union\s+select`}},
	})
	r := rs.Rules()[0]
	assert.True(t, r.MatchesContent(`{"bio":"<SCRIPT>alert(1)</script>"}`))
	assert.True(t, r.MatchesContent("1 UNION  SELECT password"))
	assert.False(t, r.MatchesContent(`{"bio":"hello"}`))
}

const testRuleFile = `
ruleSets:
  - name: registration
    paths: [/auth/register]
    rules:
      - id: signup-rate
        kind: RATE_LIMIT
        max: 5
        window: 15m
        roleMax:
          Admin: 50
      - id: edu-only
        kind: EMAIL_DOMAIN
        allowedDomains: [iiitkottayam.ac.in]
        match:
          methods: [POST]
  - name: events
    paths: [/events]
    rules:
      - id: events-geo
        kind: GEO
        action: MONITOR
        allowedCountries: [in, us]
  - name: api
    paths: ["/"]
    rules:
      - id: global
        kind: RATE_LIMIT
        max: 60
        window: 1m
      - id: shield
        kind: SHIELD
`

func TestParseRuleSets(t *testing.T) {
	cat, err := ParseRuleSets([]byte(testRuleFile))
	require.NoError(t, err)
	require.Len(t, cat.Sets(), 3)

	reg := cat.For("/auth/register")
	require.NotNil(t, reg)
	assert.Equal(t, "registration", reg.Name)
	assert.Equal(t, 15*time.Minute, reg.Rules()[0].Window)
	assert.Equal(t, 50, reg.Rules()[0].MaxFor("admin"))
	assert.True(t, reg.NeedsBody())

	ev := cat.For("/events/123")
	require.NotNil(t, ev)
	assert.Equal(t, "events", ev.Name)
	assert.Equal(t, ActionMonitor, ev.Rules()[0].Effective())
	assert.True(t, ev.Rules()[0].AllowsCountry("IN"))

	assert.Equal(t, "api", cat.For("/eventsx").Name, "prefixes match on segment boundaries")
	assert.Equal(t, "api", cat.For("/orders").Name)
}

func TestParseRuleSets_Errors(t *testing.T) {
	_, err := ParseRuleSets([]byte("ruleSets: ["))
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = ParseRuleSets([]byte("ruleSets: []"))
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = ParseRuleSets([]byte(`
ruleSets:
  - name: a
    paths: [/a]
  - name: a
    paths: [/b]
`))
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = ParseRuleSets([]byte(`
ruleSets:
  - name: nopaths
    rules:
      - id: x
        kind: BOT
`))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestLoadRuleSets_MissingFile(t *testing.T) {
	_, err := LoadRuleSets(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}

func TestCatalog_NilSafe(t *testing.T) {
	var cat *Catalog
	assert.Nil(t, cat.For("/x"))
	assert.Nil(t, cat.Sets())
}

func TestRequestContext_EmailDomain(t *testing.T) {
	tests := map[string]string{
		"user@Gmail.com":         "gmail.com",
		"a@b@iiitkottayam.ac.in": "iiitkottayam.ac.in",
		"nodomain@":              "",
		"plain":                  "",
		"":                       "",
	}
	for email, want := range tests {
		rc := &RequestContext{Email: email}
		assert.Equal(t, want, rc.EmailDomain(), email)
	}
}
