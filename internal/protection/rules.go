package protection

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
)

// Rule is the declarative definition of one policy unit.
type Rule struct {
	ID     string `yaml:"id" json:"id" validate:"required,max=64"`
	Kind   Kind   `yaml:"kind" json:"kind" validate:"required,oneof=RATE_LIMIT BOT GEO EMAIL_DOMAIN CONTENT_FILTER SHIELD"`
	Action Action `yaml:"action" json:"action,omitempty" validate:"omitempty,oneof=BLOCK MONITOR FLAG"`

	// RATE_LIMIT
	Max     int            `yaml:"max" json:"max,omitempty" validate:"gte=0"`
	Window  time.Duration  `yaml:"window" json:"-" validate:"gte=0"`
	RoleMax map[string]int `yaml:"roleMax" json:"roleMax,omitempty" validate:"omitempty,dive,keys,required,endkeys,gte=1"`
	PerUser bool           `yaml:"perUser" json:"perUser,omitempty"`

	// GEO
	AllowedCountries []string `yaml:"allowedCountries" json:"allowedCountries,omitempty" validate:"omitempty,dive,len=2"`
	// EMAIL_DOMAIN
	AllowedDomains []string `yaml:"allowedDomains" json:"allowedDomains,omitempty" validate:"omitempty,dive,required"`
	// CONTENT_FILTER
	Patterns []string `yaml:"patterns" json:"patterns,omitempty" validate:"omitempty,dive,required"`

	Match RuleMatch `yaml:"match" json:"match,omitempty"`
}

// RuleMatch narrows where a rule applies. An empty RuleMatch applies everywhere.
type RuleMatch struct {
	// Paths are exact paths, or prefixes when they end in '*'.
	Paths   []string `yaml:"paths" json:"paths,omitempty" validate:"omitempty,dive,startswith=/"`
	Methods []string `yaml:"methods" json:"methods,omitempty" validate:"omitempty,dive,required"`
	// When is a CEL expression over `request` that must evaluate to true.
	When string `yaml:"when" json:"when,omitempty"`
}

var (
	validate     = validator.New()
	celEnvOnce   sync.Once
	celEnv       *cel.Env
	errCELEnvNil = errors.New("cel environment unavailable")
)

func ruleEnv() (*cel.Env, error) {
	var err error
	celEnvOnce.Do(func() {
		celEnv, err = cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	if err != nil {
		return nil, err
	}
	if celEnv == nil {
		return nil, errCELEnvNil
	}
	return celEnv, nil
}

// CompiledRule is a validated Rule with its lookups and predicates prepared.
type CompiledRule struct {
	Rule
	action    Action
	domains   map[string]struct{}
	countries map[string]struct{}
	patterns  []*regexp.Regexp
	paths     []pathPattern
	methods   map[string]struct{}
	when      cel.Program
}

type pathPattern struct {
	value  string
	prefix bool
}

func (p pathPattern) matches(path string) bool {
	if p.prefix {
		return strings.HasPrefix(path, p.value)
	}
	return path == p.value
}

// Effective returns the action applied on violation (BLOCK when unset).
func (r *CompiledRule) Effective() Action {
	return r.action
}

// MaxFor returns the rate-limit ceiling for the caller's role.
func (r *CompiledRule) MaxFor(role string) int {
	if role != "" {
		if m, ok := r.RoleMax[strings.ToLower(role)]; ok {
			return m
		}
	}
	return r.Max
}

// AllowsDomain reports whether an email domain is on the allowlist.
func (r *CompiledRule) AllowsDomain(domain string) bool {
	_, ok := r.domains[strings.ToLower(domain)]
	return ok
}

// AllowsCountry reports whether a country code is on the allowlist.
func (r *CompiledRule) AllowsCountry(country string) bool {
	_, ok := r.countries[strings.ToUpper(country)]
	return ok
}

// MatchesContent reports whether text matches any configured pattern.
func (r *CompiledRule) MatchesContent(text string) bool {
	for _, re := range r.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Applies reports whether the rule's match predicate selects this request.
// A CEL predicate that errors or yields a non-bool does not apply.
func (r *CompiledRule) Applies(rc *RequestContext) bool {
	if len(r.paths) > 0 {
		matched := false
		for _, p := range r.paths {
			if p.matches(rc.Path) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(r.methods) > 0 {
		if _, ok := r.methods[strings.ToUpper(rc.Method)]; !ok {
			return false
		}
	}
	if r.when != nil {
		out, _, err := r.when.Eval(map[string]any{"request": celRequest(rc)})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}
	return true
}

func celRequest(rc *RequestContext) map[string]any {
	headers := make(map[string]any, len(rc.Headers))
	for k := range rc.Headers {
		headers[strings.ToLower(k)] = rc.Headers.Get(k)
	}
	return map[string]any{
		"ip":      rc.IP,
		"path":    rc.Path,
		"method":  rc.Method,
		"userId":  rc.UserID,
		"role":    rc.Role,
		"email":   rc.Email,
		"country": rc.Country,
		"headers": headers,
	}
}

// compileRule validates r and prepares its lookups.
func compileRule(r Rule) (*CompiledRule, error) {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("field %s failed %q", e.Field(), e.Tag()))
			}
			return nil, fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, r.ID, err)
	}

	cr := &CompiledRule{Rule: r, action: r.Action}
	if cr.action == "" {
		cr.action = ActionBlock
	}

	switch r.Kind {
	case KindRateLimit:
		if r.Max < 1 {
			return nil, fmt.Errorf("%w %q: max must be at least 1", ErrInvalidRule, r.ID)
		}
		if r.Window <= 0 {
			return nil, fmt.Errorf("%w %q: window must be positive", ErrInvalidRule, r.ID)
		}
		if len(r.RoleMax) > 0 {
			lowered := make(map[string]int, len(r.RoleMax))
			for role, m := range r.RoleMax {
				lowered[strings.ToLower(role)] = m
			}
			cr.RoleMax = lowered
		}
	case KindGeo:
		if len(r.AllowedCountries) == 0 {
			return nil, fmt.Errorf("%w %q: allowedCountries must not be empty", ErrInvalidRule, r.ID)
		}
		cr.countries = make(map[string]struct{}, len(r.AllowedCountries))
		for _, c := range r.AllowedCountries {
			cr.countries[strings.ToUpper(c)] = struct{}{}
		}
	case KindEmailDomain:
		if len(r.AllowedDomains) == 0 {
			return nil, fmt.Errorf("%w %q: allowedDomains must not be empty", ErrInvalidRule, r.ID)
		}
		cr.domains = make(map[string]struct{}, len(r.AllowedDomains))
		for _, d := range r.AllowedDomains {
			cr.domains[strings.ToLower(strings.TrimPrefix(d, "@"))] = struct{}{}
		}
	case KindContentFilter:
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("%w %q: patterns must not be empty", ErrInvalidRule, r.ID)
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w %q: pattern %q: %v", ErrInvalidRule, r.ID, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
	}

	for _, p := range r.Match.Paths {
		if strings.HasSuffix(p, "*") {
			cr.paths = append(cr.paths, pathPattern{value: strings.TrimSuffix(p, "*"), prefix: true})
		} else {
			cr.paths = append(cr.paths, pathPattern{value: p})
		}
	}
	if len(r.Match.Methods) > 0 {
		cr.methods = make(map[string]struct{}, len(r.Match.Methods))
		for _, m := range r.Match.Methods {
			cr.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	if r.Match.When != "" {
		prg, err := compileWhen(r.Match.When)
		if err != nil {
			return nil, fmt.Errorf("%w %q: when: %v", ErrInvalidRule, r.ID, err)
		}
		cr.when = prg
	}

	return cr, nil
}

func compileWhen(expr string) (cel.Program, error) {
	env, err := ruleEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast)
}

// RuleSet is an ordered, compiled list of rules bound to a route group.
// It is built once at startup and shared read-only by all requests.
type RuleSet struct {
	Name      string
	Paths     []string
	rules     []*CompiledRule
	needsBody bool
}

// NewRuleSet validates and compiles rules. Any malformed rule fails the
// whole set so configuration errors surface at startup.
func NewRuleSet(name string, paths []string, rules []Rule) (*RuleSet, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: rule set name is required", ErrInvalidRule)
	}
	rs := &RuleSet{Name: name, Paths: append([]string(nil), paths...)}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return nil, fmt.Errorf("%w %q in rule set %q", ErrDuplicateRuleID, r.ID, name)
		}
		seen[r.ID] = true

		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule set %q: %w", name, err)
		}
		if r.Kind == KindEmailDomain || r.Kind == KindContentFilter {
			rs.needsBody = true
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// MustRuleSet is NewRuleSet for static definitions; it panics on error.
func MustRuleSet(name string, paths []string, rules []Rule) *RuleSet {
	rs, err := NewRuleSet(name, paths, rules)
	if err != nil {
		panic(err)
	}
	return rs
}

// Rules returns the compiled rules in evaluation order.
func (rs *RuleSet) Rules() []*CompiledRule {
	return rs.rules
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// NeedsBody reports whether any rule reads request body fields.
func (rs *RuleSet) NeedsBody() bool {
	return rs.needsBody
}
