package protection

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSetConfig is the declarative form of a RuleSet, as read from YAML.
type RuleSetConfig struct {
	Name  string   `yaml:"name" validate:"required"`
	Paths []string `yaml:"paths" validate:"required,min=1,dive,startswith=/"`
	Rules []Rule   `yaml:"rules"`
}

type rulesFile struct {
	RuleSets []RuleSetConfig `yaml:"ruleSets" validate:"required,min=1,dive"`
}

// Catalog binds rule sets to route groups by path prefix.
type Catalog struct {
	sets []*RuleSet
}

// NewCatalog builds a catalog; rule set names must be unique.
func NewCatalog(sets ...*RuleSet) (*Catalog, error) {
	seen := make(map[string]bool, len(sets))
	for _, rs := range sets {
		if rs == nil {
			continue
		}
		if seen[rs.Name] {
			return nil, fmt.Errorf("%w: duplicate rule set %q", ErrInvalidRule, rs.Name)
		}
		seen[rs.Name] = true
	}
	c := &Catalog{}
	for _, rs := range sets {
		if rs != nil {
			c.sets = append(c.sets, rs)
		}
	}
	return c, nil
}

// BuildCatalog compiles every config into a RuleSet.
func BuildCatalog(configs []RuleSetConfig) (*Catalog, error) {
	sets := make([]*RuleSet, 0, len(configs))
	for _, cfg := range configs {
		if err := validate.Struct(cfg); err != nil {
			return nil, fmt.Errorf("%w: rule set %q: %v", ErrInvalidRule, cfg.Name, err)
		}
		rs, err := NewRuleSet(cfg.Name, cfg.Paths, cfg.Rules)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return NewCatalog(sets...)
}

// LoadRuleSets reads a YAML rule file:
//
//	ruleSets:
//	  - name: registration
//	    paths: [/auth/register]
//	    rules:
//	      - id: signup-rate
//	        kind: RATE_LIMIT
//	        max: 5
//	        window: 15m
func LoadRuleSets(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRuleSets(data)
}

// ParseRuleSets parses YAML rule-set definitions.
func ParseRuleSets(data []byte) (*Catalog, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse rule file: %v", ErrInvalidRule, err)
	}
	if len(f.RuleSets) == 0 {
		return nil, errors.Join(ErrInvalidRule, errors.New("rule file defines no rule sets"))
	}
	return BuildCatalog(f.RuleSets)
}

// For returns the rule set bound to the longest matching path prefix, or nil.
func (c *Catalog) For(path string) *RuleSet {
	if c == nil {
		return nil
	}
	var best *RuleSet
	bestLen := -1
	for _, rs := range c.sets {
		for _, prefix := range rs.Paths {
			if prefixMatches(path, prefix) && len(prefix) > bestLen {
				best, bestLen = rs, len(prefix)
			}
		}
	}
	return best
}

// Sets returns the rule sets in definition order.
func (c *Catalog) Sets() []*RuleSet {
	if c == nil {
		return nil
	}
	return c.sets
}

// prefixMatches matches on path segment boundaries: "/events" covers
// "/events" and "/events/1" but not "/eventsx".
func prefixMatches(path, prefix string) bool {
	if prefix == "/" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}
