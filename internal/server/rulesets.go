package server

import (
	"fmt"
	"strings"

	"github.com/mbd888/shieldgate/internal/config"
	"github.com/mbd888/shieldgate/internal/protection"
)

// Rule set names for the environment-built defaults.
const (
	RuleSetRegistration = "registration"
	RuleSetAPI          = "api"
)

// Roles that receive the privileged rate-limit ceiling.
var privilegedRoles = []string{"admin", "moderator", "service"}

// buildCatalog loads PROTECTION_RULES_FILE when set, otherwise builds the
// default rule sets from the environment.
func buildCatalog(cfg *config.Config) (*protection.Catalog, error) {
	if cfg.ProtectionRulesFile != "" {
		catalog, err := protection.LoadRuleSets(cfg.ProtectionRulesFile)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.ProtectionRulesFile, err)
		}
		return catalog, nil
	}
	return protection.BuildCatalog(defaultRuleSets(cfg))
}

func defaultRuleSets(cfg *config.Config) []protection.RuleSetConfig {
	var sets []protection.RuleSetConfig

	if len(cfg.RegistrationPaths) > 0 {
		rules := []protection.Rule{
			{ID: "signup-shield", Kind: protection.KindShield, Action: protection.ActionBlock},
			{ID: "signup-bot", Kind: protection.KindBot, Action: protection.ActionBlock},
			{
				ID:     "signup-rate",
				Kind:   protection.KindRateLimit,
				Action: protection.ActionBlock,
				Max:    cfg.SignupRateLimitMax,
				Window: cfg.SignupRateLimitWindow,
				Match:  protection.RuleMatch{Methods: []string{"POST"}},
			},
		}
		if len(cfg.AllowedEmailDomains) > 0 {
			rules = append(rules, protection.Rule{
				ID:             "signup-email-domain",
				Kind:           protection.KindEmailDomain,
				Action:         protection.ActionBlock,
				AllowedDomains: cfg.AllowedEmailDomains,
			})
		}
		rules = append(rules, sharedRules(cfg, "signup")...)
		sets = append(sets, protection.RuleSetConfig{
			Name:  RuleSetRegistration,
			Paths: cfg.RegistrationPaths,
			Rules: rules,
		})
	}

	roleMax := make(map[string]int, len(privilegedRoles))
	for _, role := range privilegedRoles {
		roleMax[role] = cfg.RateLimitPrivilegedMax
	}
	api := []protection.Rule{
		{ID: "api-shield", Kind: protection.KindShield, Action: protection.ActionBlock},
		{
			ID:      "api-rate",
			Kind:    protection.KindRateLimit,
			Action:  protection.ActionBlock,
			Max:     cfg.RateLimitMax,
			Window:  cfg.RateLimitWindow,
			RoleMax: roleMax,
		},
	}
	api = append(api, sharedRules(cfg, "api")...)
	sets = append(sets, protection.RuleSetConfig{
		Name:  RuleSetAPI,
		Paths: []string{"/"},
		Rules: api,
	})

	return sets
}

// sharedRules are the geo and content rules common to every default set.
func sharedRules(cfg *config.Config, prefix string) []protection.Rule {
	var rules []protection.Rule
	if len(cfg.AllowedCountries) > 0 {
		countries := make([]string, len(cfg.AllowedCountries))
		for i, cc := range cfg.AllowedCountries {
			countries[i] = strings.ToUpper(cc)
		}
		rules = append(rules, protection.Rule{
			ID:               prefix + "-geo",
			Kind:             protection.KindGeo,
			Action:           protection.Action(cfg.GeoAction),
			AllowedCountries: countries,
		})
	}
	if len(cfg.ContentFilterPatterns) > 0 {
		rules = append(rules, protection.Rule{
			ID:       prefix + "-content",
			Kind:     protection.KindContentFilter,
			Action:   protection.ActionBlock,
			Patterns: cfg.ContentFilterPatterns,
			Match:    protection.RuleMatch{Methods: []string{"POST", "PUT", "PATCH"}},
		})
	}
	return rules
}
