// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Upstream protection provider
	ProtectionAPIKey       string
	ProtectionSiteID       string
	ProtectionEndpoint     string
	ProtectionTimeout      time.Duration
	ProtectionEnforceInDev bool
	ProtectionRulesFile    string // YAML rule sets; replaces the env-built defaults
	// ProtectionMaxBodyBytes caps the body read by email and content rules.
	// Larger bodies on those routes are rejected with 413.
	ProtectionMaxBodyBytes int64

	// Default rule sets
	RateLimitMax           int
	RateLimitWindow        time.Duration
	RateLimitPrivilegedMax int
	RegistrationPaths      []string
	SignupRateLimitMax     int
	SignupRateLimitWindow  time.Duration
	AllowedCountries       []string
	GeoAction              string
	AllowedEmailDomains    []string
	ContentFilterPatterns  []string

	// Request context
	CountryHeader        string // trusted edge header, e.g. CF-IPCountry
	TrustIdentityHeaders bool
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty means the socket peer address is the client IP.
	TrustedProxies []string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// Counter store
	CounterMaxEntries    int
	CounterSweepInterval time.Duration

	// Collaborators
	UpstreamURL  string // application the gateway fronts; stub handler when empty
	RedisURL     string // analytics sink (optional, in-memory if not set)
	OTLPEndpoint string
	AdminSecret  string // Admin API secret
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultProtectionTimeout       = 2 * time.Second
	DefaultProtectionMaxBodyBytes  = 64 << 10
	DefaultRateLimitMax            = 60
	DefaultRateLimitWindow         = time.Minute
	DefaultRateLimitPrivilegedMax  = 600
	DefaultRegistrationPaths       = "/auth/register,/auth/signup"
	DefaultSignupRateLimitMax      = 5
	DefaultSignupRateLimitWindow   = 15 * time.Minute
	DefaultGeoAction               = "BLOCK"
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second
	DefaultCounterMaxEntries       = 100_000
	DefaultCounterSweepInterval    = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		ProtectionAPIKey:       os.Getenv("PROTECTION_API_KEY"),
		ProtectionSiteID:       os.Getenv("PROTECTION_SITE_ID"),
		ProtectionEndpoint:     os.Getenv("PROTECTION_ENDPOINT"),
		ProtectionTimeout:      getEnvDuration("PROTECTION_TIMEOUT", DefaultProtectionTimeout),
		ProtectionEnforceInDev: getEnvBool("PROTECTION_ENFORCE_IN_DEV", false),
		ProtectionRulesFile:    os.Getenv("PROTECTION_RULES_FILE"),
		ProtectionMaxBodyBytes: getEnvInt64("PROTECTION_MAX_BODY_BYTES", DefaultProtectionMaxBodyBytes),

		RateLimitMax:           int(getEnvInt64("RATE_LIMIT_MAX", DefaultRateLimitMax)),
		RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		RateLimitPrivilegedMax: int(getEnvInt64("RATE_LIMIT_PRIVILEGED_MAX", DefaultRateLimitPrivilegedMax)),
		RegistrationPaths:      getEnvList("REGISTRATION_PATHS", DefaultRegistrationPaths),
		SignupRateLimitMax:     int(getEnvInt64("SIGNUP_RATE_LIMIT_MAX", DefaultSignupRateLimitMax)),
		SignupRateLimitWindow:  getEnvDuration("SIGNUP_RATE_LIMIT_WINDOW", DefaultSignupRateLimitWindow),
		AllowedCountries:       getEnvList("ALLOWED_COUNTRIES", ""),
		GeoAction:              strings.ToUpper(getEnv("GEO_ACTION", DefaultGeoAction)),
		AllowedEmailDomains:    getEnvList("ALLOWED_EMAIL_DOMAINS", ""),
		ContentFilterPatterns:  getEnvPatterns("CONTENT_FILTER_PATTERNS"),

		CountryHeader:        os.Getenv("COUNTRY_HEADER"),
		TrustIdentityHeaders: getEnvBool("TRUST_IDENTITY_HEADERS", false),
		TrustedProxies:       getEnvList("TRUSTED_PROXIES", ""),

		BreakerFailureThreshold: int(getEnvInt64("BREAKER_FAILURE_THRESHOLD", DefaultBreakerFailureThreshold)),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", DefaultBreakerResetTimeout),

		CounterMaxEntries:    int(getEnvInt64("COUNTER_MAX_ENTRIES", DefaultCounterMaxEntries)),
		CounterSweepInterval: getEnvDuration("COUNTER_SWEEP_INTERVAL", DefaultCounterSweepInterval),

		UpstreamURL:  os.Getenv("UPSTREAM_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	if c.ProtectionAPIKey != "" && c.ProtectionSiteID == "" {
		return fmt.Errorf("PROTECTION_SITE_ID is required when PROTECTION_API_KEY is set")
	}
	if c.ProtectionEndpoint != "" {
		if err := validateHTTPURL(c.ProtectionEndpoint); err != nil {
			return fmt.Errorf("PROTECTION_ENDPOINT: %w", err)
		}
	}
	if c.ProtectionTimeout <= 0 {
		return fmt.Errorf("PROTECTION_TIMEOUT must be positive")
	}
	if c.ProtectionMaxBodyBytes < 0 {
		return fmt.Errorf("PROTECTION_MAX_BODY_BYTES must not be negative")
	}

	if c.RateLimitMax < 1 || c.SignupRateLimitMax < 1 || c.RateLimitPrivilegedMax < 1 {
		return fmt.Errorf("rate limit max values must be at least 1")
	}
	if c.RateLimitWindow <= 0 || c.SignupRateLimitWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	for _, cc := range c.AllowedCountries {
		if len(cc) != 2 {
			return fmt.Errorf("ALLOWED_COUNTRIES must be ISO 3166-1 alpha-2 codes, got %q", cc)
		}
	}
	switch c.GeoAction {
	case "BLOCK", "MONITOR", "FLAG":
	default:
		return fmt.Errorf("GEO_ACTION must be BLOCK, MONITOR or FLAG")
	}

	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("TRUSTED_PROXIES must be IPs or CIDRs, got %q", p)
			}
		}
	}

	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.BreakerResetTimeout <= 0 {
		return fmt.Errorf("BREAKER_RESET_TIMEOUT must be positive")
	}
	if c.CounterMaxEntries < 1 {
		return fmt.Errorf("COUNTER_MAX_ENTRIES must be at least 1")
	}
	if c.CounterSweepInterval <= 0 {
		return fmt.Errorf("COUNTER_SWEEP_INTERVAL must be positive")
	}

	if c.UpstreamURL != "" {
		if err := validateHTTPURL(c.UpstreamURL); err != nil {
			return fmt.Errorf("UPSTREAM_URL: %w", err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Enforce reports whether protection rules are evaluated at all.
// Development skips evaluation unless PROTECTION_ENFORCE_IN_DEV is set.
func (c *Config) Enforce() bool {
	return !c.IsDevelopment() || c.ProtectionEnforceInDev
}

// ProviderConfigured reports whether upstream credentials are present.
func (c *Config) ProviderConfigured() bool {
	return c.ProtectionAPIKey != "" && c.ProtectionEndpoint != ""
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	return splitList(getEnv(key, defaultValue), ",")
}

// getEnvPatterns splits on ";;" so regexes may contain commas.
func getEnvPatterns(key string) []string {
	return splitList(os.Getenv(key), ";;")
}

func splitList(value, sep string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
