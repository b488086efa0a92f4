// Package config handles YAML configuration loading with environment variable
// expansion and load-time validation of providers and routes.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	prism "github.com/prismproxy/prism/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Providers map[string]Provider `yaml:"providers"`
	Routing   RoutingConfig       `yaml:"routing"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings. The proxy binds loopback by
// default; it does no TLS termination.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // buffered requests only
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful drain deadline
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Provider is a per-provider entry under providers.<key>.
type Provider struct {
	Kind             prism.ProviderKind `yaml:"kind"`
	Endpoint         string             `yaml:"endpoint"`
	APIKey           string             `yaml:"api_key"`
	APIKeyFallback   bool               `yaml:"api_key_fallback"`
	FallbackOnErrors []int              `yaml:"fallback_on_errors"`
	OAuth            string             `yaml:"oauth"` // credential-store identity name
	Retry            RetryConfig        `yaml:"retry"`
	Timeout          time.Duration      `yaml:"timeout"` // per-attempt deadline
}

// FallbackCodes returns the status codes that trigger credential and selector
// fallback, defaulting to {429}.
func (p Provider) FallbackCodes() map[int]bool {
	codes := p.FallbackOnErrors
	if len(codes) == 0 {
		codes = []int{429}
	}
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// RetryConfig holds the per-attempt retry policy for non-streaming calls.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultRetry is the retry policy applied when a provider omits one.
var DefaultRetry = RetryConfig{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2,
}

// RoutingConfig maps model aliases to selector strings.
type RoutingConfig struct {
	Models map[string]Route `yaml:"models"`
}

// Route is an alias value: either a single selector string or an ordered list.
// The first entry is primary, the rest are fallbacks.
type Route struct {
	Selectors []string
}

// UnmarshalYAML accepts both "alias: provider/model" and
// "alias: [a/b, c/d]" forms.
func (r *Route) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		r.Selectors = []string{s}
		return nil
	case yaml.SequenceNode:
		return value.Decode(&r.Selectors)
	default:
		return fmt.Errorf("route must be a string or a list of strings")
	}
}

// defaultEndpoints maps provider kinds to their public API base URLs, applied
// when a provider entry omits endpoint.
var defaultEndpoints = map[prism.ProviderKind]string{
	prism.KindAnthropic:  "https://api.anthropic.com",
	prism.KindOpenAI:     "https://api.openai.com/v1",
	prism.KindGemini:     "https://generativelanguage.googleapis.com",
	prism.KindOpenRouter: "https://openrouter.ai/api/v1",
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left as-is so validation can report them in context.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes. Split from Load for tests.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3742,
			LogLevel:        "info",
			RequestTimeout:  5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize applies per-provider defaults and validates the whole document.
func (c *Config) normalize() error {
	for key, p := range c.Providers {
		if !p.Kind.Valid() {
			return fmt.Errorf("provider %q: unknown kind %q", key, p.Kind)
		}
		if p.Endpoint == "" {
			p.Endpoint = defaultEndpoints[p.Kind]
		}
		p.Endpoint = strings.TrimRight(p.Endpoint, "/")
		if p.APIKey == "" {
			// <PROVIDER>_API_KEY convention, e.g. OPENROUTER_API_KEY.
			p.APIKey = os.Getenv(strings.ToUpper(key) + "_API_KEY")
		}
		if strings.Contains(p.APIKey, "${") {
			return fmt.Errorf("provider %q: api_key references an unset environment variable", key)
		}
		if p.Retry == (RetryConfig{}) {
			p.Retry = DefaultRetry
		}
		if p.Retry.MaxAttempts <= 0 {
			p.Retry.MaxAttempts = 1
		}
		if p.Timeout <= 0 {
			p.Timeout = 60 * time.Second
		}
		c.Providers[key] = p
	}

	for alias, route := range c.Routing.Models {
		if len(route.Selectors) == 0 {
			return fmt.Errorf("route %q has no targets", alias)
		}
		for _, s := range route.Selectors {
			// Aliases resolve in one step; an entry without a provider
			// prefix would be another alias and is rejected here rather
			// than per-request.
			if !strings.Contains(strings.SplitN(s, "?", 2)[0], "/") {
				return fmt.Errorf("route %q: entry %q is not a provider/model selector (aliases may not reference aliases)", alias, s)
			}
		}
	}
	return nil
}
