// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GATEWAY_PORT becomes
// gateway_port in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// Config is the top-level configuration container.
type Config struct {
	// GatewayPort is the preferred TCP port the HTTP server listens on.
	// Default: 8080.
	GatewayPort int

	// GatewayPortRange bounds the EADDRINUSE rescan when GatewayPort is
	// already taken. A zero range disables rescanning.
	GatewayPortRange PortRange

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// StoreDSN is the ClickHouse DSN of the request/attempt log sink; empty
	// runs without that sink. Provider and price-sheet lookups always come
	// from the in-process MemoryStore seeded from the Providers below,
	// whether or not this is set.
	StoreDSN string

	// CacheDSN is a Redis URL (redis://...) backing the recent-error cache.
	// Empty selects the in-process MemoryCache — the right default for a
	// single-instance gateway; set this when running multiple gateway
	// instances behind a shared load balancer so a client retry that lands on
	// a different instance still hits the cached error.
	CacheDSN string

	// Providers holds the three in-scope upstreams, keyed by cli_key
	// ("claude", "codex", "gemini").
	Providers map[string]ProviderConfig

	CircuitBreaker CircuitBreakerConfig
	Session        SessionConfig
	Fixer          FixerConfig
	Timeouts       TimeoutConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// PortRange bounds the EADDRINUSE rescan (spec.md §5 "Port binding").
type PortRange struct {
	Min int
	Max int
}

// ProviderConfig holds the configuration for one upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key injected by the gateway itself; never
	// forwarded from the client. Leave empty to disable the provider.
	APIKey string

	// BaseURLs is the ordered list of candidate base URLs (spec.md §3
	// Provider.base_urls). Comma-separated in the env var. When unset, the
	// health probe uses the vendor SDK's default base URL; request forwarding
	// has no fallback and dispatches only to URLs listed here.
	BaseURLs []string

	// BaseURLMode is "order" (dispatch to the first stored URL; the others
	// are not tried) or "ping" (lowest-latency reachable base wins,
	// TTL-cached). Default: "order".
	BaseURLMode string

	// CostMultiplier scales the price-sheet cost for requests served by this
	// provider (spec.md §3 Provider / cost accounting).
	CostMultiplier float64
}

// CircuitBreakerConfig controls per-provider circuit breaker settings
// (spec.md §3 Breaker).
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip a
	// provider's breaker open. Default: 5.
	FailureThreshold int

	// OpenDuration is how long a tripped breaker stays open; once it has
	// elapsed the breaker closes outright on the next check (there is no
	// half-open probe). Default: 30s.
	OpenDuration time.Duration
}

// SessionConfig controls CLI session stickiness (spec.md §3 Session).
type SessionConfig struct {
	// TTL is how long an idle session binding is retained. Default: 1h.
	TTL time.Duration

	// MaxBindings caps the number of session bindings tracked in-process.
	// Once the cap is reached, expired bindings are purged and, if the map
	// is still full, all bindings are cleared. Default: 10000.
	MaxBindings int
}

// FixerConfig bounds the streaming JSON-repair transducer (spec.md §5 "fixer").
type FixerConfig struct {
	// MaxJSONDepth caps nested-object/array depth the fixer will track before
	// giving up and passing bytes through verbatim. Default: 64.
	MaxJSONDepth int

	// MaxFixSize caps the buffered size, in bytes, of a single in-flight
	// repair window. Default: 1MiB.
	MaxFixSize int
}

// TimeoutConfig controls the upstream attempt timeouts (spec.md §5 "Attempt").
type TimeoutConfig struct {
	// ConnectTimeout bounds dialing+TLS handshake to an upstream base URL.
	// Default: 5s.
	ConnectTimeout time.Duration

	// FirstByteTimeout bounds waiting for the first response byte after the
	// request is fully sent. Default: 30s.
	FirstByteTimeout time.Duration

	// StreamIdleTimeout aborts a streaming response if no bytes arrive for
	// this long. Default: 60s.
	StreamIdleTimeout time.Duration

	// StreamTotalTimeout caps the wall-clock duration, measured from request
	// start, of relaying a non-SSE response body. SSE responses are bounded
	// by StreamIdleTimeout only. Default: 180s.
	StreamTotalTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("GATEWAY_PORT", 8080)
	v.SetDefault("GATEWAY_PORT_RANGE", "8081-8180")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("STORE_DSN", "")
	v.SetDefault("CACHE_DSN", "")

	v.SetDefault("CLAUDE_BASE_URL_MODE", "order")
	v.SetDefault("CODEX_BASE_URL_MODE", "order")
	v.SetDefault("GEMINI_BASE_URL_MODE", "order")
	v.SetDefault("CLAUDE_COST_MULTIPLIER", 1.0)
	v.SetDefault("CODEX_COST_MULTIPLIER", 1.0)
	v.SetDefault("GEMINI_COST_MULTIPLIER", 1.0)

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_DURATION_SECS", 30)

	v.SetDefault("SESSION_TTL_SECS", 3600)
	v.SetDefault("SESSION_MAX_BINDINGS", 10000)

	v.SetDefault("FIXER_MAX_JSON_DEPTH", 64)
	v.SetDefault("FIXER_MAX_FIX_SIZE", 1<<20)

	v.SetDefault("CONNECT_TIMEOUT", "5s")
	v.SetDefault("FIRST_BYTE_TIMEOUT", "30s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "60s")
	v.SetDefault("STREAM_TOTAL_TIMEOUT", "180s")

	portRange, err := parsePortRange(v.GetString("GATEWAY_PORT_RANGE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		GatewayPort:      v.GetInt("GATEWAY_PORT"),
		GatewayPortRange: portRange,
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		StoreDSN:         v.GetString("STORE_DSN"),
		CacheDSN:         v.GetString("CACHE_DSN"),
		CORSOrigins:      v.GetStringSlice("CORS_ORIGINS"),

		Providers: map[string]ProviderConfig{
			"claude": {
				APIKey:         v.GetString("CLAUDE_API_KEY"),
				BaseURLs:       splitBaseURLs(v.GetString("CLAUDE_BASE_URL")),
				BaseURLMode:    strings.ToLower(v.GetString("CLAUDE_BASE_URL_MODE")),
				CostMultiplier: v.GetFloat64("CLAUDE_COST_MULTIPLIER"),
			},
			"codex": {
				APIKey:         v.GetString("CODEX_API_KEY"),
				BaseURLs:       splitBaseURLs(v.GetString("CODEX_BASE_URL")),
				BaseURLMode:    strings.ToLower(v.GetString("CODEX_BASE_URL_MODE")),
				CostMultiplier: v.GetFloat64("CODEX_COST_MULTIPLIER"),
			},
			"gemini": {
				APIKey:         v.GetString("GEMINI_API_KEY"),
				BaseURLs:       splitBaseURLs(v.GetString("GEMINI_BASE_URL")),
				BaseURLMode:    strings.ToLower(v.GetString("GEMINI_BASE_URL_MODE")),
				CostMultiplier: v.GetFloat64("GEMINI_COST_MULTIPLIER"),
			},
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenDuration:     time.Duration(v.GetInt("CB_OPEN_DURATION_SECS")) * time.Second,
		},

		Session: SessionConfig{
			TTL:         time.Duration(v.GetInt("SESSION_TTL_SECS")) * time.Second,
			MaxBindings: v.GetInt("SESSION_MAX_BINDINGS"),
		},

		Fixer: FixerConfig{
			MaxJSONDepth: v.GetInt("FIXER_MAX_JSON_DEPTH"),
			MaxFixSize:   v.GetInt("FIXER_MAX_FIX_SIZE"),
		},

		Timeouts: TimeoutConfig{
			ConnectTimeout:     v.GetDuration("CONNECT_TIMEOUT"),
			FirstByteTimeout:   v.GetDuration("FIRST_BYTE_TIMEOUT"),
			StreamIdleTimeout:  v.GetDuration("STREAM_IDLE_TIMEOUT"),
			StreamTotalTimeout: v.GetDuration("STREAM_TOTAL_TIMEOUT"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(CLAUDE_API_KEY, CODEX_API_KEY, or GEMINI_API_KEY)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	for name, p := range c.Providers {
		switch p.BaseURLMode {
		case "order", "ping":
		default:
			return fmt.Errorf("config: invalid %s_BASE_URL_MODE %q; must be one of: order, ping", strings.ToUpper(name), p.BaseURLMode)
		}
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION_SECS must be a positive duration")
	}
	if c.Session.MaxBindings < 1 {
		return fmt.Errorf("config: SESSION_MAX_BINDINGS must be ≥ 1, got %d", c.Session.MaxBindings)
	}
	if c.GatewayPortRange.Max > 0 && c.GatewayPortRange.Max < c.GatewayPortRange.Min {
		return fmt.Errorf("config: GATEWAY_PORT_RANGE max must be ≥ min")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	for _, p := range c.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

// ProviderRows converts the configured providers into store.ProviderRow
// values, in a fixed (claude, codex, gemini) sort order, for seeding the
// in-memory store when StoreDSN is empty.
func (c *Config) ProviderRows() []store.ProviderRow {
	order := []string{"claude", "codex", "gemini"}
	rows := make([]store.ProviderRow, 0, len(order))
	for i, name := range order {
		p, ok := c.Providers[name]
		if !ok || p.APIKey == "" {
			continue
		}
		rows = append(rows, store.ProviderRow{
			ID:             int64(i + 1),
			Name:           name,
			CliKey:         name,
			BaseURLs:       p.BaseURLs,
			BaseURLMode:    p.BaseURLMode,
			APIKey:         p.APIKey,
			CostMultiplier: p.CostMultiplier,
			SortOrder:      i,
			Enabled:        true,
		})
	}
	return rows
}

// splitBaseURLs parses a comma-separated CLAUDE_BASE_URL / CODEX_BASE_URL /
// GEMINI_BASE_URL value into an ordered list, trimming whitespace and
// dropping empty entries. A blank input yields a nil slice, for which the
// health probers fall back to the vendor SDK's default base URL.
func splitBaseURLs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePortRange parses a "min-max" string into a PortRange. An empty string
// disables rescanning.
func parsePortRange(raw string) (PortRange, error) {
	if raw == "" {
		return PortRange{}, nil
	}
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("config: invalid GATEWAY_PORT_RANGE %q; expected \"min-max\"", raw)
	}
	var min, max int
	if _, err := fmt.Sscanf(parts[0], "%d", &min); err != nil {
		return PortRange{}, fmt.Errorf("config: invalid GATEWAY_PORT_RANGE %q: %w", raw, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &max); err != nil {
		return PortRange{}, fmt.Errorf("config: invalid GATEWAY_PORT_RANGE %q: %w", raw, err)
	}
	return PortRange{Min: min, Max: max}, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
