// Package providers defines the provider data model shared by the failover
// engine, circuit breaker, and session manager: the three in-scope vendors
// (Claude/Anthropic, OpenAI Codex/Responses, Gemini) are modeled uniformly so
// the gateway can forward raw request bytes without reconstructing them
// through a vendor SDK.
package providers

import (
	"strings"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// CliKey identifies the client flavor driving auth header shape, path
// attribution, and the cost engine's vendor subset rule.
type CliKey string

const (
	CliClaude CliKey = "claude"
	CliCodex  CliKey = "codex"
	CliGemini CliKey = "gemini"
)

// BaseURLMode selects how a provider's candidate base URLs are resolved to
// the one actually dispatched to.
type BaseURLMode string

const (
	// BaseURLModeOrder dispatches to the first base URL in stored order; the
	// remaining base URLs are not tried when that one fails.
	BaseURLModeOrder BaseURLMode = "order"
	// BaseURLModePing picks the lowest-latency reachable base URL from a
	// TTL-bounded per-process probe cache.
	BaseURLModePing BaseURLMode = "ping"
)

// Provider is immutable within a request. Ownership is long-lived — loaded
// once per request from the persistence layer (internal/store).
type Provider struct {
	ID           int64
	Name         string
	CliKey       CliKey
	BaseURLs     []string
	BaseURLMode  BaseURLMode
	APIKey       string
	CostMultiplier float64
	SortOrder    int
	Enabled      bool
}

// FromRow converts the persistence-layer row into the engine's Provider
// value (spec.md §6 "the core reads ... only via the persistence interface").
func FromRow(row store.ProviderRow) Provider {
	return Provider{
		ID:             row.ID,
		Name:           row.Name,
		CliKey:         CliKey(row.CliKey),
		BaseURLs:       row.BaseURLs,
		BaseURLMode:    BaseURLMode(row.BaseURLMode),
		APIKey:         row.APIKey,
		CostMultiplier: row.CostMultiplier,
		SortOrder:      row.SortOrder,
		Enabled:        row.Enabled,
	}
}

// FromRows converts a slice of rows, preserving order.
func FromRows(rows []store.ProviderRow) []Provider {
	out := make([]Provider, len(rows))
	for i, r := range rows {
		out[i] = FromRow(r)
	}
	return out
}

// FirstBaseURL returns the provider's first configured base URL, or "" if
// none are configured.
func (p *Provider) FirstBaseURL() string {
	if len(p.BaseURLs) == 0 {
		return ""
	}
	return p.BaseURLs[0]
}

// BuildTargetURL joins a base URL with the forwarded request path, collapsing
// a duplicate "/v1" prefix when the base already ends in "/v1" (spec §4.C6,
// §6 "Upstream request construction").
func BuildTargetURL(baseURL, forwardedPath string) string {
	base := strings.TrimRight(baseURL, "/")
	path := forwardedPath
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// PathCliKey maps a recognized upstream path prefix to the cli_key driving
// attribution (spec §6). Returns "" for unrecognized paths.
func PathCliKey(path string) CliKey {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return CliClaude
	case strings.HasPrefix(path, "/v1/responses"), strings.HasPrefix(path, "/v1/chat/completions"):
		return CliCodex
	case strings.HasPrefix(path, "/v1beta/models/"):
		return CliGemini
	default:
		return ""
	}
}

// InjectAuth sets the vendor-appropriate auth header(s) for the provider's
// cli_key (spec §4.C6 "Attempt"). set is a generic header-setter so this
// works against both net/http.Header and fasthttp request headers.
func InjectAuth(cliKey CliKey, apiKey string, set func(key, value string)) {
	switch cliKey {
	case CliClaude:
		set("x-api-key", apiKey)
		set("anthropic-version", "2023-06-01")
	case CliCodex:
		set("Authorization", "Bearer "+apiKey)
	case CliGemini:
		set("x-goog-api-key", apiKey)
	}
}

// Default timeouts (spec §5 "Timeouts"), overridable via internal/config.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultFirstByteTimeout  = 30 * time.Second
	DefaultSSEIdleTimeout    = 60 * time.Second
	DefaultNonSSETotal       = 180 * time.Second
	DefaultGracefulShutdown  = 3 * time.Second
	DefaultShutdownAbortWait = 1 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// HopByHopHeaders are stripped from both the forwarded request and the
// relayed response (spec §6).
var HopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}
