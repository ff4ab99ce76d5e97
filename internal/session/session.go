// Package session implements the session manager (spec.md §4.C4):
// deterministic session-id extraction from request headers/body, and a
// TTL'd, capped (cli_key, session_id) → (provider_id, sort_mode, order)
// binding map. Grounded on original_source/gateway/session_manager.rs for
// the exact extraction priority and constants; the TTL-map-plus-mutex idiom
// follows the teacher's internal/cache/memory.go.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

const (
	DefaultTTL        = 300 * time.Second
	MaxSessionIDLen   = 256
	MaxBindings       = 5000
	sessionSplitToken = "_session_"
)

// Binding is the SessionBinding value from spec.md §3.
type Binding struct {
	ProviderID    int64 // 0 = reserved-but-unbound
	SortModeID    string
	ProviderOrder []int64
	ExpiresAt     time.Time
}

func (b Binding) expired(now time.Time) bool { return !b.ExpiresAt.After(now) }

type key struct {
	cliKey    string
	sessionID string
}

// Manager owns the binding map behind a single mutex (spec.md §5).
type Manager struct {
	mu       sync.Mutex
	bindings map[key]Binding
	ttl      time.Duration
	maxSize  int
}

func New(ttl time.Duration, maxSize int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = MaxBindings
	}
	return &Manager{bindings: make(map[key]Binding), ttl: ttl, maxSize: maxSize}
}

// HeaderGetter fetches a single header value by canonical-insensitive name.
type HeaderGetter func(name string) string

// ExtractSessionID implements extract_session_id(headers, body_json?)
// (spec.md §4.C4), in priority order.
func ExtractSessionID(headers HeaderGetter, body []byte) string {
	if v := sanitize(headers("session_id")); v != "" {
		return v
	}
	if v := sanitize(headers("x-session-id")); v != "" {
		return v
	}

	if len(body) > 0 && gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, field := range []string{"session_id", "conversation_id", "thread_id", "chat_id"} {
			if v := root.Get(field); v.Exists() && v.String() != "" {
				return sanitize(v.String())
			}
		}

		if pck := root.Get("prompt_cache_key"); pck.Exists() {
			trimmed := strings.TrimSpace(pck.String())
			if len(trimmed) > 20 {
				return sanitize(trimmed)
			}
		}

		if sid := root.Get("metadata.session_id"); sid.Exists() && sid.String() != "" {
			return sanitize(sid.String())
		}
		if uid := root.Get("metadata.user_id"); uid.Exists() {
			if idx := strings.Index(uid.String(), sessionSplitToken); idx >= 0 {
				suffix := uid.String()[idx+len(sessionSplitToken):]
				if s := sanitize(suffix); s != "" {
					return s
				}
			}
		}

		if prev := root.Get("previous_response_id"); prev.Exists() && prev.String() != "" {
			return sanitize("codex_prev_" + prev.String())
		}
	}

	return DeterministicFallback(headers)
}

// DeterministicFallback implements the SHA-256 fallback (spec.md §4.C4
// step 6), used when no header or body hint is present.
func DeterministicFallback(headers HeaderGetter) string {
	ua := headers("user-agent")
	ip := headers("x-forwarded-for")
	if ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		ip = headers("x-real-ip")
	}
	apiKey := headers("x-api-key")
	if apiKey == "" {
		apiKey = headers("x-goog-api-key")
	}
	if len(apiKey) > 10 {
		apiKey = apiKey[:10]
	}

	sum := sha256.Sum256([]byte(ua + "|" + ip + "|" + apiKey))
	return "sess_" + hex.EncodeToString(sum[:])[:32]
}

// sanitize trims, strips control characters, and caps length to
// MaxSessionIDLen (spec.md §4.C4 step 1).
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > MaxSessionIDLen {
		out = out[:MaxSessionIDLen]
	}
	return out
}

// BindSortMode implements bind_sort_mode(cli, sid, mode?, order?, now)
// (spec.md §4.C4).
func (m *Manager) BindSortMode(cliKey, sid string, mode string, order []int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfNeeded(now)

	k := key{cliKey, sid}
	b, ok := m.bindings[k]
	if ok && !b.expired(now) {
		b.ExpiresAt = now.Add(m.ttl)
		m.bindings[k] = b
		return
	}
	m.bindings[k] = Binding{ProviderID: 0, SortModeID: mode, ProviderOrder: order, ExpiresAt: now.Add(m.ttl)}
}

// BindSuccess implements bind_success(cli, sid, pid, mode?, now) (spec.md
// §4.C4): upsert with provider_id = pid, refresh TTL, never overwrite an
// existing non-null sort_mode_id.
func (m *Manager) BindSuccess(cliKey, sid string, pid int64, mode string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfNeeded(now)

	k := key{cliKey, sid}
	b, ok := m.bindings[k]
	if !ok || b.expired(now) {
		b = Binding{}
	}
	b.ProviderID = pid
	if b.SortModeID == "" {
		b.SortModeID = mode
	}
	b.ExpiresAt = now.Add(m.ttl)
	m.bindings[k] = b
}

// GetBoundProvider returns the bound provider id, or (0, false) if absent or
// expired (expired entries are dropped).
func (m *Manager) GetBoundProvider(cliKey, sid string, now time.Time) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{cliKey, sid}
	b, ok := m.bindings[k]
	if !ok {
		return 0, false
	}
	if b.expired(now) {
		delete(m.bindings, k)
		return 0, false
	}
	if b.ProviderID == 0 {
		return 0, false
	}
	return b.ProviderID, true
}

// GetBoundSortMode returns the bound sort mode id, or ("", false).
func (m *Manager) GetBoundSortMode(cliKey, sid string, now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{cliKey, sid}
	b, ok := m.bindings[k]
	if !ok {
		return "", false
	}
	if b.expired(now) {
		delete(m.bindings, k)
		return "", false
	}
	if b.SortModeID == "" {
		return "", false
	}
	return b.SortModeID, true
}

// GetBoundProviderOrder returns the bound provider order, or (nil, false).
func (m *Manager) GetBoundProviderOrder(cliKey, sid string, now time.Time) ([]int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{cliKey, sid}
	b, ok := m.bindings[k]
	if !ok {
		return nil, false
	}
	if b.expired(now) {
		delete(m.bindings, k)
		return nil, false
	}
	if len(b.ProviderOrder) == 0 {
		return nil, false
	}
	return b.ProviderOrder, true
}

// evictIfNeeded implements the two-stage eviction policy (spec.md §4.C4):
// once the map has reached the hard cap, purge expired entries; if it is
// still at the cap, clear the map entirely (fail-open — correctness never
// depends on stickiness), so the insert that follows never takes the map
// past the cap. Caller must hold m.mu.
func (m *Manager) evictIfNeeded(now time.Time) {
	if len(m.bindings) < m.maxSize {
		return
	}
	for k, b := range m.bindings {
		if b.expired(now) {
			delete(m.bindings, k)
		}
	}
	if len(m.bindings) >= m.maxSize {
		m.bindings = make(map[key]Binding)
	}
}

// Size reports the current binding count (for metrics/tests).
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}
