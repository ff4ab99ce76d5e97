package failover

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// WarmupCache intercepts Anthropic "count_tokens" warmup requests that
// coding-assistant CLIs send to pre-warm a connection before the real
// request: rather than forward these upstream every time, the gateway
// serves the 200 body cached from the first real round trip (spec.md
// §4.C6 "Anthropic warmup interception"). Keyed on model, since a warmup's
// token count depends only on the (effectively empty) prompt shape.
type WarmupCache struct {
	mu      sync.Mutex
	entries map[string]warmupEntry
	ttl     time.Duration
}

type warmupEntry struct {
	body      []byte
	expiresAt time.Time
}

const DefaultWarmupTTL = 10 * time.Minute

func NewWarmupCache() *WarmupCache {
	return &WarmupCache{entries: make(map[string]warmupEntry), ttl: DefaultWarmupTTL}
}

// IsWarmupRequest reports whether path/body look like a count_tokens
// connection-warmup call rather than a real generation request.
func IsWarmupRequest(path string, body []byte) bool {
	if !hasSuffixFold(path, "/count_tokens") {
		return false
	}
	return gjson.GetBytes(body, "messages").IsArray()
}

// Lookup returns a cached warmup response body for model, if still fresh.
func (c *WarmupCache) Lookup(model string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[model]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.body, true
}

// Store caches a real upstream count_tokens response body for model.
func (c *WarmupCache) Store(model string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[model] = warmupEntry{body: body, expiresAt: time.Now().Add(c.ttl)}
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := 0; i < len(suffix); i++ {
		a, b := tail[i], suffix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
