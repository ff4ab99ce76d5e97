package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RecentErrorEntry is the cached client-facing error response for a
// fingerprint, keyed so a client that retries immediately does not burn
// another provider attempt (spec.md §7 "Recovery rules").
type RecentErrorEntry struct {
	Status  int    `json:"status"`
	Body    string `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RecentErrorCache is the bounded "recent client errors" cache named in
// spec.md §1 as the sole response-body cache the core keeps (Non-goals:
// "does not cache response bodies beyond" this one). Backed by the generic
// Cache interface so it can be memory- or Redis-backed interchangeably.
type RecentErrorCache struct {
	backend Cache
}

func NewRecentErrorCache(backend Cache) *RecentErrorCache {
	return &RecentErrorCache{backend: backend}
}

// Fingerprint implements the fingerprint rule from spec.md §9 Open Question
// (a): cli_key + truncated body hash. Per-IP bucketing is intentionally not
// included — see DESIGN.md for the resolved open question.
func Fingerprint(cliKey string, body []byte) string {
	const truncateAt = 4096
	if len(body) > truncateAt {
		body = body[:truncateAt]
	}
	sum := sha256.Sum256(append([]byte(cliKey+"|"), body...))
	return hex.EncodeToString(sum[:])
}

func (c *RecentErrorCache) Get(ctx context.Context, fingerprint string) (RecentErrorEntry, bool) {
	raw, ok := c.backend.Get(ctx, "recent_error:"+fingerprint)
	if !ok {
		return RecentErrorEntry{}, false
	}
	var e RecentErrorEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return RecentErrorEntry{}, false
	}
	return e, true
}

func (c *RecentErrorCache) Set(ctx context.Context, fingerprint string, entry RecentErrorEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, "recent_error:"+fingerprint, raw, ttl)
}
