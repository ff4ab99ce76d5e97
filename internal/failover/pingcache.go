package failover

import (
	"sync"
	"time"
)

// pingProbe is one remembered reachability probe for a base URL.
type pingProbe struct {
	latency   time.Duration
	reachable bool
	expiresAt time.Time
}

// PingCache is the TTL-bounded per-process cache of base-URL reachability
// probes used by BaseURLModePing (spec.md §4.C6 "If base_url_mode == ping,
// select the lowest-latency reachable base URL from a TTL-bounded
// per-process cache"). Grounded on internal/cache's generic eviction idiom,
// but kept as its own small map since entries need a latency, not just a
// byte value. A missing or expired entry is probed synchronously inside
// Select, on the request path.
type PingCache struct {
	mu      sync.Mutex
	probes  map[string]pingProbe
	ttl     time.Duration
	prober  func(baseURL string) (time.Duration, bool)
}

const DefaultPingTTL = 30 * time.Second

// NewPingCache builds a cache that calls prober to (re)probe a base URL on
// a cache miss or expiry. prober returns the measured latency and whether
// the base URL is reachable.
func NewPingCache(ttl time.Duration, prober func(baseURL string) (time.Duration, bool)) *PingCache {
	if ttl <= 0 {
		ttl = DefaultPingTTL
	}
	return &PingCache{probes: make(map[string]pingProbe), ttl: ttl, prober: prober}
}

// Select returns the lowest-latency reachable base URL among candidates,
// probing (and caching) any that are missing or expired. Falls back to the
// first candidate if none are reachable, so callers always get a URL to try.
func (c *PingCache) Select(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	best := ""
	bestLatency := time.Duration(-1)

	for _, url := range candidates {
		probe := c.probeOf(url)
		if !probe.reachable {
			continue
		}
		if bestLatency < 0 || probe.latency < bestLatency {
			best = url
			bestLatency = probe.latency
		}
	}

	if best == "" {
		return candidates[0]
	}
	return best
}

func (c *PingCache) probeOf(url string) pingProbe {
	now := time.Now()

	c.mu.Lock()
	p, ok := c.probes[url]
	c.mu.Unlock()
	if ok && now.Before(p.expiresAt) {
		return p
	}

	latency, reachable := c.prober(url)
	fresh := pingProbe{latency: latency, reachable: reachable, expiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	c.probes[url] = fresh
	c.mu.Unlock()

	return fresh
}

// Invalidate drops a cached probe, forcing the next Select to re-probe it
// (used when an attempt against that base URL fails outright).
func (c *PingCache) Invalidate(url string) {
	c.mu.Lock()
	delete(c.probes, url)
	c.mu.Unlock()
}
