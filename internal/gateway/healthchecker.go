package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Prober is satisfied by the per-vendor auxiliary SDK wrappers
// (internal/providers/{anthropic,openai,gemini}.Prober): a cheap
// authenticated call that confirms a configured provider's base URL/api key
// are actually reachable, independent of whether the failover engine has
// had occasion to dispatch to it yet.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every configured provider
// plus the store dependency (no cache probe), and exposes the latest results for
// GET /health and GET /readiness (spec.md §6, component C8).
type HealthChecker struct {
	probers   map[string]Prober
	dbReady   func() bool
	baseCtx   context.Context
	metrics   *metrics.Registry
	startTime time.Time

	providerStatuses map[string]*componentStatus
	dbStatus         componentStatus

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately runs one
// synchronous probe so health is not reported "unknown" right after start.
func NewHealthChecker(ctx context.Context, probers map[string]Prober, dbReady func() bool, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("gateway: healthchecker context must not be nil")
	}
	hc := &HealthChecker{
		probers:          probers,
		dbReady:          dbReady,
		providerStatuses: make(map[string]*componentStatus, len(probers)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}
	for name := range probers {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// Snapshot is the JSON body for GET /health.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Database      string            `json:"database"`
}

func (hc *HealthChecker) Snapshot() Snapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	db := hc.dbStatus.get()
	if db == "down" {
		overall = "degraded"
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Database:      db,
	}
}

// ReadinessOK reports whether the persistence layer is reachable (used by
// GET /readiness).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prober := range hc.probers {
		name, prober := name, prober
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := prober.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
