// Package breaker implements the per-provider circuit breaker (spec.md
// §4.C3): a 2-state (Closed/Open) model with failure threshold, open-duration
// expiry, and an independent advisory cooldown. Grounded on the teacher's
// internal/proxy/circuitbreaker.go mutex-per-provider map idiom; the state
// machine itself is redesigned per original_source/circuit_breaker.rs — the
// teacher's 3-state Closed/Open/HalfOpen model does not match spec.md's
// explicit 2-state CircuitSnapshot (no half-open probe; a single
// should_allow call past open_until closes the breaker outright).
package breaker

import (
	"sync"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// State is one of the two circuit states.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Transition labels a state change emitted by a mutation.
type Transition string

const (
	TransitionNone                   Transition = ""
	TransitionOpenExpired            Transition = "OPEN_EXPIRED"
	TransitionFailureThresholdReached Transition = "FAILURE_THRESHOLD_REACHED"
	TransitionReset                  Transition = "RESET"
)

// Snapshot is the CircuitSnapshot value from spec.md §3.
type Snapshot struct {
	State            State
	FailureCount     int
	FailureThreshold int
	OpenUntil        *int64 // unix seconds
	CooldownUntil    *int64 // unix seconds
}

// Check is the result of should_allow.
type Check struct {
	Allow         bool
	SnapshotAfter Snapshot
	Transition    Transition
}

// Change is the result of a mutator (record_success / record_failure / reset).
type Change struct {
	SnapshotBefore Snapshot
	SnapshotAfter  Snapshot
	Transition     Transition
}

// Persister receives best-effort circuit snapshots for durable storage.
// store.ClickHouseWriter satisfies this; nil is valid (in-memory-only mode).
type Persister interface {
	PersistCircuit(store.CircuitPersistedState)
}

// Config holds the breaker's tunables (spec.md §4.C3 "Configuration").
type Config struct {
	FailureThreshold int           // default 5
	OpenDuration     time.Duration // default 1800s
}

func (c Config) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return 1800 * time.Second
}

type providerHealth struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	openUntil     *int64
	cooldownUntil *int64
	updatedAt     time.Time
}

func (h *providerHealth) snapshot(threshold int) Snapshot {
	return Snapshot{
		State:            h.state,
		FailureCount:     h.failureCount,
		FailureThreshold: threshold,
		OpenUntil:        h.openUntil,
		CooldownUntil:    h.cooldownUntil,
	}
}

// Breaker guards its map of providerHealth with mu; each providerHealth
// carries its own mutex, through which that provider's transitions are
// serialized.
type Breaker struct {
	mu        sync.Mutex
	providers map[int64]*providerHealth
	cfg       Config
	persist   Persister
}

func New(cfg Config, persist Persister) *Breaker {
	return &Breaker{
		providers: make(map[int64]*providerHealth),
		cfg:       cfg,
		persist:   persist,
	}
}

// entry returns (creating lazily if needed) the health record for pid.
// Created lazily on first reference; never deleted while the process lives
// (spec.md §3 "ProviderHealth ... Lifecycle").
func (b *Breaker) entry(pid int64) *providerHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.providers[pid]
	if !ok {
		h = &providerHealth{state: Closed, updatedAt: time.Now()}
		b.providers[pid] = h
	}
	return h
}

// ShouldAllow implements should_allow(pid, now) (spec.md §4.C3).
func (b *Breaker) ShouldAllow(pid int64, now time.Time) Check {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()

	nowUnix := now.Unix()
	transition := TransitionNone

	if h.state == Open && h.openUntil != nil && *h.openUntil <= nowUnix {
		h.state = Closed
		h.failureCount = 0
		h.openUntil = nil
		h.updatedAt = now
		transition = TransitionOpenExpired
		b.tryPersist(pid, h)
	}

	allow := h.state != Open && (h.cooldownUntil == nil || *h.cooldownUntil <= nowUnix)
	return Check{
		Allow:         allow,
		SnapshotAfter: h.snapshot(b.cfg.threshold()),
		Transition:    transition,
	}
}

// RecordSuccess implements record_success(pid, now) (spec.md §4.C3).
func (b *Breaker) RecordSuccess(pid int64, now time.Time) Change {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()

	before := h.snapshot(b.cfg.threshold())
	if h.state == Closed {
		h.cooldownUntil = nil
		if h.failureCount != 0 {
			h.failureCount = 0
			h.updatedAt = now
			b.tryPersist(pid, h)
		}
	}
	return Change{SnapshotBefore: before, SnapshotAfter: h.snapshot(b.cfg.threshold())}
}

// RecordFailure implements record_failure(pid, now) (spec.md §4.C3).
func (b *Breaker) RecordFailure(pid int64, now time.Time) Change {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()

	before := h.snapshot(b.cfg.threshold())
	transition := TransitionNone

	if h.state == Closed {
		if h.failureCount < 1<<62 {
			h.failureCount++
		}
		threshold := b.cfg.threshold()
		if h.failureCount >= threshold {
			h.state = Open
			openUntil := now.Add(b.cfg.openDuration()).Unix()
			h.openUntil = &openUntil
			transition = TransitionFailureThresholdReached
		}
		h.updatedAt = now
		b.tryPersist(pid, h)
	}
	return Change{SnapshotBefore: before, SnapshotAfter: h.snapshot(b.cfg.threshold()), Transition: transition}
}

// TriggerCooldown implements trigger_cooldown(pid, now, secs) (spec.md
// §4.C3): independent of state, used to punish soft failures without
// counting against the open threshold.
func (b *Breaker) TriggerCooldown(pid int64, now time.Time, secs int64) {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()

	candidate := now.Add(time.Duration(secs) * time.Second).Unix()
	if h.cooldownUntil == nil || candidate > *h.cooldownUntil {
		h.cooldownUntil = &candidate
		h.updatedAt = now
	}
}

// Reset implements reset(pid, now) (spec.md §4.C3).
func (b *Breaker) Reset(pid int64, now time.Time) Change {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()

	before := h.snapshot(b.cfg.threshold())
	h.state = Closed
	h.failureCount = 0
	h.openUntil = nil
	h.cooldownUntil = nil
	h.updatedAt = now
	b.tryPersist(pid, h)
	return Change{SnapshotBefore: before, SnapshotAfter: h.snapshot(b.cfg.threshold()), Transition: TransitionReset}
}

// Snapshot returns the current snapshot for pid without mutating state.
func (b *Breaker) Snapshot(pid int64) Snapshot {
	h := b.entry(pid)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot(b.cfg.threshold())
}

func (b *Breaker) tryPersist(pid int64, h *providerHealth) {
	if b.persist == nil {
		return
	}
	state := "closed"
	if h.state == Open {
		state = "open"
	}
	b.persist.PersistCircuit(store.CircuitPersistedState{
		ProviderID:   pid,
		State:        state,
		FailureCount: h.failureCount,
		OpenUntil:    h.openUntil,
		UpdatedAt:    h.updatedAt,
	})
}
