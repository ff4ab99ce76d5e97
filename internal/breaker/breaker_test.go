package breaker

import (
	"testing"
	"time"
)

func TestClosedToOpenAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: time.Minute}, nil)
	now := time.Now()

	for i := 1; i < 3; i++ {
		ch := b.RecordFailure(1, now)
		if ch.SnapshotAfter.State != Closed {
			t.Fatalf("failure %d: expected Closed, got %v", i, ch.SnapshotAfter.State)
		}
		if ch.SnapshotAfter.FailureCount >= 3 {
			t.Fatalf("failure %d: failure_count should be < threshold, got %d", i, ch.SnapshotAfter.FailureCount)
		}
	}

	ch := b.RecordFailure(1, now)
	if ch.SnapshotAfter.State != Open {
		t.Fatalf("expected Open on 3rd failure, got %v", ch.SnapshotAfter.State)
	}
	if ch.Transition != TransitionFailureThresholdReached {
		t.Fatalf("expected FAILURE_THRESHOLD_REACHED, got %q", ch.Transition)
	}
}

func TestOpenExpiredIdempotent(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Second}, nil)
	now := time.Now()
	b.RecordFailure(1, now)

	after := now.Add(2 * time.Second)
	check1 := b.ShouldAllow(1, after)
	if !check1.Allow || check1.Transition != TransitionOpenExpired {
		t.Fatalf("expected allow+OPEN_EXPIRED, got allow=%v transition=%q", check1.Allow, check1.Transition)
	}

	check2 := b.ShouldAllow(1, after)
	if !check2.Allow || check2.Transition != TransitionNone {
		t.Fatalf("expected allow with no further transition, got allow=%v transition=%q", check2.Allow, check2.Transition)
	}
}

func TestCooldownIndependentOfState(t *testing.T) {
	b := New(Config{FailureThreshold: 5, OpenDuration: time.Minute}, nil)
	now := time.Now()

	b.TriggerCooldown(1, now, 30)
	check := b.ShouldAllow(1, now)
	if check.Allow {
		t.Fatal("expected cooldown to deny despite Closed state")
	}

	later := now.Add(31 * time.Second)
	check2 := b.ShouldAllow(1, later)
	if !check2.Allow {
		t.Fatal("expected cooldown to expire")
	}
}

func TestRecordSuccessResetsFailureCountOnlyWhenClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 5, OpenDuration: time.Minute}, nil)
	now := time.Now()
	b.RecordFailure(1, now)
	b.RecordFailure(1, now)

	ch := b.RecordSuccess(1, now)
	if ch.SnapshotAfter.FailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", ch.SnapshotAfter.FailureCount)
	}
}

func TestRecordSuccessNoOpWhileOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute}, nil)
	now := time.Now()
	b.RecordFailure(1, now)

	ch := b.RecordSuccess(1, now)
	if ch.SnapshotAfter.State != Open {
		t.Fatalf("record_success must not close the breaker while Open, got %v", ch.SnapshotAfter.State)
	}
}

func TestTriggerCooldownTakesMax(t *testing.T) {
	b := New(Config{}, nil)
	now := time.Now()
	b.TriggerCooldown(1, now, 10)
	first := b.Snapshot(1).CooldownUntil
	b.TriggerCooldown(1, now, 5)
	second := b.Snapshot(1).CooldownUntil
	if *second != *first {
		t.Fatalf("a smaller cooldown must not shrink the existing one: %d != %d", *second, *first)
	}
}
