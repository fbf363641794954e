package clock_test

import (
	"testing"
	"time"

	"pkt.systems/locklease/internal/clock"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(5 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one armed timer, got %d", m.Pending())
	}
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no armed timers, got %d", m.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire for zero duration")
	}
}

func TestManualWaitForTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForTimers(2, time.Second)
	}()
	m.After(time.Minute)
	m.After(time.Hour)
	if !<-done {
		t.Fatal("expected WaitForTimers to observe two timers")
	}
	if m.WaitForTimers(3, 10*time.Millisecond) {
		t.Fatal("expected WaitForTimers to time out")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	last := m.Now()
	m.Advance(3 * time.Second)
	budget, now := clock.Remaining(m, 5*time.Second, last)
	if budget != 2*time.Second {
		t.Fatalf("expected 2s remaining, got %v", budget)
	}
	m.Advance(10 * time.Second)
	budget, _ = clock.Remaining(m, budget, now)
	if budget != 0 {
		t.Fatalf("expected budget clamped to zero, got %v", budget)
	}
}
