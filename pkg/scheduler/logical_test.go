package scheduler

import (
	"testing"
	"time"
)

func TestLogical_FiresInDueOrder(t *testing.T) {
	l := NewLogical()
	var fired []int
	if err := l.Schedule(200*time.Millisecond, func() { fired = append(fired, 200) }); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := l.Schedule(100*time.Millisecond, func() { fired = append(fired, 100) }); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	l.AdvanceTo(50)
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}
	l.AdvanceTo(250)
	if len(fired) != 2 || fired[0] != 100 || fired[1] != 200 {
		t.Fatalf("fired = %v, want [100 200]", fired)
	}
}

func TestLogical_TieBreakByRegistration(t *testing.T) {
	l := NewLogical()
	var fired []string
	_ = l.Schedule(10*time.Millisecond, func() { fired = append(fired, "a") })
	_ = l.Schedule(10*time.Millisecond, func() { fired = append(fired, "b") })
	l.AdvanceTo(10)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
}

func TestLogical_CallbackMaySchedule(t *testing.T) {
	l := NewLogical()
	var fired []string
	_ = l.Schedule(10*time.Millisecond, func() {
		fired = append(fired, "outer")
		_ = l.Schedule(5*time.Millisecond, func() { fired = append(fired, "inner") })
	})
	// The inner task becomes due at 15ms, inside the same advance.
	l.AdvanceTo(20)
	if len(fired) != 2 || fired[1] != "inner" {
		t.Fatalf("fired = %v, want [outer inner]", fired)
	}
}

func TestLogical_ClockNeverMovesBack(t *testing.T) {
	l := NewLogical()
	l.AdvanceTo(100)
	l.AdvanceTo(50)
	if got := l.Now(); got != 100 {
		t.Fatalf("now = %d, want 100", got)
	}
}

func TestLogical_CloseDrainsPending(t *testing.T) {
	l := NewLogical()
	fired := 0
	_ = l.Schedule(time.Hour, func() { fired++ })
	l.Close()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (drained on close)", fired)
	}
	if l.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", l.Pending())
	}
	if err := l.Schedule(time.Millisecond, func() {}); err != ErrClosed {
		t.Fatalf("schedule after close = %v, want ErrClosed", err)
	}
}
