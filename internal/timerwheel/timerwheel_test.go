package timerwheel

import (
	"testing"
	"time"
)

func at(sec int) time.Time { return time.Unix(int64(sec), 0) }

func TestPrepareReportsEarliestDeadline(t *testing.T) {
	w := New()
	w.Schedule("spm-ambient", at(5), func(time.Time) {})
	w.Schedule("nak-3", at(2), func(time.Time) {})
	w.Schedule("peer-expiry", at(9), func(time.Time) {})

	next, ok := w.Prepare()
	if !ok {
		t.Fatal("expected a pending deadline")
	}
	if !next.Equal(at(2)) {
		t.Errorf("next = %v, want %v", next, at(2))
	}
}

func TestDispatchOnlyFiresDuePastEntries(t *testing.T) {
	w := New()
	var fired []string
	w.Schedule("a", at(1), func(time.Time) { fired = append(fired, "a") })
	w.Schedule("b", at(2), func(time.Time) { fired = append(fired, "b") })
	w.Schedule("c", at(10), func(time.Time) { fired = append(fired, "c") })

	n := w.Dispatch(at(2))
	if n != 2 {
		t.Fatalf("Dispatch returned %d, want 2", n)
	}
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Errorf("fired = %v, want [a b]", fired)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1 remaining", w.Len())
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	w := New()
	count := 0
	w.Schedule("x", at(1), func(time.Time) { count++ })

	w.Dispatch(at(5))
	w.Dispatch(at(5))
	if count != 1 {
		t.Errorf("callback fired %d times, want 1", count)
	}
}

func TestScheduleReplacesExistingDeadline(t *testing.T) {
	w := New()
	var fired string
	w.Schedule("spm-ambient", at(1), func(time.Time) { fired = "first" })
	w.Schedule("spm-ambient", at(10), func(time.Time) { fired = "second" })

	if n := w.Dispatch(at(1)); n != 0 {
		t.Fatalf("Dispatch at t=1 fired %d, want 0 (deadline moved to t=10)", n)
	}
	w.Dispatch(at(10))
	if fired != "second" {
		t.Errorf("fired = %q, want %q", fired, "second")
	}
}

func TestCancelRemovesEntry(t *testing.T) {
	w := New()
	fired := false
	w.Schedule("nak-7", at(1), func(time.Time) { fired = true })
	w.Cancel("nak-7")

	if _, ok := w.Prepare(); ok {
		t.Fatal("expected no pending deadline after cancel")
	}
	w.Dispatch(at(100))
	if fired {
		t.Error("cancelled callback fired")
	}
}

func TestCheckReflectsDueState(t *testing.T) {
	w := New()
	w.Schedule("a", at(5), func(time.Time) {})

	if w.Check(at(4)) {
		t.Error("Check(4) = true, want false before deadline")
	}
	if !w.Check(at(5)) {
		t.Error("Check(5) = false, want true at deadline")
	}
	if !w.Check(at(6)) {
		t.Error("Check(6) = false, want true past deadline")
	}
}

func TestRescheduleFromWithinCallbackDoesNotLoop(t *testing.T) {
	w := New()
	runs := 0
	var reschedule Callback
	reschedule = func(now time.Time) {
		runs++
		if runs < 3 {
			w.Schedule("ambient-spm", now.Add(time.Second), reschedule)
		}
	}
	w.Schedule("ambient-spm", at(1), reschedule)

	w.Dispatch(at(1))
	if runs != 1 {
		t.Fatalf("runs after first dispatch = %d, want 1", runs)
	}
	w.Dispatch(at(2))
	if runs != 2 {
		t.Fatalf("runs after second dispatch = %d, want 2", runs)
	}
}
