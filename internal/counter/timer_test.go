package counter

import (
	"testing"
	"time"
)

func TestTimerDuration(t *testing.T) {
	tm := Timer{StartedTS: 1000, FinishedTS: 1090}
	if got := tm.Duration(); got != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", got)
	}
}

func TestTimerFormatted(t *testing.T) {
	tm := Timer{StartedTS: 0, FinishedTS: 3723}
	if got := tm.Formatted(); got != "1h2m3s" {
		t.Errorf("Formatted = %q, want %q", got, "1h2m3s")
	}
}

func TestTimerDurationWithoutStopMeasuresToNow(t *testing.T) {
	tm := Timer{}
	tm.Start()
	time.Sleep(5 * time.Millisecond)
	if got := tm.Duration(); got < 0 {
		t.Errorf("Duration = %v, want >= 0 while still running", got)
	}
}

func TestSchedulerExecuteRespectsInterval(t *testing.T) {
	s := NewScheduler()
	var calls int
	run := func() { calls++ }

	if ran := s.Execute("flush", time.Hour, run); !ran {
		t.Fatal("Execute: expected the first call for a key to run")
	}
	if ran := s.Execute("flush", time.Hour, run); ran {
		t.Error("Execute: expected the second call within the interval to be suppressed")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSchedulerExecuteIsPerKey(t *testing.T) {
	s := NewScheduler()
	var calls int
	run := func() { calls++ }

	s.Execute("a", time.Hour, run)
	s.Execute("b", time.Hour, run)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (independent keys must not share the interval)", calls)
	}
}
