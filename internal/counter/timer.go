package counter

import (
	"fmt"
	"sync"
	"time"
)

// Timer mirrors a segfile.Timer's start/stop wall-clock bounds with
// formatting and a running handle convenient for callers that don't import
// segfile directly.
type Timer struct {
	StartedTS  int64
	FinishedTS int64
}

// Start records the current time as the timer's start.
func (t *Timer) Start() {
	t.StartedTS = time.Now().Unix()
}

// Stop records the current time as the timer's end.
func (t *Timer) Stop() {
	t.FinishedTS = time.Now().Unix()
}

// Duration returns the elapsed time between Start and Stop. If Stop hasn't
// been called yet, it measures up to now instead.
func (t *Timer) Duration() time.Duration {
	end := t.FinishedTS
	if end == 0 {
		end = time.Now().Unix()
	}
	return time.Duration(end-t.StartedTS) * time.Second
}

// Formatted renders Duration as "1h2m3s"-style text.
func (t *Timer) Formatted() string {
	d := t.Duration()
	if d < 0 {
		d = 0
	}
	h := int64(d.Hours())
	m := int64(d.Minutes()) % 60
	s := int64(d.Seconds()) % 60
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}

// Scheduler runs a cooperative periodic task keyed by a caller-supplied
// signature (standing in for the original's (func, args) identity, which Go
// has no natural equivalent of): Execute only invokes fn if interval
// seconds have elapsed since the last invocation recorded under key.
type Scheduler struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{last: map[string]time.Time{}}
}

// Execute runs fn if interval has elapsed since the last successful
// invocation for key, and reports whether it ran.
func (s *Scheduler) Execute(key string, interval time.Duration, fn func()) bool {
	s.mu.Lock()
	now := time.Now()
	if last, ok := s.last[key]; ok && now.Sub(last) < interval {
		s.mu.Unlock()
		return false
	}
	s.last[key] = now
	s.mu.Unlock()
	fn()
	return true
}
