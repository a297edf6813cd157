// Package scheduler drives periodic work for the printer link.
package scheduler

import (
	"sync"
	"time"

	"grimm.is/platen/internal/clock"
	"grimm.is/platen/internal/logging"
)

// DefaultInterval is used when a RetryTimer is created with a non-positive interval.
const DefaultInterval = 5 * time.Second

// RetryTimer invokes a callback every interval until stopped.
//
// Each tick arms the next one-shot wait before running the callback, and
// callbacks never overlap: a callback slower than the interval delays the
// following tick rather than running concurrently with it.
type RetryTimer struct {
	interval time.Duration
	fn       func()
	clock    clock.Clock
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   clock.Timer

	// serializes callbacks
	runMu sync.Mutex
}

// TimerOption configures a RetryTimer.
type TimerOption func(*RetryTimer)

// WithClock sets the clock used to arm waits.
func WithClock(c clock.Clock) TimerOption {
	return func(t *RetryTimer) {
		t.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) TimerOption {
	return func(t *RetryTimer) {
		t.logger = l
	}
}

// NewRetryTimer creates a stopped timer that calls fn every interval once started.
func NewRetryTimer(interval time.Duration, fn func(), opts ...TimerOption) *RetryTimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &RetryTimer{
		interval: interval,
		fn:       fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.logger == nil {
		t.logger = logging.WithComponent("scheduler")
	}
	return t
}

// Interval returns the period between ticks.
func (t *RetryTimer) Interval() time.Duration {
	return t.interval
}

// Start arms the first wait. Calling Start on a running timer does nothing.
func (t *RetryTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.gen++
	t.armLocked(t.gen)
	t.logger.Debug("retry timer started", "interval", t.interval)
}

// Stop cancels the pending wait. It is safe to call from any goroutine,
// including from inside the callback, and on a stopped timer.
// A callback that has already begun runs to completion.
func (t *RetryTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.logger.Debug("retry timer stopped")
}

// Running reports whether the timer is armed.
func (t *RetryTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *RetryTimer) armLocked(gen uint64) {
	t.timer = t.clock.AfterFunc(t.interval, func() { t.tick(gen) })
}

func (t *RetryTimer) tick(gen uint64) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.mu.Lock()
	// A tick from an older generation lost the race with Stop (or Stop+Start).
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armLocked(gen)
	t.mu.Unlock()

	if t.fn != nil {
		t.fn()
	}
}
