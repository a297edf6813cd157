package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grimm.is/platen/internal/clock"
	"grimm.is/platen/internal/logging"
)

func newMockTimer(interval time.Duration, fn func()) (*RetryTimer, *clock.MockClock) {
	mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRetryTimer(interval, fn, WithClock(mc), WithLogger(logging.Nop())), mc
}

func expectCalls(t *testing.T, calls *int32, want int32) {
	t.Helper()
	if got := atomic.LoadInt32(calls); got != want {
		t.Errorf("expected %d calls, got %d", want, got)
	}
}

func TestRetryTimer_TicksEveryInterval(t *testing.T) {
	var calls int32
	rt, mc := newMockTimer(5*time.Second, func() { atomic.AddInt32(&calls, 1) })

	rt.Start()
	if !rt.Running() {
		t.Fatal("timer not running after Start")
	}

	mc.Advance(4 * time.Second)
	expectCalls(t, &calls, 0)

	mc.Advance(time.Second)
	expectCalls(t, &calls, 1)

	mc.Advance(15 * time.Second)
	expectCalls(t, &calls, 4)
	if n := mc.Pending(); n != 1 {
		t.Errorf("expected 1 armed wait(s), got %d", n)
	}
}

func TestRetryTimer_StartIsIdempotent(t *testing.T) {
	var calls int32
	rt, mc := newMockTimer(time.Second, func() { atomic.AddInt32(&calls, 1) })

	rt.Start()
	rt.Start()
	if n := mc.Pending(); n != 1 {
		t.Errorf("expected 1 armed wait(s), got %d", n)
	}

	mc.Advance(time.Second)
	expectCalls(t, &calls, 1)
}

func TestRetryTimer_Stop(t *testing.T) {
	var calls int32
	rt, mc := newMockTimer(time.Second, func() { atomic.AddInt32(&calls, 1) })

	rt.Start()
	mc.Advance(time.Second)
	rt.Stop()
	rt.Stop()

	if rt.Running() {
		t.Error("timer still running after Stop")
	}
	if n := mc.Pending(); n != 0 {
		t.Errorf("expected 0 armed wait(s), got %d", n)
	}

	mc.Advance(10 * time.Second)
	expectCalls(t, &calls, 1)
}

func TestRetryTimer_StopFromCallback(t *testing.T) {
	var calls int32
	var rt *RetryTimer
	rt, mc := newMockTimer(time.Second, func() {
		if atomic.AddInt32(&calls, 1) == 3 {
			rt.Stop()
		}
	})

	rt.Start()
	mc.Advance(10 * time.Second)

	expectCalls(t, &calls, 3)
	if rt.Running() {
		t.Error("timer still running after Stop")
	}
	if n := mc.Pending(); n != 0 {
		t.Errorf("expected 0 armed wait(s), got %d", n)
	}
}

func TestRetryTimer_Restart(t *testing.T) {
	var calls int32
	rt, mc := newMockTimer(time.Second, func() { atomic.AddInt32(&calls, 1) })

	rt.Start()
	mc.Advance(500 * time.Millisecond)
	rt.Stop()
	rt.Start()

	// The restarted timer waits a full interval from the restart.
	mc.Advance(500 * time.Millisecond)
	expectCalls(t, &calls, 0)
	mc.Advance(500 * time.Millisecond)
	expectCalls(t, &calls, 1)
}

func TestRetryTimer_DefaultInterval(t *testing.T) {
	rt := NewRetryTimer(0, func() {}, WithLogger(logging.Nop()))
	if rt.Interval() != DefaultInterval {
		t.Errorf("expected %v, got %v", DefaultInterval, rt.Interval())
	}
}

func TestRetryTimer_RealSpacing(t *testing.T) {
	const interval = 20 * time.Millisecond
	const cycles = 5

	var mu sync.Mutex
	var stamps []time.Time
	done := make(chan struct{})

	var rt *RetryTimer
	rt = NewRetryTimer(interval, func() {
		mu.Lock()
		stamps = append(stamps, time.Now())
		n := len(stamps)
		mu.Unlock()
		if n == cycles {
			rt.Stop()
			close(done)
		}
	}, WithLogger(logging.Nop()))

	start := time.Now()
	rt.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not complete five cycles")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != cycles {
		t.Fatalf("expected %d ticks, got %d", cycles, len(stamps))
	}

	// The callback runs just after the next wait is armed, so allow for that gap.
	const slack = time.Millisecond
	prev := start
	for i, ts := range stamps {
		if gap := ts.Sub(prev); gap < interval-slack {
			t.Errorf("cycle %d fired early: %v after the previous one", i, gap)
		}
		prev = ts
	}
}

func TestRetryTimer_SlowCallbackDelaysNextTick(t *testing.T) {
	const interval = 10 * time.Millisecond

	var active, overlap int32
	var count int32
	done := make(chan struct{})

	var rt *RetryTimer
	rt = NewRetryTimer(interval, func() {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(3 * interval)
		atomic.AddInt32(&active, -1)
		if atomic.AddInt32(&count, 1) == 3 {
			rt.Stop()
			close(done)
		}
	}, WithLogger(logging.Nop()))

	rt.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer stalled")
	}
	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("callbacks overlapped")
	}
}
