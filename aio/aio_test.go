package aio

import (
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/sysctx"
)

func newTestSystem(t *testing.T) *sysctx.System {
	cfg := sysctx.NewConfig()
	cfg.NumExpireThreads = 2
	cfg.TaskPoolSize = 2
	sys := sysctx.New(cfg)
	t.Cleanup(sys.Close)
	return sys
}

// TestSleepTimesOut is spec.md §8 end-to-end scenario 1 ("AIO timeout"):
// allocate aio, set_timeout(100ms), start a sleep for longer. After the
// timeout the callback fires with ETIMEDOUT and count 0. Grounded on
// socket515-gaio's style of driving the real completion path rather than
// mocking it.
func TestSleepTimesOut(t *testing.T) {
	sys := newTestSystem(t)
	done := make(chan struct{})
	var result error
	var count int

	a := New(sys, func(a *AIO) {
		result = a.Result()
		count = a.Count()
		close(done)
	})
	a.SetTimeout(100 * time.Millisecond)
	a.SetSleep(true)
	started := a.Start(nil)
	if !started {
		t.Fatal("Start returned false for a fresh AIO with a future deadline")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	if result != nserr.ErrTimedOut {
		t.Fatalf("result = %v, want ErrTimedOut", result)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

// TestAbortWhileQueued is spec.md §8 scenario 2: allocate aio, start an
// operation that never completes on its own, then Abort(ECANCELED). The
// callback fires exactly once with that result.
func TestAbortWhileQueued(t *testing.T) {
	sys := newTestSystem(t)
	done := make(chan struct{})
	var result error

	a := New(sys, func(a *AIO) {
		result = a.Result()
		close(done)
	})
	a.SetTimeout(TimeoutInfinite)
	started := a.Start(func(result error) {
		a.Finish(result, 0)
	})
	if !started {
		t.Fatal("Start returned false")
	}

	a.Abort(nserr.ErrCanceled)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired after Abort")
	}
	if result != nserr.ErrCanceled {
		t.Fatalf("result = %v, want ErrCanceled", result)
	}
}

// TestStopAfterAlloc is spec.md §8 scenario 3: allocate aio, call Close
// (which, like Stop, marks the AIO stop-requested, without waiting),
// then submit it. Completion fires with ESTOPPED.
func TestStopAfterAlloc(t *testing.T) {
	sys := newTestSystem(t)
	a := New(sys, func(a *AIO) {})
	a.Close()

	done := make(chan struct{})
	var result error
	a.cb = func(a *AIO) {
		result = a.Result()
		close(done)
	}
	a.SetTimeout(TimeoutInfinite)
	started := a.Start(func(error) {})
	if started {
		t.Fatal("Start returned true on an AIO already Closed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if result != nserr.ErrStopped {
		t.Fatalf("result = %v, want ErrStopped", result)
	}
}

// TestFinishRunsCallbackExactlyOnce covers invariant 1 from spec.md §8.
func TestFinishRunsCallbackExactlyOnce(t *testing.T) {
	sys := newTestSystem(t)
	var calls int
	done := make(chan struct{})

	a := New(sys, func(a *AIO) {
		calls++
		close(done)
	})
	a.SetTimeout(TimeoutInfinite)
	if !a.Start(nil) {
		t.Fatal("Start returned false unexpectedly")
	}
	a.Finish(nil, 5)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(20 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if a.Count() != 5 {
		t.Fatalf("count = %d, want 5", a.Count())
	}
}

// TestCloseIsIdempotent covers invariant 6 from spec.md §8.
func TestCloseIsIdempotent(t *testing.T) {
	sys := newTestSystem(t)
	a := New(sys, func(a *AIO) {})
	a.Close()
	a.Close() // must not panic or double-fire anything.
}
