package expire

import (
	"sync"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/nserr"
)

func newTestEngine(t *testing.T, shards int) *Engine {
	e := NewEngine(shards, time.Now, nil)
	t.Cleanup(e.Close)
	return e
}

// TestEntryExpiresWithTimedOut is scenario 1 from spec.md §8 ("AIO
// timeout") exercised directly against a shard instead of through the
// aio package, grounded on socket515-gaio's timedHeap firing test shape.
func TestEntryExpiresWithTimedOut(t *testing.T) {
	eng := newTestEngine(t, 1)
	s := eng.Shard(0)

	done := make(chan error, 1)
	entry := &Entry{
		Deadline: time.Now().Add(30 * time.Millisecond),
		Cancel:   func(result error) { done <- result },
	}

	s.Lock()
	s.InsertLocked(entry)
	s.Unlock()

	select {
	case result := <-done:
		if result != nserr.ErrTimedOut {
			t.Fatalf("result = %v, want ErrTimedOut", result)
		}
	case <-time.After(time.Second):
		t.Fatal("entry never expired")
	}
}

// TestEntryExpireOKSucceeds covers the ExpireOK path used by sleep-mode
// AIOs (a timer that succeeds, rather than times out, on firing).
func TestEntryExpireOKSucceeds(t *testing.T) {
	eng := newTestEngine(t, 1)
	s := eng.Shard(0)

	done := make(chan error, 1)
	entry := &Entry{
		Deadline: time.Now().Add(20 * time.Millisecond),
		ExpireOK: true,
		Cancel:   func(result error) { done <- result },
	}

	s.Lock()
	s.InsertLocked(entry)
	s.Unlock()

	select {
	case result := <-done:
		if result != nil {
			t.Fatalf("result = %v, want nil", result)
		}
	case <-time.After(time.Second):
		t.Fatal("entry never expired")
	}
}

// TestRemoveLockedWinsRace exercises the Finish-vs-expire race: a caller
// that removes the entry before it fires must see RemoveLocked return
// true, and the shard must never also invoke Cancel for it.
func TestRemoveLockedWinsRace(t *testing.T) {
	eng := newTestEngine(t, 1)
	s := eng.Shard(0)

	called := false
	entry := &Entry{
		Deadline: time.Now().Add(time.Hour),
		Cancel:   func(result error) { called = true },
	}

	s.Lock()
	s.InsertLocked(entry)
	removed := s.RemoveLocked(entry)
	s.Unlock()

	if !removed {
		t.Fatal("RemoveLocked did not win the race against a far-future deadline")
	}
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("Cancel invoked on an entry already removed")
	}
}

// TestEngineCloseFiresStopped mirrors spec.md §8 scenario 3 ("stop after
// alloc") at the expiration-engine layer: entries still pending when the
// engine is closed fire with ErrStopped rather than hanging forever.
func TestEngineCloseFiresStopped(t *testing.T) {
	eng := NewEngine(1, time.Now, nil)
	s := eng.Shard(0)

	var mu sync.Mutex
	var result error
	done := make(chan struct{})
	entry := &Entry{
		Deadline: time.Now().Add(time.Hour),
		Cancel: func(r error) {
			mu.Lock()
			result = r
			mu.Unlock()
			close(done)
		},
	}
	s.Lock()
	s.InsertLocked(entry)
	s.Unlock()

	eng.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not fire the pending entry")
	}
	mu.Lock()
	defer mu.Unlock()
	if result != nserr.ErrStopped {
		t.Fatalf("result = %v, want ErrStopped", result)
	}
}
