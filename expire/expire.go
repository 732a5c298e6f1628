// Package expire implements the sharded timer wheel that enforces
// per-AIO deadlines and drives cooperative cancellation (spec.md §4.2).
//
// Grounded on socket515-gaio/watcher.go's timeouts timedHeap + time.Timer
// loop: gaio pins one heap across its single event loop; this package
// generalizes that into N independent shards, each owning its own heap,
// mutex, condition variable and goroutine, per spec.md's requirement of
// "a sharded, thread-per-shard timer wheel" (§1) assigned randomly to
// each AIO at init (§3 Expiration queue).
package expire

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/nslog"
)

// batchSize bounds how many expired entries a shard processes per pass,
// per spec.md §4.2 step 4 ("up to a fixed batch size (e.g. 64)").
const batchSize = 64

// CancelFunc is invoked by the shard, outside its lock, when an entry's
// deadline elapses. result is ErrTimedOut unless the entry is marked
// ExpireOK (success on expiry) or the shard is stopping (ErrStopped).
type CancelFunc func(result error)

// Entry is a single pinned deadline. The owner (an *aio.AIO) embeds or
// references an Entry and must only touch its fields while holding the
// lock of the Shard it was inserted into — Shard methods are the only
// safe way to mutate an Entry.
type Entry struct {
	Deadline time.Time
	ExpireOK bool

	Cancel CancelFunc

	shard    *Shard
	index    int // heap index, owned by the shard's heap.Interface
	pending  bool
	expiring bool
}

// Pending reports whether the entry is currently pinned in its shard's
// list (inserted but not yet removed by Finish/Abort nor fired).
func (e *Entry) Pending() bool {
	if e.shard == nil {
		return false
	}
	e.shard.mu.Lock()
	defer e.shard.mu.Unlock()
	return e.pending
}

// entryHeap is a min-heap on Deadline, exactly gaio's timedHeap idiom
// generalized to hold *Entry instead of *aiocb.
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Shard is one expiration queue: a mutex, a condition variable, an
// ordered list of pinned entries, a thread, and the monotone-non-
// increasing next-wake instant described in spec.md §3.
type Shard struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  entryHeap
	nextWake time.Time
	exiting  bool
	stopping bool
	done     chan struct{}

	now    func() time.Time
	logger nslog.Logger
	id     int
}

// Engine owns the shard array, per spec.md §9's "one expiration-shard
// array" global-state guidance, here held by the caller's System rather
// than a package global.
type Engine struct {
	shards []*Shard
}

// NewEngine starts n shards, each driven by its own goroutine.
func NewEngine(n int, now func() time.Time, logger nslog.Logger) *Engine {
	if n < 1 {
		n = 1
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = nslog.Default()
	}
	e := &Engine{shards: make([]*Shard, n)}
	for i := 0; i < n; i++ {
		s := &Shard{now: now, logger: logger, id: i, done: make(chan struct{})}
		s.cond = sync.NewCond(&s.mu)
		s.nextWake = now().Add(365 * 24 * time.Hour)
		e.shards[i] = s
		go s.loop()
	}
	return e
}

// NumShards returns the shard count.
func (e *Engine) NumShards() int { return len(e.shards) }

// Shard returns the i'th shard (used for deterministic tests); i is
// taken modulo the shard count.
func (e *Engine) Shard(i int) *Shard {
	if i < 0 {
		i = -i
	}
	return e.shards[i%len(e.shards)]
}

// Close stops every shard, waiting for each to finish its current pass
// and drain. Pending entries are fired with ErrStopped (callers, i.e.
// aio.Stop/Close on each live AIO, are expected to have already done
// this in the common shutdown path; Close is the hard-stop fallback for
// process teardown).
func (e *Engine) Close() {
	for _, s := range e.shards {
		s.mu.Lock()
		s.exiting = true
		s.stopping = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	for _, s := range e.shards {
		<-s.done
	}
}

// Lock acquires the shard's mutex, allowing a caller (the aio package)
// to perform a multi-step, atomic check-and-install sequence across its
// own AIO flags and this shard's expiration list, per spec.md §5 ("AIO
// mutable state is guarded by its assigned shard mutex").
func (s *Shard) Lock() { s.mu.Lock() }

// Unlock releases the shard's mutex.
func (s *Shard) Unlock() { s.mu.Unlock() }

// StoppingLocked reports whether the shard itself is being torn down
// (Engine.Close was called). Must be called with the shard locked.
func (s *Shard) StoppingLocked() bool { return s.stopping }

// InsertLocked pins e into the shard, keyed by e.Deadline, and wakes the
// shard's goroutine if the new deadline is sooner than its current
// next-wake. Must be called with the shard locked.
func (s *Shard) InsertLocked(e *Entry) {
	e.shard = s
	e.pending = true
	heap.Push(&s.entries, e)
	if e.Deadline.Before(s.nextWake) {
		s.nextWake = e.Deadline
		s.cond.Broadcast()
	}
}

// RemoveLocked unpins e if it is still pending (not yet plucked by the
// expiration loop or a concurrent Remove/Abort). It reports whether it
// won the race to unpin e; the caller is responsible for completing the
// AIO exactly once regardless of which path wins. Must be called with
// the shard locked.
func (s *Shard) RemoveLocked(e *Entry) bool {
	if e.shard != s || !e.pending || e.index < 0 {
		return false
	}
	heap.Remove(&s.entries, e.index)
	e.pending = false
	return true
}

// WaitNotExpiring blocks until e is no longer being processed by the
// expiration loop (spec.md §4.2's "an AIO marked expiring is never
// freed; fini waits for expiring=false before releasing storage").
func (e *Entry) WaitNotExpiring() {
	if e.shard == nil {
		return
	}
	s := e.shard
	s.mu.Lock()
	for e.expiring {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *Shard) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		now := s.now()
		nextWake := s.nextWake

		if s.entries.Len() == 0 && s.exiting {
			s.mu.Unlock()
			return
		}

		if now.Before(nextWake) && !(s.stopping && s.entries.Len() > 0) {
			d := nextWake.Sub(now)
			if d > 0 {
				timer := time.AfterFunc(d, func() {
					s.mu.Lock()
					s.cond.Broadcast()
					s.mu.Unlock()
				})
				s.cond.Wait()
				timer.Stop()
			}
			s.mu.Unlock()
			continue
		}

		// Walk the heap, plucking everything due (or everything, if
		// stopping) up to batchSize, per spec.md §4.2 step 4.
		var batch []*Entry
		s.nextWake = now.Add(365 * 24 * time.Hour)
		for s.entries.Len() > 0 && len(batch) < batchSize {
			top := s.entries[0]
			due := s.stopping || !top.Deadline.After(now)
			if !due {
				if top.Deadline.Before(s.nextWake) {
					s.nextWake = top.Deadline
				}
				break
			}
			heap.Pop(&s.entries)
			top.pending = false
			top.expiring = true
			batch = append(batch, top)
		}
		s.mu.Unlock()

		for _, e := range batch {
			var result error
			switch {
			case s.stopping:
				result = nserr.ErrStopped
			case e.ExpireOK:
				result = nil
			default:
				result = nserr.ErrTimedOut
			}

			s.mu.Lock()
			cancel := e.Cancel
			e.Cancel = nil
			s.mu.Unlock()

			if cancel != nil {
				cancel(result)
			}

			s.mu.Lock()
			e.expiring = false
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		if len(batch) == 0 {
			s.mu.Lock()
			if s.exiting && s.entries.Len() == 0 {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}
