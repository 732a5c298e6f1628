// Package aio implements the one-shot asynchronous operation handle that
// is the universal currency between providers (transports, timers,
// protocols) and consumers (spec.md §4.1).
//
// Grounded on socket515-gaio/watcher.go's aiocb (result, size, err,
// deadline, per-fd queue membership) and its start/complete/timeout
// lifecycle, generalized from gaio's fixed "read or write on a net.Conn"
// shape into a provider-agnostic handle usable by sockets, pipes, TLS
// and WebSocket adapters, and bare timers alike. Scheduling-state
// mutations happen under the AIO's assigned expire.Shard lock, exactly
// as spec.md §5 requires ("AIO mutable state is guarded by its assigned
// shard mutex").
package aio

import (
	"math"
	"time"

	"github.com/nanoscale/nanoscale/expire"
	"github.com/nanoscale/nanoscale/message"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/sysctx"
	"github.com/nanoscale/nanoscale/task"
)

// Magic timeout values recognized by SetTimeout (spec.md §4.1).
const (
	TimeoutZero     time.Duration = 0
	TimeoutInfinite time.Duration = time.Duration(math.MaxInt64)
	TimeoutDefault  time.Duration = -1
)

// MaxIOV bounds the inline I/O-vector capacity (spec.md §3: "bounded
// inline I/O-vector array, fixed capacity, typically 8").
const MaxIOV = 8

// NumSlots bounds the input/output opaque-pointer slot arrays (spec.md
// §3: "input slot array and output slot array, typically 4 each").
const NumSlots = 4

// CancelFunc is installed by a provider on Start and invoked by whoever
// first takes it — expiration, Abort/Cancel/Close, or nothing if the
// provider calls Finish first — with the terminal result code. The
// callback is responsible for eventually calling one of the Finish*
// methods; the shard lock is never held while it runs.
type CancelFunc func(result error)

// Callback is the user function run exactly once per Start that returns
// true, invoked by the task dispatcher (or synchronously, for
// FinishSync) after the provider completes, times out, is aborted, or
// is stopped.
type Callback func(a *AIO)

// AIO is a one-shot asynchronous operation handle.
//
// At most one operation may be outstanding on an AIO at a time; exactly
// one Finish* call is made per Start that returned true. All fields
// below are guarded by the mutex of the shard the AIO was assigned at
// Init; callers must go through the exported methods rather than touch
// fields directly.
type AIO struct {
	sys   *sysctx.System
	shard *expire.Shard
	entry expire.Entry
	task  *task.Task
	cb    Callback

	// provider-scoped opaque data; set/read by the provider only.
	Data any

	iov     [][]byte
	inputs  [NumSlots]any
	outputs [NumSlots]any
	msg     *message.Msg

	timeoutDur   time.Duration
	expireAt     time.Time
	useAbsExpire bool

	result error
	count  int

	initialized  bool
	started      bool
	stopped      bool
	stopReq      bool
	abortPending bool
	abortResult  error
	expireOK     bool
	sleepOp      bool
}

// New allocates and initializes an AIO bound to sys, equivalent to
// calling Init on a zero-value AIO.
func New(sys *sysctx.System, cb Callback) *AIO {
	a := &AIO{}
	a.Init(sys, cb)
	return a
}

// Init zeroes a, binds it to sys, assigns a random expiration shard,
// installs cb, and sets the timeout to TimeoutInfinite (spec.md §4.1).
func (a *AIO) Init(sys *sysctx.System, cb Callback) {
	*a = AIO{}
	a.sys = sys
	a.shard = sys.Expire.Shard(sys.Rand.Int())
	a.task = task.New()
	a.cb = cb
	a.timeoutDur = TimeoutInfinite
	a.initialized = true
}

// Reset clears result, count, the message, abort/expire-ok/sleep flags,
// and the output slots. It must be called by a provider immediately
// before Start. Reset does not touch the timeout, input slots, or iov.
func (a *AIO) Reset() {
	a.shard.Lock()
	defer a.shard.Unlock()
	a.result = nil
	a.count = 0
	a.msg = nil
	a.abortPending = false
	a.expireOK = false
	a.sleepOp = false
	a.outputs = [NumSlots]any{}
}

// SetTimeout stores a relative timeout and clears UseAbsoluteExpire.
func (a *AIO) SetTimeout(d time.Duration) {
	a.shard.Lock()
	a.timeoutDur = d
	a.useAbsExpire = false
	a.shard.Unlock()
}

// SetExpire stores an absolute deadline and marks the AIO to use it
// instead of the relative timeout.
func (a *AIO) SetExpire(t time.Time) {
	a.shard.Lock()
	a.expireAt = t
	a.useAbsExpire = true
	a.shard.Unlock()
}

// NormalizeTimeout replaces a TimeoutDefault timeout with def. Providers
// call this before Start to resolve the magic "use my default" value.
func (a *AIO) NormalizeTimeout(def time.Duration) {
	a.shard.Lock()
	if a.timeoutDur == TimeoutDefault {
		a.timeoutDur = def
	}
	a.shard.Unlock()
}

// SetExpireOK marks that reaching the deadline without provider
// completion should be reported as success (count 0, err nil) rather
// than ErrTimedOut. Used by sleep operations where "woke up" is the
// success condition.
func (a *AIO) SetExpireOK(ok bool) {
	a.shard.Lock()
	a.expireOK = ok
	a.shard.Unlock()
}

// SetSleep marks the AIO as a plain timer with no provider operation to
// cancel; Start installs a synthetic cancel function that finishes the
// AIO directly once this is set.
func (a *AIO) SetSleep(sleep bool) {
	a.shard.Lock()
	a.sleepOp = sleep
	a.shard.Unlock()
}

// resolveDeadlineLocked returns the absolute deadline and whether it is
// finite. Must be called with the shard locked.
func (a *AIO) resolveDeadlineLocked() (deadline time.Time, finite bool) {
	if a.useAbsExpire {
		return a.expireAt, true
	}
	switch a.timeoutDur {
	case TimeoutInfinite:
		return time.Time{}, false
	case TimeoutDefault:
		// Not normalized by the provider; treat as infinite rather
		// than panic, so a forgotten NormalizeTimeout degrades safely.
		return time.Time{}, false
	default:
		return a.sys.Now().Add(a.timeoutDur), true
	}
}

// Start prepares the AIO's task and, under the assigned shard lock,
// either dispatches an immediate terminal completion (stop-requested,
// abort-pending, or already-expired) or installs cancel as the
// cancellation callback and — if the deadline is finite and a cancel
// function is installed (a sleep AIO gets a synthetic one) — pins the
// AIO in its shard's expiration list; with a nil cancel on a non-sleep
// AIO the deadline is not enforced. Start returns true iff the operation
// is now owned by the provider, which must call a Finish* method exactly
// once.
func (a *AIO) Start(cancel CancelFunc) bool {
	a.task.Prep(func() { a.cb(a) })

	a.shard.Lock()

	if a.stopReq || a.shard.StoppingLocked() {
		a.result, a.count, a.msg = nserr.ErrStopped, 0, nil
		a.entry.Cancel = nil
		a.shard.Unlock()
		a.sys.Tasks.Dispatch(a.task)
		return false
	}

	if a.abortPending {
		a.result = a.abortResult
		a.count = 0
		a.abortPending = false
		a.shard.Unlock()
		a.sys.Tasks.Dispatch(a.task)
		return false
	}

	deadline, finite := a.resolveDeadlineLocked()
	if finite && !deadline.After(a.sys.Now()) {
		if a.expireOK {
			a.result = nil
		} else {
			a.result = nserr.ErrTimedOut
		}
		a.count = 0
		a.shard.Unlock()
		a.sys.Tasks.Dispatch(a.task)
		return false
	}

	a.started = true

	// A sleep AIO has no provider operation to cancel, but it still needs
	// a cancel function pinned into its shard entry so the expire loop has
	// something to invoke on expiry; install one that finishes the AIO
	// directly, matching original_source/src/core/aio.c's nni_sleep_aio
	// (which always installs nni_sleep_cancel, a real cancel function,
	// even for plain sleeps).
	entryCancel := cancel
	if entryCancel == nil && a.sleepOp {
		entryCancel = func(result error) { a.Finish(result, 0) }
	}
	a.entry.Cancel = expire.CancelFunc(entryCancel)

	if finite && entryCancel != nil {
		a.entry.Deadline = deadline
		a.entry.ExpireOK = a.expireOK
		a.shard.InsertLocked(&a.entry)
	}

	a.shard.Unlock()
	return true
}

// finishLocked performs the common bookkeeping shared by all Finish*
// variants: unpin from expiration, clear the cancel callback, record the
// result, and clear sleep/use-absolute-expire. Must be called with the
// shard locked; returns nothing, caller unlocks and dispatches.
func (a *AIO) finishLocked(result error, count int, msg *message.Msg) {
	a.shard.RemoveLocked(&a.entry)
	a.entry.Cancel = nil
	a.result = result
	a.count = count
	a.msg = msg
	a.sleepOp = false
	a.useAbsExpire = false
}

// Finish completes the AIO's current operation with result and a
// transferred-byte count. Must be called exactly once by the provider
// that received true from Start.
func (a *AIO) Finish(result error, count int) {
	a.shard.Lock()
	a.finishLocked(result, count, nil)
	a.shard.Unlock()
	a.sys.Tasks.Dispatch(a.task)
}

// FinishMsg completes the AIO's current operation with an owned message
// and no explicit byte count (the message's length is the transferred
// size).
func (a *AIO) FinishMsg(msg *message.Msg) {
	a.shard.Lock()
	a.finishLocked(nil, msg.Len(), msg)
	a.shard.Unlock()
	a.sys.Tasks.Dispatch(a.task)
}

// FinishError completes the AIO's current operation with an error and
// zero transferred bytes.
func (a *AIO) FinishError(err error) {
	a.Finish(err, 0)
}

// FinishSync is like Finish but executes the user callback synchronously
// on the caller's goroutine instead of handing it to the task pool. Used
// when a completion list is being drained from a context already known
// to be safe (no locks held that the callback might re-acquire).
func (a *AIO) FinishSync(result error, count int) {
	a.shard.Lock()
	a.finishLocked(result, count, nil)
	a.shard.Unlock()
	a.task.Exec()
}

// Abort plucks the cancel callback and invokes it outside the shard lock
// with code. If no callback is installed yet (the operation hasn't
// reached Start, or already finished), Abort records abort-pending so
// the next Start call fails immediately with code.
func (a *AIO) Abort(code error) {
	a.shard.Lock()
	cancel := a.entry.Cancel
	a.entry.Cancel = nil
	a.shard.RemoveLocked(&a.entry)
	if cancel == nil {
		a.abortPending = true
		a.abortResult = code
	}
	a.shard.Unlock()

	if cancel != nil {
		cancel(code)
	}
}

// Cancel aborts the current operation with ErrCanceled.
func (a *AIO) Cancel() { a.Abort(nserr.ErrCanceled) }

// Close behaves like Abort(ErrClosed) but additionally marks the AIO so
// that subsequent Start calls fail with ErrStopped, without waiting for
// the current callback to finish.
func (a *AIO) Close() {
	a.shard.Lock()
	a.stopReq = true
	a.shard.Unlock()
	a.Abort(nserr.ErrClosed)
}

// Stop behaves like Close, then blocks until the current task's callback
// has completed. Subsequent Start calls fail with ErrStopped.
func (a *AIO) Stop() {
	a.shard.Lock()
	a.stopReq = true
	a.stopped = true
	a.shard.Unlock()
	a.Abort(nserr.ErrStopped)
	a.task.Wait()
	a.entry.WaitNotExpiring()
}

// Wait blocks until the current task's callback has completed. Wait does
// not prevent the AIO from being reused for another operation.
func (a *AIO) Wait() {
	a.task.Wait()
}

// Busy is a non-blocking probe of whether the task's callback is queued
// or running.
func (a *AIO) Busy() bool {
	return a.task.Busy()
}

// Result returns the completion result recorded by the last Finish*.
func (a *AIO) Result() error { return a.result }

// Count returns the transferred-byte count recorded by the last Finish*.
func (a *AIO) Count() int { return a.count }

// Msg returns the message recorded by the last FinishMsg, or nil.
func (a *AIO) Msg() *message.Msg { return a.msg }

// SetMsg attaches an owned message to the AIO for a provider to consume
// on send (e.g. pipe.Send uses SetMsg/GetMsg to hand the message to the
// transport without copying).
func (a *AIO) SetMsg(m *message.Msg) {
	a.shard.Lock()
	a.msg = m
	a.shard.Unlock()
}

// GetMsg returns the message previously attached with SetMsg, without
// clearing it.
func (a *AIO) GetMsg() *message.Msg {
	a.shard.Lock()
	defer a.shard.Unlock()
	return a.msg
}

// System returns the System the AIO was initialized against.
func (a *AIO) System() *sysctx.System { return a.sys }
