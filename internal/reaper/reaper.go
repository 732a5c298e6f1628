// Package reaper implements the deferred-destruction queue described in
// spec.md §9: cyclic ownership (aio<->cancel-arg, pipe<->transport,
// endpoint<->pipe) is broken by reference counts plus a reaper that runs
// final teardown on a worker thread where no other locks are held.
//
// Grounded on the same task-pool idiom the rest of this module uses for
// "never invoke a callback while holding a lock" (aio's task dispatch);
// the reaper simply dispatches a teardown func through that same pool
// instead of inventing a second worker mechanism.
package reaper

import "github.com/nanoscale/nanoscale/task"

// Schedule runs fn on pool, asynchronously, once the caller's lock(s)
// have been released. Callers typically call Schedule from inside a
// Release/Rele method the instant a reference count reaches zero.
func Schedule(pool *task.Pool, fn func()) {
	t := task.New()
	t.Prep(fn)
	pool.Dispatch(t)
}
