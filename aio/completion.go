package aio

// pendingResult is one entry accumulated under a provider's own lock
// before being handed to CompletionList, avoiding the "nested user
// callback invocation under locks" trap spec.md §9 calls out.
type pendingResult struct {
	aio    *AIO
	result error
	count  int
}

// CompletionList accumulates AIO completions gathered while a provider
// holds its own lock (e.g. a pipe or TLS adapter draining several queued
// sends at once), so they can all be finished after the lock is
// released. Grounded on spec.md §4.1's "completion list... used by
// transport callbacks that accumulate multiple completions under one
// lock" and §9's "collect → unlock → complete" pattern.
type CompletionList struct {
	items []pendingResult
}

// Add records a completion to run later. Safe to call while holding a
// provider lock; it does not touch the shard lock or dispatch anything.
func (c *CompletionList) Add(a *AIO, result error, count int) {
	c.items = append(c.items, pendingResult{a, result, count})
}

// Run drains the list, calling FinishSync on each accumulated AIO. Call
// this only after releasing whatever lock was held while accumulating,
// from a context where synchronous callback execution is safe.
func (c *CompletionList) Run() {
	items := c.items
	c.items = nil
	for _, it := range items {
		it.aio.FinishSync(it.result, it.count)
	}
}

// Len reports how many completions are queued.
func (c *CompletionList) Len() int { return len(c.items) }
