package aio

// SetIOV copies up to MaxIOV segments of vec into the AIO's inline
// I/O-vector. Extra segments beyond MaxIOV are dropped, matching the
// "bounded inline I/O-vector array, fixed capacity" data model (spec.md
// §3). It must be called by a provider immediately before Start.
func (a *AIO) SetIOV(vec [][]byte) {
	a.shard.Lock()
	defer a.shard.Unlock()
	n := len(vec)
	if n > MaxIOV {
		n = MaxIOV
	}
	a.iov = append(a.iov[:0], vec[:n]...)
}

// GetIOV returns a borrow of the AIO's current I/O-vector. The returned
// slice must not be retained past the current operation.
func (a *AIO) GetIOV() [][]byte {
	a.shard.Lock()
	defer a.shard.Unlock()
	return a.iov
}

// IOVCount sums the residual bytes across every segment of the I/O
// vector.
func (a *AIO) IOVCount() int {
	a.shard.Lock()
	defer a.shard.Unlock()
	n := 0
	for _, seg := range a.iov {
		n += len(seg)
	}
	return n
}

// IOVAdvance drops n bytes off the front of the I/O vector, collapsing
// any segment that becomes empty and truncating the vector once fully
// consumed. Used by providers (TCP/TLS/WebSocket streams) to record a
// partial send/recv and resume where they left off.
func (a *AIO) IOVAdvance(n int) {
	a.shard.Lock()
	defer a.shard.Unlock()
	for n > 0 && len(a.iov) > 0 {
		seg := a.iov[0]
		if n < len(seg) {
			a.iov[0] = seg[n:]
			n = 0
			break
		}
		n -= len(seg)
		a.iov = a.iov[1:]
	}
}

// SetInput stores an opaque provider-scoped value in input slot i.
func (a *AIO) SetInput(i int, v any) {
	a.shard.Lock()
	defer a.shard.Unlock()
	if i >= 0 && i < NumSlots {
		a.inputs[i] = v
	}
}

// GetInput returns the value stored in input slot i.
func (a *AIO) GetInput(i int) any {
	a.shard.Lock()
	defer a.shard.Unlock()
	if i >= 0 && i < NumSlots {
		return a.inputs[i]
	}
	return nil
}

// SetOutput stores an opaque provider-scoped value in output slot i. A
// successful Dial/Accept stores the new Stream in output slot 0 (spec.md
// §3 Stream dialer/listener).
func (a *AIO) SetOutput(i int, v any) {
	a.shard.Lock()
	defer a.shard.Unlock()
	if i >= 0 && i < NumSlots {
		a.outputs[i] = v
	}
}

// GetOutput returns the value stored in output slot i.
func (a *AIO) GetOutput(i int) any {
	a.shard.Lock()
	defer a.shard.Unlock()
	if i >= 0 && i < NumSlots {
		return a.outputs[i]
	}
	return nil
}
