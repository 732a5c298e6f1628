// Package message defines the opaque message type that moves through
// AIOs via SetMsg/GetMsg (spec.md §3 Message).
package message

// Msg is a byte-vector message with a header and a body. Ownership
// transfers through AIOs: a started send consumes the message on
// success, and the message must be freed by whoever completes the
// operation on failure.
type Msg struct {
	Header []byte
	Body   []byte
}

// New returns an empty Msg with body pre-allocated to size n.
func New(n int) *Msg {
	return &Msg{Body: make([]byte, n)}
}

// Len returns header length + body length, the value framed on the wire
// by the framed-message transport (spec.md §4.4, §6).
func (m *Msg) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Header) + len(m.Body)
}

// Free releases m's storage. Free is idempotent and safe on a nil Msg.
func (m *Msg) Free() {
	if m == nil {
		return
	}
	m.Header = nil
	m.Body = nil
}

// Clone returns a deep copy of m.
func (m *Msg) Clone() *Msg {
	if m == nil {
		return nil
	}
	c := &Msg{}
	if m.Header != nil {
		c.Header = append([]byte(nil), m.Header...)
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}
