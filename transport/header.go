// Package transport implements the framed-message transport shared by
// every stream-based pipe: the 8-byte negotiation header and the
// 8-byte-length-prefixed message framing (spec.md §4.4, §6).
//
// Grounded on SagerNet-smux/session.go's frame header and serialized,
// order-preserving writer-goroutine idiom (a dedicated goroutine drains
// an ordered queue of outgoing frames; spec.md §5's "per-pipe, sends
// complete in submission order" is exactly smux's guarantee for its
// stream multiplexer, generalized here to one logical message per frame
// instead of smux's sub-stream multiplexing).
package transport

import (
	"encoding/binary"

	"github.com/nanoscale/nanoscale/nserr"
)

// HeaderLen is the length of the fixed negotiation preamble exchanged on
// every framed-message pipe (spec.md §6 "Wire: framed-message
// negotiation").
const HeaderLen = 8

// LengthPrefixLen is the length of the big-endian length prefix on every
// framed message (spec.md §6 "Wire: framed-message data").
const LengthPrefixLen = 8

// EncodeHeader builds the 8-byte negotiation header for proto:
// 00 'S' 'P' 00 <u16 proto big-endian> 00 00.
func EncodeHeader(proto uint16) []byte {
	b := make([]byte, HeaderLen)
	b[0] = 0
	b[1] = 'S'
	b[2] = 'P'
	b[3] = 0
	binary.BigEndian.PutUint16(b[4:6], proto)
	b[6] = 0
	b[7] = 0
	return b
}

// DecodeHeader validates the magic bytes of a received negotiation
// header and extracts the peer's protocol identity.
func DecodeHeader(b []byte) (peerProto uint16, err error) {
	if len(b) != HeaderLen {
		return 0, nserr.ErrProto
	}
	if b[0] != 0 || b[1] != 'S' || b[2] != 'P' || b[3] != 0 || b[6] != 0 || b[7] != 0 {
		return 0, nserr.ErrProto
	}
	return binary.BigEndian.Uint16(b[4:6]), nil
}

// EncodeLength writes the big-endian 64-bit frame length.
func EncodeLength(n uint64) []byte {
	b := make([]byte, LengthPrefixLen)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeLength reads the big-endian 64-bit frame length.
func DecodeLength(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
