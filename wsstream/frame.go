package wsstream

import (
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/nanoscale/nanoscale/nserr"
)

type opcode byte

const (
	opCont   opcode = 0x0
	opText   opcode = 0x1
	opBinary opcode = 0x2
	opClose  opcode = 0x8
	opPing   opcode = 0x9
	opPong   opcode = 0xA
)

// Close status codes (spec.md §6 "Wire: WebSocket").
const (
	closeNormal     = 1000
	closeGoingAway  = 1001
	closeProtoError = 1002
	closeUnsupported = 1003
	closeTooBig     = 1009
	closeInternal   = 1011
)

type frameHeader struct {
	fin     bool
	opcode  opcode
	masked  bool
	length  uint64
	maskKey [4]byte
}

// readFrameHeader decodes the frame header described in spec.md §4.6
// "Incoming", rejecting non-minimal extended-length encodings.
func readFrameHeader(r io.Reader) (frameHeader, error) {
	var h frameHeader
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, err
	}
	h.fin = b[0]&0x80 != 0
	h.opcode = opcode(b[0] & 0x0F)
	h.masked = b[1]&0x80 != 0
	short := b[1] & 0x7F

	switch {
	case short < 126:
		h.length = uint64(short)
	case short == 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return h, err
		}
		n := binary.BigEndian.Uint16(ext[:])
		if n < 126 {
			return h, errProtoViolation
		}
		h.length = uint64(n)
	case short == 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return h, err
		}
		n := binary.BigEndian.Uint64(ext[:])
		if n < 1<<16 {
			return h, errProtoViolation
		}
		h.length = n
	}

	if h.masked {
		if _, err := io.ReadFull(r, h.maskKey[:]); err != nil {
			return h, err
		}
	}
	return h, nil
}

func writeFrameHeader(w io.Writer, fin bool, op opcode, masked bool, length int, maskKey [4]byte) error {
	var b [14]byte
	n := 2
	if fin {
		b[0] = 0x80
	}
	b[0] |= byte(op)

	switch {
	case length < 126:
		b[1] = byte(length)
	case length < 1<<16:
		b[1] = 126
		binary.BigEndian.PutUint16(b[2:4], uint16(length))
		n += 2
	default:
		b[1] = 127
		binary.BigEndian.PutUint64(b[2:10], uint64(length))
		n += 8
	}
	if masked {
		b[1] |= 0x80
		copy(b[n:n+4], maskKey[:])
		n += 4
	}
	_, err := w.Write(b[:n])
	return err
}

func maskBytes(key [4]byte, data []byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

func newMaskKey() [4]byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], rand.Uint32())
	return k
}

// wsError pairs a close status code with the error reported to the user
// AIO, so the frame loop can both fail the caller and tell the peer why.
type wsError struct {
	code int
	err  error
}

func (e *wsError) Error() string { return e.err.Error() }

// Unwrap exposes the wrapped sentinel so errors.Is(err, nserr.ErrProto)
// holds for a wsError.
func (e *wsError) Unwrap() error { return e.err }

var errProtoViolation = &wsError{code: closeProtoError, err: nserr.ErrProto}
