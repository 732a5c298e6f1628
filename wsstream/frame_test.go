package wsstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriteReadFrameHeaderRoundTrip covers the short, 16-bit-extended, and
// 64-bit-extended length encodings.
func TestWriteReadFrameHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		length int
	}{
		{"short", 10},
		{"short-max", 125},
		{"ext16-min", 126},
		{"ext16-max", 1<<16 - 1},
		{"ext64-min", 1 << 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			key := [4]byte{1, 2, 3, 4}
			require.NoError(t, writeFrameHeader(&buf, true, opBinary, true, tc.length, key))

			h, err := readFrameHeader(&buf)
			require.NoError(t, err)
			require.True(t, h.fin)
			require.Equal(t, opBinary, h.opcode)
			require.True(t, h.masked)
			require.EqualValues(t, tc.length, h.length)
			require.Equal(t, key, h.maskKey)
		})
	}
}

// TestReadFrameHeaderRejectsNonMinimalExt16 is spec.md §8 invariant 4: a
// 16-bit extended length under 126 must have been sent as a short length
// instead, and is rejected as a protocol violation.
func TestReadFrameHeaderRejectsNonMinimalExt16(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x82) // fin=1, opcode=binary
	buf.WriteByte(126)  // says "16-bit extended length follows"
	buf.Write([]byte{0x00, 0x05})

	_, err := readFrameHeader(&buf)
	require.ErrorIs(t, err, errProtoViolation.err)
}

// TestReadFrameHeaderRejectsNonMinimalExt64 mirrors the ext16 case for
// the 64-bit extended length, which must encode a value that would not
// have fit in 16 bits.
func TestReadFrameHeaderRejectsNonMinimalExt64(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x82)
	buf.WriteByte(127)
	ext := make([]byte, 8)
	ext[7] = 1 // length = 1, should have used the short encoding
	buf.Write(ext)

	_, err := readFrameHeader(&buf)
	require.ErrorIs(t, err, errProtoViolation.err)
}

func TestMaskBytesRoundTrip(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	data := []byte("the quick brown fox jumps")
	orig := append([]byte(nil), data...)

	maskBytes(key, data)
	require.NotEqual(t, orig, data)
	maskBytes(key, data)
	require.Equal(t, orig, data)
}

func TestNewMaskKeyVariesAcrossCalls(t *testing.T) {
	a := newMaskKey()
	b := newMaskKey()
	require.NotEqual(t, a, b)
}
