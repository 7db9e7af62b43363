// Package frame implements the wire codec for the reliability protocol:
// a fixed 9-byte header (flags, sequence, sack bitmap) followed by an
// optional payload fragment.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Flags is the single control byte at the front of every frame.
type Flags uint8

// Bit-OR composable control flags. See spec §3.
const (
	START    Flags = 0x01
	DATA     Flags = 0x02
	ACK      Flags = 0x04
	END      Flags = 0x08
	CLOSE    Flags = 0x10
	SACK     Flags = 0x20
	DOWNLOAD Flags = 0x40
	PROTOCOL Flags = 0x80
)

// Has reports whether all bits of want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// FragmentSize is the default maximum payload size of a single frame.
const FragmentSize = 8192

// HeaderSize is the fixed, network-byte-order header length: 1 byte of
// flags, a 4-byte sequence, and a 4-byte SACK bitmap.
const HeaderSize = 9

// MaxFrameSize is the largest a single encoded frame may be.
const MaxFrameSize = HeaderSize + FragmentSize

// ErrShortHeader is returned by Decode when the input is smaller than
// HeaderSize.
var ErrShortHeader = errors.New("frame: buffer shorter than header size")

// Frame is the decoded form of a single datagram.
type Frame struct {
	Flags      Flags
	Sequence   uint32
	SACKBitmap uint32
	Payload    []byte
}

// Encode packs f into a freshly allocated byte slice in network byte order.
// The payload is appended verbatim; callers are responsible for keeping it
// within FragmentSize.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Flags)
	binary.BigEndian.PutUint32(buf[1:5], f.Sequence)
	binary.BigEndian.PutUint32(buf[5:9], f.SACKBitmap)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode unpacks a raw datagram into a Frame. Unknown flag bits are
// preserved, not masked off. A buffer shorter than HeaderSize fails with
// ErrShortHeader; the caller is expected to silently drop such a datagram
// per spec §7 (malformed frame).
func Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, ErrShortHeader
	}
	f := Frame{
		Flags:      Flags(raw[0]),
		Sequence:   binary.BigEndian.Uint32(raw[1:5]),
		SACKBitmap: binary.BigEndian.Uint32(raw[5:9]),
	}
	if len(raw) > HeaderSize {
		// Copy so the caller's underlying read buffer can be reused.
		payload := make([]byte, len(raw)-HeaderSize)
		copy(payload, raw[HeaderSize:])
		f.Payload = payload
	}
	return f, nil
}
