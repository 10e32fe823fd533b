// Package protocol implements the length-prefixed frame format.
//
// It solves TCP's sticky packet problem with a fixed 5-byte header followed by a
// variable-length payload. The receiver reads the length first, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0         4    5
//	┌─────────┬────┬──────────────────┐
//	│ length  │type│    payload ...   │
//	│ uint32  │    │ length-1 bytes   │
//	└─────────┴────┴──────────────────┘
//
// length counts the type byte plus the payload, so it is never zero.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the 4-byte length plus the 1-byte type tag.
	HeaderSize = 5
	// DefaultMaxFrameSize bounds a single frame (type byte + payload).
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// Type distinguishes request, response and heartbeat frames.
type Type byte

const (
	TypeRequest  Type = 0x01 // Client → Server call
	TypeResponse Type = 0x02 // Server → Client result
	TypePing     Type = 0x03 // Heartbeat probe (no payload)
	TypePong     Type = 0x04 // Heartbeat answer (no payload)
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	}
	return "unknown"
}

func (t Type) valid() bool {
	return t >= TypeRequest && t <= TypePong
}

// Protocol violations. Any of them means the stream can no longer be trusted
// and the connection must be closed.
var (
	ErrInvalidLength = errors.New("protocol: invalid frame length")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrUnknownType   = errors.New("protocol: unknown frame type")
)

// ErrIncomplete is returned by Parse when the buffer does not yet hold a whole frame.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// IsProtocolError reports whether err is a framing violation.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidLength) || errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrUnknownType)
}

// Frame is one decoded unit on the wire.
type Frame struct {
	Type    Type
	Payload []byte
}

// Append appends the encoded frame to dst.
func Append(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(1+len(f.Payload)))
	hdr[4] = byte(f.Type)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// Encode writes a complete frame to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, f Frame) error {
	buf := Append(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	_, err := w.Write(buf)
	return err
}

// checkHeader validates the 5-byte header and returns the payload length.
func checkHeader(hdr []byte, maxSize int) (Type, int, error) {
	length := binary.BigEndian.Uint32(hdr[0:4])
	if length == 0 || int32(length) < 0 {
		return 0, 0, errors.Wrapf(ErrInvalidLength, "length %d", length)
	}
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return 0, 0, errors.Wrapf(ErrFrameTooLarge, "length %d exceeds %d", length, maxSize)
	}
	t := Type(hdr[4])
	if !t.valid() {
		return 0, 0, errors.Wrapf(ErrUnknownType, "type 0x%02x", hdr[4])
	}
	return t, int(length) - 1, nil
}

// Decode reads exactly one frame from r. The length is validated before any
// payload is allocated, so an oversize header never causes a large allocation.
// maxSize <= 0 disables the size check.
func Decode(r io.Reader, maxSize int) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t, n, err := checkHeader(hdr[:], maxSize)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Type: t}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Parse decodes one frame from the front of buf. It returns the frame and the
// number of bytes consumed. When buf holds less than a whole frame it returns
// ErrIncomplete and consumes nothing, so callers can retry after more bytes arrive.
// The returned payload aliases buf.
func Parse(buf []byte, maxSize int) (Frame, int, error) {
	if len(buf) < HeaderSize {
		if len(buf) >= 4 {
			// Reject a bad length as soon as it is visible.
			if _, _, err := checkHeader(append(buf[:4:4], byte(TypeRequest)), maxSize); err != nil {
				return Frame{}, 0, err
			}
		}
		return Frame{}, 0, ErrIncomplete
	}
	t, n, err := checkHeader(buf[:HeaderSize], maxSize)
	if err != nil {
		return Frame{}, 0, err
	}
	if len(buf) < HeaderSize+n {
		return Frame{}, 0, ErrIncomplete
	}
	f := Frame{Type: t}
	if n > 0 {
		f.Payload = buf[HeaderSize : HeaderSize+n]
	}
	return f, HeaderSize + n, nil
}
