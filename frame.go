package msgnet

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Frame layout:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │ payload ...      │
//	│ uint32  │ length bytes     │
//	└─────────┴──────────────────┘
//
// The length is big-endian and counts payload bytes only.
const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameLength is the largest length the prefix can carry.
	MaxFrameLength = math.MaxUint32
)

// AppendFrame appends the frame encoding of msg to dst.
// It fails with ErrInvalidMessage when msg is longer than maxLen.
func AppendFrame(dst []byte, msg Message, maxLen int) ([]byte, error) {
	if len(msg) > maxLen {
		return dst, errors.Wrapf(ErrInvalidMessage, "message length %d exceeds maximum %d", len(msg), maxLen)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(msg)))
	return append(dst, msg...), nil
}

// EncodeFrame returns the frame encoding of msg.
func EncodeFrame(msg Message, maxLen int) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(msg)), msg, maxLen)
}

// DecodeFrame decodes the first frame in b and returns the message together
// with the number of bytes consumed. It returns io.ErrUnexpectedEOF when b
// does not hold a complete frame yet.
func DecodeFrame(b []byte, maxLen int) (Message, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(maxLen) {
		return nil, 0, errors.Wrapf(ErrProtocolViolation, "declared length %d exceeds maximum %d", n, maxLen)
	}
	end := HeaderSize + int(n)
	if len(b) < end {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return Message(b[HeaderSize:end]).Clone(), end, nil
}

// phase is the position of the decoder inside the current frame.
type phase int

const (
	// phaseLength waits for the 4-byte length prefix.
	phaseLength phase = iota
	// phasePayload waits for the declared number of payload bytes.
	phasePayload
)

func (p phase) String() string {
	switch p {
	case phaseLength:
		return "length"
	case phasePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// decoder accumulates stream bytes and cuts them into messages.
// It is shared by the blocking and non-blocking transports: the only
// difference between the two is who calls fill and when.
//
// Unparsed bytes live in buf[off:]. They are never dropped or re-read across
// calls, whatever the chunk boundaries are.
type decoder struct {
	maxLen int
	chunk  int

	buf   []byte
	off   int
	phase phase
	need  int
	err   error
}

func newDecoder(maxLen, chunk int) *decoder {
	return &decoder{maxLen: maxLen, chunk: chunk}
}

// buffered returns the number of received bytes not yet parsed.
func (d *decoder) buffered() int {
	return len(d.buf) - d.off
}

// midFrame reports whether part of a frame has been received.
func (d *decoder) midFrame() bool {
	return d.buffered() > 0 || d.phase == phasePayload
}

// next parses one message out of the buffered bytes. ok is false when more
// bytes are needed. Once a protocol violation has been seen every later call
// returns the same error.
func (d *decoder) next() (msg Message, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}

	for {
		switch d.phase {
		case phaseLength:
			if d.buffered() < HeaderSize {
				return nil, false, nil
			}
			n := binary.BigEndian.Uint32(d.buf[d.off:])
			if uint64(n) > uint64(d.maxLen) {
				d.err = errors.Wrapf(ErrProtocolViolation, "declared length %d exceeds maximum %d", n, d.maxLen)
				return nil, false, d.err
			}
			d.off += HeaderSize
			d.need = int(n)
			d.phase = phasePayload

		case phasePayload:
			if d.buffered() < d.need {
				return nil, false, nil
			}
			msg = make(Message, d.need)
			copy(msg, d.buf[d.off:d.off+d.need])
			d.off += d.need
			d.need = 0
			d.phase = phaseLength
			if d.buffered() == 0 {
				d.release()
			}
			return msg, true, nil
		}
	}
}

// write appends p to the unparsed bytes.
func (d *decoder) write(p []byte) {
	d.reserve(len(p))
	d.buf = append(d.buf, p...)
}

// fill reads once from read into the free space of the buffer.
func (d *decoder) fill(read func([]byte) (int, error)) (int, error) {
	want := d.chunk
	if d.phase == phasePayload {
		if missing := d.need - d.buffered(); missing > want {
			want = missing
		}
	}
	d.reserve(want)

	n, err := read(d.buf[len(d.buf):cap(d.buf)])
	if n > 0 {
		d.buf = d.buf[:len(d.buf)+n]
	}
	return n, err
}

// reserve makes room for at least n more bytes, moving unparsed bytes to the
// front of the buffer first.
func (d *decoder) reserve(n int) {
	if d.off > 0 {
		m := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:m]
		d.off = 0
	}
	if cap(d.buf)-len(d.buf) >= n {
		return
	}
	grown := make([]byte, len(d.buf), len(d.buf)+n)
	copy(grown, d.buf)
	d.buf = grown
}

// release drops a buffer that grew well beyond the read chunk size.
func (d *decoder) release() {
	d.off = 0
	if cap(d.buf) > 4*d.chunk {
		d.buf = nil
		return
	}
	d.buf = d.buf[:0]
}
