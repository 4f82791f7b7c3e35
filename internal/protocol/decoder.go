package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/chronologos/gpuwire/internal/ringbuf"
)

// Handler receives decoded inbound messages. Callbacks run on the reactor
// goroutine. The slice passed to OnCommandChunk aliases connection-owned
// memory and is valid only until the callback returns.
type Handler interface {
	OnFrameSignal()
	OnFramebufferInfo(info FramebufferInfo)
	OnReservation(r Reservation)
	OnCommandChunk(payload []byte)
}

// CloseHandler is an optional interface for handlers that want to learn
// when their connection stops. err is nil for a local Stop.
type CloseHandler interface {
	OnClose(err error)
}

// ProtocolError is a fatal violation of the wire format. The connection
// that produced it must be torn down.
type ProtocolError struct {
	Tag byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (tag 0x%02x): %v", e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decoder parses messages out of an inbound ring buffer. It carries the
// partial-chunk state between reads: while pending is non-zero every
// buffered byte belongs to the current chunk body.
type Decoder struct {
	ceiling int
	pending int
	scratch []byte // ceiling bytes, allocated on first straddling chunk
}

// NewDecoder returns a decoder that rejects chunks longer than ceiling.
func NewDecoder(ceiling int) *Decoder {
	return &Decoder{ceiling: ceiling}
}

// Pending returns the number of chunk body bytes still expected, or zero
// when the decoder is waiting for a tag.
func (d *Decoder) Pending() int { return d.pending }

// Reset drops any partial-chunk state.
func (d *Decoder) Reset() { d.pending = 0 }

// Next consumes at most one message (or one chunk header) from buf and
// dispatches it to h. It reports false when buf does not yet hold enough
// bytes to make progress. A non-nil error is a *ProtocolError.
func (d *Decoder) Next(buf *ringbuf.Buffer, h Handler) (bool, error) {
	if d.pending > 0 {
		return d.chunkBody(buf, h), nil
	}

	tag, ok := buf.PeekByte()
	if !ok {
		return false, nil
	}

	switch Tag(tag) {
	case TagFrameSignal:
		buf.Discard(1)
		h.OnFrameSignal()
		return true, nil

	case TagFramebufferInfo, TagReservation:
		size := fixedSize(Tag(tag))
		if buf.Len() < 1+size {
			return false, nil
		}
		var scratch [1 + FramebufferInfoSize]byte
		buf.Read(scratch[:1+size])
		msg, err := DecodePayload(Tag(tag), scratch[1:1+size])
		if err != nil {
			return false, &ProtocolError{Tag: tag, Err: err}
		}
		switch m := msg.(type) {
		case *FramebufferInfo:
			h.OnFramebufferInfo(*m)
		case *Reservation:
			h.OnReservation(*m)
		}
		return true, nil

	case TagCommandChunk:
		if buf.Len() < ChunkHeaderSize {
			return false, nil
		}
		var hdr [ChunkHeaderSize]byte
		buf.Read(hdr[:])
		n, err := checkChunkLength(binary.BigEndian.Uint32(hdr[1:]), d.ceiling)
		if err != nil {
			return false, &ProtocolError{Tag: tag, Err: err}
		}
		d.pending = n
		return true, nil

	default:
		return false, &ProtocolError{Tag: tag, Err: ErrUnknownMessage}
	}
}

func (d *Decoder) chunkBody(buf *ringbuf.Buffer, h Handler) bool {
	n := d.pending
	if buf.Len() < n {
		return false
	}
	payload := buf.TakeContiguous(n)
	if payload == nil {
		if d.scratch == nil {
			d.scratch = make([]byte, d.ceiling)
		}
		payload = d.scratch[:n]
		buf.Read(payload)
	}
	d.pending = 0
	h.OnCommandChunk(payload)
	return true
}
