package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPayloadTooLarge = errors.New("command chunk exceeds ceiling")
	ErrEmptyChunk      = errors.New("command chunk has zero length")
	ErrUnknownMessage  = errors.New("unknown message tag")
	ErrShortPayload    = errors.New("payload too short for message type")
)

// --- Message types ---

type FrameSignal struct{}

// FramebufferInfo describes the consumer's display surface.
type FramebufferInfo struct {
	Width  uint32
	Height uint32
	Format PixelFormat
	Usage  TextureUsage
	// Scale is the display scale as a fixed-point fraction; ScaleUnity is 100%.
	Scale uint16
}

// Handle identifies a client-side object reserved for injection on the
// consumer side.
type Handle struct {
	ID         uint32
	Generation uint32
}

// Reservation names the swapchain and the device that owns it.
type Reservation struct {
	Swapchain Handle
	Device    Handle
}

// CommandChunk carries one opaque command batch.
type CommandChunk struct {
	Payload []byte
}

// --- Encoding ---

// EncodedSize returns the number of bytes msg occupies on the wire, or -1
// for an unsupported type.
func EncodedSize(msg any) int {
	switch m := msg.(type) {
	case *FrameSignal:
		return 1
	case *FramebufferInfo:
		return 1 + FramebufferInfoSize
	case *Reservation:
		return 1 + ReservationSize
	case *CommandChunk:
		return ChunkHeaderSize + len(m.Payload)
	default:
		return -1
	}
}

// AppendMessage appends the wire encoding of msg to dst. Command chunks are
// only checked against MaxChunkCeiling; the per-connection ceiling is
// enforced by the assembler on the way out and the decoder on the way in.
func AppendMessage(dst []byte, msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *FrameSignal:
		return append(dst, byte(TagFrameSignal)), nil
	case *FramebufferInfo:
		dst = append(dst, byte(TagFramebufferInfo))
		dst = binary.BigEndian.AppendUint32(dst, m.Width)
		dst = binary.BigEndian.AppendUint32(dst, m.Height)
		dst = binary.BigEndian.AppendUint32(dst, uint32(m.Format))
		dst = binary.BigEndian.AppendUint32(dst, uint32(m.Usage))
		dst = binary.BigEndian.AppendUint16(dst, m.Scale)
		return dst, nil
	case *Reservation:
		dst = append(dst, byte(TagReservation))
		dst = binary.BigEndian.AppendUint32(dst, m.Swapchain.ID)
		dst = binary.BigEndian.AppendUint32(dst, m.Swapchain.Generation)
		dst = binary.BigEndian.AppendUint32(dst, m.Device.ID)
		dst = binary.BigEndian.AppendUint32(dst, m.Device.Generation)
		return dst, nil
	case *CommandChunk:
		if len(m.Payload) == 0 {
			return dst, ErrEmptyChunk
		}
		if len(m.Payload) > MaxChunkCeiling {
			return dst, ErrPayloadTooLarge
		}
		dst = PutChunkHeader(dst, len(m.Payload))
		return append(dst, m.Payload...), nil
	default:
		return dst, fmt.Errorf("unsupported message type: %T", msg)
	}
}

// PutChunkHeader appends a command chunk header declaring n payload bytes.
func PutChunkHeader(dst []byte, n int) []byte {
	dst = append(dst, byte(TagCommandChunk))
	return binary.BigEndian.AppendUint32(dst, uint32(n))
}

// WriteMessage writes msg to a blocking writer. Fixed-size messages encode
// into a stack buffer; command chunks write the header and payload
// separately so the payload is never copied.
func WriteMessage(w io.Writer, msg any) error {
	if c, ok := msg.(*CommandChunk); ok {
		if len(c.Payload) == 0 {
			return ErrEmptyChunk
		}
		if len(c.Payload) > MaxChunkCeiling {
			return ErrPayloadTooLarge
		}
		var hdr [ChunkHeaderSize]byte
		if _, err := w.Write(PutChunkHeader(hdr[:0], len(c.Payload))); err != nil {
			return err
		}
		_, err := w.Write(c.Payload)
		return err
	}

	var scratch [1 + FramebufferInfoSize]byte
	buf, err := AppendMessage(scratch[:0], msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// --- Decoding ---

// ReadMessage reads one message from a blocking reader. Chunks longer than
// ceiling are rejected before their payload is read.
func ReadMessage(r io.Reader, ceiling int) (any, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	switch t := Tag(tag[0]); t {
	case TagFrameSignal:
		return &FrameSignal{}, nil
	case TagFramebufferInfo, TagReservation:
		payload := make([]byte, fixedSize(t))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return DecodePayload(t, payload)
	case TagCommandChunk:
		var lenBuf [ChunkLengthSize]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n, err := checkChunkLength(binary.BigEndian.Uint32(lenBuf[:]), ceiling)
		if err != nil {
			return nil, err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return &CommandChunk{Payload: payload}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, tag[0])
	}
}

// DecodePayload decodes the payload of a fixed-size message.
func DecodePayload(tag Tag, payload []byte) (any, error) {
	switch tag {
	case TagFrameSignal:
		return &FrameSignal{}, nil

	case TagFramebufferInfo:
		if len(payload) < FramebufferInfoSize {
			return nil, ErrShortPayload
		}
		return &FramebufferInfo{
			Width:  binary.BigEndian.Uint32(payload[0:4]),
			Height: binary.BigEndian.Uint32(payload[4:8]),
			Format: PixelFormat(binary.BigEndian.Uint32(payload[8:12])),
			Usage:  TextureUsage(binary.BigEndian.Uint32(payload[12:16])),
			Scale:  binary.BigEndian.Uint16(payload[16:18]),
		}, nil

	case TagReservation:
		if len(payload) < ReservationSize {
			return nil, ErrShortPayload
		}
		return &Reservation{
			Swapchain: Handle{
				ID:         binary.BigEndian.Uint32(payload[0:4]),
				Generation: binary.BigEndian.Uint32(payload[4:8]),
			},
			Device: Handle{
				ID:         binary.BigEndian.Uint32(payload[8:12]),
				Generation: binary.BigEndian.Uint32(payload[12:16]),
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(tag))
	}
}

// fixedSize returns the payload size of a fixed-size tag, or -1.
func fixedSize(tag Tag) int {
	switch tag {
	case TagFrameSignal:
		return 0
	case TagFramebufferInfo:
		return FramebufferInfoSize
	case TagReservation:
		return ReservationSize
	default:
		return -1
	}
}

func checkChunkLength(n uint32, ceiling int) (int, error) {
	if n == 0 {
		return 0, ErrEmptyChunk
	}
	if uint64(n) > uint64(ceiling) {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, ceiling)
	}
	return int(n), nil
}
