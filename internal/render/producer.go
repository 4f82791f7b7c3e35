package render

import (
	"encoding/binary"

	"github.com/chronologos/gpuwire/internal/protocol"
)

// Batch is the command batch being assembled for the current frame.
type Batch interface {
	// Reserve returns size bytes of the batch for the caller to fill.
	Reserve(size int) ([]byte, error)
	// Append copies p into the batch.
	Append(p []byte) error
	// Ceiling is the largest batch the display accepts.
	Ceiling() int
}

// Producer fills one command batch per frame signal. It runs on the loop
// goroutine and must not block.
type Producer interface {
	Frame(info protocol.FramebufferInfo, b Batch) error
}

// ReplyHandler is implemented by producers that consume command batches
// sent back by the display.
type ReplyHandler interface {
	Reply(payload []byte)
}

// PatternProducer emits a fixed-size batch per frame: an 8-byte frame
// counter followed by a repeating byte pattern derived from it.
type PatternProducer struct {
	Size  int
	frame uint64
}

func (p *PatternProducer) Frame(info protocol.FramebufferInfo, b Batch) error {
	p.frame++
	size := min(max(p.Size, 8), b.Ceiling())
	buf, err := b.Reserve(size)
	if err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], p.frame)
	n := copy(buf, hdr[:])
	seed := byte(p.frame) ^ byte(info.Width) ^ byte(info.Height)
	for i := n; i < len(buf); i++ {
		buf[i] = seed + byte(i)
	}
	return nil
}

// Frames returns the number of batches produced.
func (p *PatternProducer) Frames() uint64 { return p.frame }
