// Package assembler builds outbound command chunks in place.
//
// Two buffers alternate roles. The producer fills the active one through
// Reserve; Flush stamps the chunk header, hands that buffer to the driver
// for draining, and gives the producer the other one. A new batch can be
// assembled while the previous one is still leaving the socket, but only
// one batch can be in flight: Flush refuses while a drain is unfinished.
//
// Each buffer is laid out as
//
//	'D' | u32 big-endian length | payload (<= ceiling bytes)
//
// so a drained buffer is exactly one wire message.
package assembler

import (
	"errors"
	"io"

	"github.com/chronologos/gpuwire/internal/protocol"
)

const headerSize = protocol.ChunkHeaderSize

var (
	// ErrExceedsCeiling means the request can never fit in a chunk.
	ErrExceedsCeiling = errors.New("reservation exceeds chunk ceiling")
	// ErrBatchFull means the active batch has no room; flush and retry.
	ErrBatchFull = errors.New("command batch full")
	// ErrDrainInProgress means the previous flush has not left the socket yet.
	ErrDrainInProgress = errors.New("previous command batch still draining")
)

// Assembler is owned by one connection and used from the reactor goroutine.
type Assembler struct {
	ceiling int
	notify  func()

	active       []byte
	activeLength int // includes the header baseline

	draining       []byte
	drainingLength int // 0 when idle
	drainingOffset int
}

// New creates an assembler for chunks of at most ceiling payload bytes.
// notify, if non-nil, is called after every successful non-empty Flush.
func New(ceiling int, notify func()) *Assembler {
	return &Assembler{
		ceiling:      ceiling,
		notify:       notify,
		active:       make([]byte, ceiling+headerSize),
		draining:     make([]byte, ceiling+headerSize),
		activeLength: headerSize,
	}
}

// Ceiling returns the maximum payload of one chunk.
func (a *Assembler) Ceiling() int { return a.ceiling }

// Reserve returns a size-byte region of the active batch for the caller to
// fill. The region is valid until the next Flush or Reset. On error the
// batch is unchanged.
func (a *Assembler) Reserve(size int) ([]byte, error) {
	if size < 0 || size > a.ceiling {
		return nil, ErrExceedsCeiling
	}
	if a.activeLength+size > len(a.active) {
		return nil, ErrBatchFull
	}
	p := a.active[a.activeLength : a.activeLength+size : a.activeLength+size]
	a.activeLength += size
	return p, nil
}

// Append copies p into the active batch.
func (a *Assembler) Append(p []byte) error {
	dst, err := a.Reserve(len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// Buffered returns the payload bytes in the active batch.
func (a *Assembler) Buffered() int { return a.activeLength - headerSize }

// Flush seals the active batch and queues it for draining. Flushing an empty
// batch is a no-op; nothing is sent.
func (a *Assembler) Flush() error {
	if a.activeLength == headerSize {
		return nil
	}
	if a.drainingLength != 0 {
		return ErrDrainInProgress
	}

	protocol.PutChunkHeader(a.active[:0], a.activeLength-headerSize)
	a.active, a.draining = a.draining, a.active
	a.drainingLength = a.activeLength
	a.drainingOffset = 0
	a.activeLength = headerSize

	if a.notify != nil {
		a.notify()
	}
	return nil
}

// Flushed returns the payload of the batch being drained, or nil when idle.
// The slice is valid until the drain completes.
func (a *Assembler) Flushed() []byte {
	if a.drainingLength == 0 {
		return nil
	}
	return a.draining[headerSize:a.drainingLength]
}

// Draining reports whether a flushed batch still has bytes to write.
func (a *Assembler) Draining() bool { return a.drainingLength != 0 }

// Drain writes as much of the flushed batch as w accepts. It returns the
// number of bytes written; errors from w (including would-block) are
// returned as is when nothing was written.
func (a *Assembler) Drain(w io.Writer) (int, error) {
	if a.drainingLength == 0 {
		return 0, nil
	}
	n, err := w.Write(a.draining[a.drainingOffset:a.drainingLength])
	if n < 0 || n > a.drainingLength-a.drainingOffset {
		return 0, io.ErrShortWrite
	}
	a.drainingOffset += n
	if a.drainingOffset == a.drainingLength {
		a.drainingLength = 0
		a.drainingOffset = 0
	}
	if n > 0 {
		return n, nil
	}
	return 0, err
}

// Reset drops both the active batch and any unfinished drain.
func (a *Assembler) Reset() {
	a.activeLength = headerSize
	a.drainingLength = 0
	a.drainingOffset = 0
}
