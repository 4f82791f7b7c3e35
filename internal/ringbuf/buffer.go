// Package ringbuf implements the fixed-capacity byte ring that sits between
// a connection's descriptor and the message codec.
//
// One byte of storage is sacrificed so that the two cursors alone tell an
// empty buffer from a full one: Len() == (size - r + w) % size and the usable
// capacity is size-1.
package ringbuf

import "io"

// Buffer is a single-producer, single-consumer circular byte buffer.
// It is not safe for concurrent use; every connection owns its buffers and
// touches them only from the reactor goroutine.
type Buffer struct {
	storage []byte
	w       int // next byte to write
	r       int // oldest unread byte
}

// New creates a buffer backed by size bytes of storage. The usable capacity
// is size-1. Sizes below 2 are raised to 2 so the buffer can hold one byte.
func New(size int) *Buffer {
	size = max(size, 2)
	return &Buffer{storage: make([]byte, size)}
}

// Cap returns the maximum number of bytes the buffer can hold.
func (b *Buffer) Cap() int { return len(b.storage) - 1 }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	size := len(b.storage)
	return (size - b.r + b.w) % size
}

// Avail returns the number of bytes that can be written before the buffer is full.
func (b *Buffer) Avail() int { return b.Cap() - b.Len() }

// Reset discards all content.
func (b *Buffer) Reset() {
	b.w = 0
	b.r = 0
}

// PeekByte returns the oldest unread byte without consuming it.
func (b *Buffer) PeekByte() (byte, bool) {
	if b.w == b.r {
		return 0, false
	}
	return b.storage[b.r], true
}

// Write copies up to len(src) bytes into the buffer and returns the number
// copied, which is min(len(src), Avail()).
func (b *Buffer) Write(src []byte) int {
	n := min(len(src), b.Avail())
	first := min(n, len(b.storage)-b.w)
	copy(b.storage[b.w:], src[:first])
	copy(b.storage, src[first:n])
	b.w = (b.w + n) % len(b.storage)
	return n
}

// Read copies up to len(dst) of the oldest bytes into dst, consuming them.
// Returns the number copied, which is min(len(dst), Len()).
func (b *Buffer) Read(dst []byte) int {
	n := min(len(dst), b.Len())
	first := min(n, len(b.storage)-b.r)
	copy(dst, b.storage[b.r:b.r+first])
	copy(dst[first:n], b.storage)
	b.r = (b.r + n) % len(b.storage)
	return n
}

// Peek copies up to len(dst) of the oldest bytes into dst without
// consuming them.
func (b *Buffer) Peek(dst []byte) int {
	return b.PeekAt(0, dst)
}

// PeekAt is Peek starting off bytes past the oldest unread byte.
func (b *Buffer) PeekAt(off int, dst []byte) int {
	off = min(max(off, 0), b.Len())
	n := min(len(dst), b.Len()-off)
	start := (b.r + off) % len(b.storage)
	first := min(n, len(b.storage)-start)
	copy(dst, b.storage[start:start+first])
	copy(dst[first:n], b.storage)
	return n
}

// Discard drops up to n of the oldest bytes without copying them.
func (b *Buffer) Discard(n int) int {
	n = min(max(n, 0), b.Len())
	b.r = (b.r + n) % len(b.storage)
	return n
}

// TakeContiguous consumes the n oldest bytes and returns them as a view into
// the buffer's storage, but only when they do not straddle the physical end
// of storage. Otherwise it returns nil and consumes nothing, so the caller
// can fall back to Read.
//
// The returned slice aliases storage and is valid only until the next call
// that writes to the buffer.
func (b *Buffer) TakeContiguous(n int) []byte {
	if n <= 0 || n > b.Len() {
		return nil
	}
	if b.r+n > len(b.storage) {
		return nil
	}
	p := b.storage[b.r : b.r+n : b.r+n]
	b.r = (b.r + n) % len(b.storage)
	return p
}

// ReadFrom fills up to n bytes of free space by reading directly from r into
// storage. When the free region wraps, it issues at most two reads; a short
// first read ends the call.
//
// A zero count with io.EOF means the stream ended. Errors from r (including
// a would-block sentinel) are returned unchanged when nothing was read. If
// the first read moved bytes and the second fails, the bytes are kept and
// the error is left for the next call to surface.
func (b *Buffer) ReadFrom(r io.Reader, n int) (int, error) {
	n = min(n, b.Avail())
	if n <= 0 {
		return 0, nil
	}
	first := min(n, len(b.storage)-b.w)
	total, err := r.Read(b.storage[b.w : b.w+first])
	if total < 0 || total > first {
		return 0, io.ErrNoProgress
	}
	b.w = (b.w + total) % len(b.storage)
	if err != nil {
		if total > 0 {
			return total, nil
		}
		return 0, err
	}
	if total < first || n == first {
		return total, nil
	}

	// b.w wrapped to 0; read the remainder into the start of storage.
	// An error here is dropped; r reports it again on the next call.
	m, _ := r.Read(b.storage[:n-first])
	if m < 0 || m > n-first {
		return total, nil
	}
	b.w = (b.w + m) % len(b.storage)
	return total + m, nil
}

// WriteTo writes up to n of the oldest bytes directly from storage to w and
// consumes exactly the bytes w accepted. Wrapping and error handling mirror
// ReadFrom.
func (b *Buffer) WriteTo(w io.Writer, n int) (int, error) {
	n = min(n, b.Len())
	if n <= 0 {
		return 0, nil
	}
	first := min(n, len(b.storage)-b.r)
	total, err := w.Write(b.storage[b.r : b.r+first])
	if total < 0 || total > first {
		return 0, io.ErrShortWrite
	}
	b.r = (b.r + total) % len(b.storage)
	if err != nil {
		if total > 0 {
			return total, nil
		}
		return 0, err
	}
	if total < first || n == first {
		return total, nil
	}

	// An error here is dropped; w reports it again on the next call.
	m, _ := w.Write(b.storage[:n-first])
	if m < 0 || m > n-first {
		return total, nil
	}
	b.r = (b.r + m) % len(b.storage)
	return total + m, nil
}
