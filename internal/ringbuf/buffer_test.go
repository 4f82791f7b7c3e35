package ringbuf

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

var errWouldBlock = errors.New("would block")

// scriptedReader returns at most limit bytes per Read call from data, then
// errAtEnd once data is exhausted.
type scriptedReader struct {
	data     []byte
	limit    int
	errAtEnd error
	calls    int
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	r.calls++
	if len(r.data) == 0 {
		return 0, r.errAtEnd
	}
	n := min(len(p), len(r.data))
	if r.limit > 0 {
		n = min(n, r.limit)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// limitedWriter accepts at most budget bytes in total, then returns err.
type limitedWriter struct {
	buf    bytes.Buffer
	budget int
	err    error
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.budget <= 0 {
		return 0, w.err
	}
	n := min(len(p), w.budget)
	w.budget -= n
	w.buf.Write(p[:n])
	return n, nil
}

func TestCapacityIsSizeMinusOne(t *testing.T) {
	b := New(16)
	if b.Cap() != 15 {
		t.Fatalf("Cap: got %d, want 15", b.Cap())
	}
	if n := b.Write(make([]byte, 100)); n != 15 {
		t.Fatalf("Write clamp: got %d, want 15", n)
	}
	if b.Avail() != 0 || b.Len() != 15 {
		t.Fatalf("full buffer: len=%d avail=%d", b.Len(), b.Avail())
	}
	if n := b.Write([]byte("x")); n != 0 {
		t.Fatalf("write to full buffer copied %d bytes", n)
	}
}

func TestWriteReadRoundTripAcrossWraps(t *testing.T) {
	b := New(37)
	rng := rand.New(rand.NewSource(1))

	var written, read bytes.Buffer
	var next byte
	for range 2000 {
		// Write a random amount that fits, then read a random amount back.
		wn := rng.Intn(b.Avail() + 1)
		chunk := make([]byte, wn)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		if got := b.Write(chunk); got != wn {
			t.Fatalf("Write: got %d, want %d", got, wn)
		}
		written.Write(chunk)

		rn := rng.Intn(b.Len() + 1)
		out := make([]byte, rn)
		if got := b.Read(out); got != rn {
			t.Fatalf("Read: got %d, want %d", got, rn)
		}
		read.Write(out)
	}
	rest := make([]byte, b.Len())
	b.Read(rest)
	read.Write(rest)

	if !bytes.Equal(written.Bytes(), read.Bytes()) {
		t.Fatal("bytes read back differ from bytes written")
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, len=%d", b.Len())
	}
}

func TestWrapAtStorageEdge(t *testing.T) {
	b := New(8)
	first := []byte("abcdefg") // capacity-1 == 7 bytes
	if n := b.Write(first); n != 7 {
		t.Fatalf("Write: got %d, want 7", n)
	}
	out := make([]byte, 7)
	if n := b.Read(out); n != 7 || !bytes.Equal(out, first) {
		t.Fatalf("Read: got %q (%d)", out[:n], n)
	}

	second := []byte("hijklmn")
	if n := b.Write(second); n != 7 {
		t.Fatalf("second Write: got %d, want 7", n)
	}
	if n := b.Read(out); n != 7 || !bytes.Equal(out, second) {
		t.Fatalf("second Read: got %q (%d)", out[:n], n)
	}
}

func TestDiscard(t *testing.T) {
	b := New(8)
	b.Write([]byte("hello"))
	if n := b.Discard(2); n != 2 {
		t.Fatalf("Discard: got %d, want 2", n)
	}
	if n := b.Discard(100); n != 3 {
		t.Fatalf("Discard clamp: got %d, want 3", n)
	}
	if b.Len() != 0 {
		t.Fatalf("len after discard: %d", b.Len())
	}
}

func TestPeekByte(t *testing.T) {
	b := New(4)
	if _, ok := b.PeekByte(); ok {
		t.Fatal("PeekByte on empty buffer should report false")
	}
	b.Write([]byte("F"))
	c, ok := b.PeekByte()
	if !ok || c != 'F' {
		t.Fatalf("PeekByte: got %q %v", c, ok)
	}
	if b.Len() != 1 {
		t.Fatal("PeekByte must not consume")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)
	b.Write([]byte("abcdef")) // wraps

	out := make([]byte, 10)
	if n := b.Peek(out); n != 6 || string(out[:n]) != "abcdef" {
		t.Fatalf("Peek: got %q", out[:n])
	}
	if b.Len() != 6 {
		t.Fatalf("Peek consumed bytes, len=%d", b.Len())
	}
}

func TestTakeContiguousExactness(t *testing.T) {
	const size = 10
	for start := range size {
		for n := 1; n < size; n++ {
			b := New(size)
			// Advance both cursors to start.
			b.Write(make([]byte, start))
			b.Discard(start)

			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte('a' + i)
			}
			b.Write(payload)

			straddles := start+n > size
			ref := b.TakeContiguous(n)
			if straddles {
				if ref != nil {
					t.Fatalf("start=%d n=%d: expected nil for straddling range", start, n)
				}
				out := make([]byte, n)
				if got := b.Read(out); got != n || !bytes.Equal(out, payload) {
					t.Fatalf("start=%d n=%d: fallback Read got %q", start, n, out[:got])
				}
				continue
			}
			if !bytes.Equal(ref, payload) {
				t.Fatalf("start=%d n=%d: got %q, want %q", start, n, ref, payload)
			}
			if b.Len() != 0 {
				t.Fatalf("start=%d n=%d: TakeContiguous did not consume", start, n)
			}
		}
	}
}

func TestTakeContiguousRejectsMoreThanLen(t *testing.T) {
	b := New(16)
	b.Write([]byte("abc"))
	if b.TakeContiguous(4) != nil {
		t.Fatal("expected nil when asking for more than Len")
	}
	if b.TakeContiguous(0) != nil {
		t.Fatal("expected nil for zero-length request")
	}
	if b.Len() != 3 {
		t.Fatal("failed TakeContiguous must not consume")
	}
}

func TestReadFromWrapsWithTwoReads(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5) // cursors at 5; free region wraps after 3 bytes

	r := &scriptedReader{data: []byte("abcdefg")}
	n, err := b.ReadFrom(r, b.Avail())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != 7 {
		t.Fatalf("ReadFrom: got %d, want 7", n)
	}
	if r.calls != 2 {
		t.Fatalf("expected 2 reads across the wrap, got %d", r.calls)
	}
	out := make([]byte, 7)
	b.Read(out)
	if string(out) != "abcdefg" {
		t.Fatalf("got %q", out)
	}
}

func TestReadFromShortFirstReadStops(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)

	r := &scriptedReader{data: []byte("abcdefg"), limit: 2}
	n, err := b.ReadFrom(r, b.Avail())
	if err != nil || n != 2 {
		t.Fatalf("ReadFrom: n=%d err=%v", n, err)
	}
	if r.calls != 1 {
		t.Fatalf("expected a single read after a short read, got %d", r.calls)
	}
}

func TestReadFromEOFAndWouldBlock(t *testing.T) {
	b := New(8)
	n, err := b.ReadFrom(&scriptedReader{errAtEnd: io.EOF}, 4)
	if n != 0 || err != io.EOF {
		t.Fatalf("EOF: n=%d err=%v", n, err)
	}
	n, err = b.ReadFrom(&scriptedReader{errAtEnd: errWouldBlock}, 4)
	if n != 0 || !errors.Is(err, errWouldBlock) {
		t.Fatalf("would block: n=%d err=%v", n, err)
	}
}

func TestReadFromKeepsBytesWhenSecondReadFails(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)

	r := &scriptedReader{data: []byte("abc"), errAtEnd: io.EOF}
	n, err := b.ReadFrom(r, b.Avail())
	if err != nil || n != 3 {
		t.Fatalf("ReadFrom: n=%d err=%v", n, err)
	}
	// The EOF surfaces on the next call.
	n, err = b.ReadFrom(r, b.Avail())
	if n != 0 || err != io.EOF {
		t.Fatalf("second ReadFrom: n=%d err=%v", n, err)
	}
}

func TestReadFromFullBufferIsNoop(t *testing.T) {
	b := New(4)
	b.Write([]byte("abc"))
	r := &scriptedReader{data: []byte("zzz")}
	n, err := b.ReadFrom(r, 10)
	if n != 0 || err != nil || r.calls != 0 {
		t.Fatalf("full buffer: n=%d err=%v calls=%d", n, err, r.calls)
	}
}

func TestWriteToPartialAndWrap(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)
	b.Write([]byte("abcdefg")) // stored as [5..7] + [0..3]

	w := &limitedWriter{budget: 4, err: errWouldBlock}
	n, err := b.WriteTo(w, b.Len())
	if err != nil || n != 4 {
		t.Fatalf("WriteTo: n=%d err=%v", n, err)
	}
	if b.Len() != 3 {
		t.Fatalf("WriteTo must consume exactly the accepted bytes, len=%d", b.Len())
	}

	n, err = b.WriteTo(w, b.Len())
	if n != 0 || !errors.Is(err, errWouldBlock) {
		t.Fatalf("blocked WriteTo: n=%d err=%v", n, err)
	}

	w.budget = 100
	n, err = b.WriteTo(w, b.Len())
	if err != nil || n != 3 {
		t.Fatalf("final WriteTo: n=%d err=%v", n, err)
	}
	if got := w.buf.String(); got != "abcdefg" {
		t.Fatalf("written bytes: got %q", got)
	}
}

func TestWriteToKeepsBytesWhenSecondWriteFails(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)
	b.Write([]byte("abcdef")) // stored as [5..7] + [0..2]

	errBroken := errors.New("broken pipe")
	w := &limitedWriter{budget: 3, err: errBroken}
	n, err := b.WriteTo(w, b.Len())
	if err != nil || n != 3 {
		t.Fatalf("WriteTo: n=%d err=%v", n, err)
	}
	// The failure surfaces on the next call without consuming anything.
	n, err = b.WriteTo(w, b.Len())
	if n != 0 || !errors.Is(err, errBroken) {
		t.Fatalf("second WriteTo: n=%d err=%v", n, err)
	}
	if b.Len() != 3 {
		t.Fatalf("len after failed write: %d", b.Len())
	}
}

func TestPeekAtAcrossWrap(t *testing.T) {
	b := New(8)
	b.Write([]byte("xxxxx"))
	b.Discard(5)
	b.Write([]byte("abcdefg")) // stored as [5..7] + [0..3]

	tests := []struct {
		off  int
		size int
		want string
	}{
		{0, 7, "abcdefg"},
		{2, 3, "cde"},
		{4, 3, "efg"},
		{5, 10, "fg"},
		{7, 4, ""},
		{9, 4, ""},
	}
	for _, tt := range tests {
		dst := make([]byte, tt.size)
		n := b.PeekAt(tt.off, dst)
		if got := string(dst[:n]); got != tt.want {
			t.Fatalf("PeekAt(%d, %d) = %q, want %q", tt.off, tt.size, got, tt.want)
		}
	}
	if b.Len() != 7 {
		t.Fatalf("PeekAt consumed bytes, len=%d", b.Len())
	}
}

func TestReset(t *testing.T) {
	b := New(8)
	b.Write([]byte("abc"))
	b.Reset()
	if b.Len() != 0 || b.Avail() != 7 {
		t.Fatalf("after Reset: len=%d avail=%d", b.Len(), b.Avail())
	}
}
