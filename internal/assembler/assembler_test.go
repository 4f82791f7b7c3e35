package assembler

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chronologos/gpuwire/internal/protocol"
)

var errWouldBlock = errors.New("would block")

// chokeWriter accepts budget bytes, then reports would-block.
type chokeWriter struct {
	buf    bytes.Buffer
	budget int
}

func (w *chokeWriter) Write(p []byte) (int, error) {
	if w.budget <= 0 {
		return 0, errWouldBlock
	}
	n := min(len(p), w.budget)
	w.budget -= n
	w.buf.Write(p[:n])
	return n, nil
}

func drainAll(t *testing.T, a *Assembler) []byte {
	t.Helper()
	var out bytes.Buffer
	for a.Draining() {
		if _, err := a.Drain(&out); err != nil {
			t.Fatal(err)
		}
	}
	return out.Bytes()
}

func TestFlushStampsHeader(t *testing.T) {
	notified := 0
	a := New(64, func() { notified++ })

	if err := a.Append([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}
	if notified != 1 {
		t.Fatalf("notify calls: got %d, want 1", notified)
	}

	got := drainAll(t, a)
	want := append(protocol.PutChunkHeader(nil, 5), "hello"...)
	if !bytes.Equal(got, want) {
		t.Fatalf("drained %x, want %x", got, want)
	}
	if a.Draining() {
		t.Fatal("assembler should be idle after full drain")
	}
}

func TestFlushedPayload(t *testing.T) {
	a := New(64, nil)
	if a.Flushed() != nil {
		t.Fatal("idle assembler has no flushed payload")
	}
	a.Append([]byte("draw"))
	a.Flush()
	if got := string(a.Flushed()); got != "draw" {
		t.Fatalf("Flushed: got %q", got)
	}
	a.Append([]byte("next"))
	if got := string(a.Flushed()); got != "draw" {
		t.Fatalf("Flushed after new append: got %q", got)
	}
	drainAll(t, a)
	if a.Flushed() != nil {
		t.Fatal("Flushed should be nil after the drain completes")
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	notified := 0
	a := New(64, func() { notified++ })
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}
	if notified != 0 || a.Draining() {
		t.Fatal("empty flush must not queue anything")
	}
	if _, err := a.Reserve(0); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(); err != nil || a.Draining() {
		t.Fatal("zero-size reservation must not produce a chunk")
	}
}

func TestReserveBackpressure(t *testing.T) {
	const ceiling = 16
	a := New(ceiling, nil)

	if _, err := a.Reserve(ceiling + 1); !errors.Is(err, ErrExceedsCeiling) {
		t.Fatalf("oversized: got %v, want ErrExceedsCeiling", err)
	}
	if _, err := a.Reserve(10); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Reserve(7); !errors.Is(err, ErrBatchFull) {
		t.Fatalf("overflow: got %v, want ErrBatchFull", err)
	}
	if a.Buffered() != 10 {
		t.Fatalf("failed reserve changed the batch: buffered=%d", a.Buffered())
	}
	if _, err := a.Reserve(6); err != nil {
		t.Fatalf("exact fill: %v", err)
	}
	if a.Buffered() != ceiling {
		t.Fatalf("buffered: got %d, want %d", a.Buffered(), ceiling)
	}
}

func TestFlushWhileDraining(t *testing.T) {
	a := New(16, nil)
	a.Append([]byte("one"))
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}

	// The next batch can be assembled while the first drains.
	if err := a.Append([]byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("got %v, want ErrDrainInProgress", err)
	}
	if a.Buffered() != 3 {
		t.Fatal("refused flush must keep the active batch")
	}

	first := drainAll(t, a)
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}
	second := drainAll(t, a)

	if string(first[protocol.ChunkHeaderSize:]) != "one" || string(second[protocol.ChunkHeaderSize:]) != "two" {
		t.Fatalf("batches: %q then %q", first, second)
	}
}

func TestDoubleBufferIsolation(t *testing.T) {
	a := New(8, nil)
	a.Append([]byte("AAAA"))
	a.Flush()

	// Writing into the new active buffer must not touch the draining one.
	p, err := a.Reserve(8)
	if err != nil {
		t.Fatal(err)
	}
	for i := range p {
		p[i] = 'B'
	}
	got := drainAll(t, a)
	if string(got[protocol.ChunkHeaderSize:]) != "AAAA" {
		t.Fatalf("draining batch corrupted: %q", got)
	}
}

func TestPartialDrain(t *testing.T) {
	a := New(32, nil)
	a.Append([]byte("partial-drain"))
	a.Flush()
	total := protocol.ChunkHeaderSize + len("partial-drain")

	w := &chokeWriter{budget: 4}
	n, err := a.Drain(w)
	if err != nil || n != 4 {
		t.Fatalf("first drain: n=%d err=%v", n, err)
	}
	if _, err := a.Drain(w); !errors.Is(err, errWouldBlock) {
		t.Fatalf("blocked drain: got %v", err)
	}
	if !a.Draining() {
		t.Fatal("drain incomplete, should still be draining")
	}

	w.budget = 100
	n, err = a.Drain(w)
	if err != nil || n != total-4 {
		t.Fatalf("final drain: n=%d err=%v", n, err)
	}
	if a.Draining() {
		t.Fatal("should be idle")
	}
	if got := w.buf.Len(); got != total {
		t.Fatalf("wrote %d bytes, want %d", got, total)
	}
}

func TestReset(t *testing.T) {
	a := New(16, nil)
	a.Append([]byte("x"))
	a.Flush()
	a.Append([]byte("y"))
	a.Reset()
	if a.Draining() || a.Buffered() != 0 {
		t.Fatal("Reset must clear both buffers")
	}
}
