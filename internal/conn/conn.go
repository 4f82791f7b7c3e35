// Package conn drives one duplex gpuwire stream on a reactor loop.
//
// A Conn owns an inbound ring, a small outbound ring for fixed-size
// messages, and a command assembler for the bulk channel. Everything runs on
// the loop goroutine: reactor callbacks read and decode, protocol handlers
// call back in to queue replies, and write readiness drains the queues.
package conn

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chronologos/gpuwire/internal/assembler"
	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/metrics"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/reactor"
	"github.com/chronologos/gpuwire/internal/ringbuf"
	"github.com/chronologos/gpuwire/internal/trace"
)

// DefaultOutboundSize is the storage size of the fixed-message ring.
const DefaultOutboundSize = 4096

var (
	// ErrClosed is returned by sends on a connection that is not running.
	ErrClosed = errors.New("connection closed")
	// ErrOutboundFull means the fixed-message ring has no room; retry after
	// the next write readiness.
	ErrOutboundFull = errors.New("outbound buffer full")
	// ErrRunning is returned by Start on a connection already bound to
	// another descriptor.
	ErrRunning = errors.New("connection already running")
)

// Config tunes a Conn. Zero values pick defaults.
type Config struct {
	Ceiling      int // max command chunk payload; protocol.DefaultChunkCeiling
	OutboundSize int // fixed-message ring storage; DefaultOutboundSize
	Logger       *slog.Logger
	Metrics      *metrics.Registry
	Tracer       *trace.Tracer
	// OnClose runs once when the connection stops, after the handler's
	// OnClose. err is nil for a local Stop.
	OnClose func(err error)
}

// Conn is a connection-state value bound to one descriptor at a time.
type Conn struct {
	cfg     Config
	log     *slog.Logger
	handler protocol.Handler

	in  *ringbuf.Buffer
	out *ringbuf.Buffer
	asm *assembler.Assembler
	dec *protocol.Decoder

	// Sizes of the messages queued in out, oldest first. headSent bytes of
	// the first one are already on the wire.
	outMsgs  []int
	headSent int

	loop    *reactor.Loop
	fd      reactor.FD
	running bool
	writing bool // write interest registered
	err     error

	stats Stats
}

// New creates an idle connection that dispatches inbound messages to h.
func New(h protocol.Handler, cfg Config) *Conn {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = protocol.DefaultChunkCeiling
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = DefaultOutboundSize
	}
	c := &Conn{
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).With("component", "conn"),
		handler: h,
		// One spare slot beyond the largest message so a full chunk and its
		// header always fit.
		in:  ringbuf.New(cfg.Ceiling + protocol.ChunkHeaderSize + 1),
		out: ringbuf.New(cfg.OutboundSize),
		dec: protocol.NewDecoder(cfg.Ceiling),
		fd:  -1,
	}
	c.asm = assembler.New(cfg.Ceiling, c.commandsFlushed)
	return c
}

// Start resets all buffers and begins watching fd for input. fd must be
// non-blocking. Starting a running connection on the same descriptor is a
// no-op.
func (c *Conn) Start(loop *reactor.Loop, fd reactor.FD) error {
	if c.running {
		if c.loop == loop && c.fd == fd {
			return nil
		}
		return ErrRunning
	}
	c.resetBuffers()
	c.stats = Stats{}
	c.err = nil
	c.writing = false

	if err := loop.Watch(int(fd), reactor.Readable, c.onReady); err != nil {
		return fmt.Errorf("watch fd %d: %w", fd, err)
	}
	c.loop = loop
	c.fd = fd
	c.running = true
	c.cfg.Metrics.ConnOpened()
	c.log.Debug("started", "fd", int(fd))
	return nil
}

// Stop withdraws the connection from the loop and drops anything queued.
// The descriptor stays open. Stop is idempotent.
func (c *Conn) Stop() {
	c.stop(nil)
}

// Close stops the connection and closes its descriptor.
func (c *Conn) Close() error {
	c.stop(nil)
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return fd.Close()
}

// Running reports whether the connection is started and not stopped.
func (c *Conn) Running() bool { return c.running }

// Err returns the error that stopped the connection, if any.
func (c *Conn) Err() error { return c.err }

// FD returns the bound descriptor, or -1.
func (c *Conn) FD() reactor.FD { return c.fd }

// Stats returns a snapshot of the counters.
func (c *Conn) Stats() Stats { return c.stats }

func (c *Conn) stop(err error) {
	if !c.running {
		return
	}
	c.running = false
	c.writing = false
	c.err = err
	c.loop.Unwatch(int(c.fd))
	c.resetBuffers()
	c.cfg.Metrics.ConnClosed()

	if err != nil {
		c.log.Info("connection closed", "fd", int(c.fd), "error", err)
	} else {
		c.log.Debug("stopped", "fd", int(c.fd))
	}
	if ch, ok := c.handler.(protocol.CloseHandler); ok {
		ch.OnClose(err)
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(err)
	}
}

func (c *Conn) resetBuffers() {
	c.in.Reset()
	c.out.Reset()
	c.asm.Reset()
	c.dec.Reset()
	c.outMsgs = c.outMsgs[:0]
	c.headSent = 0
}

// --- Outbound ---

// SendFrameSignal queues a frame signal.
func (c *Conn) SendFrameSignal() error {
	return c.send(&protocol.FrameSignal{}, protocol.TagFrameSignal)
}

// SendFramebufferInfo queues a framebuffer description.
func (c *Conn) SendFramebufferInfo(info protocol.FramebufferInfo) error {
	return c.send(&info, protocol.TagFramebufferInfo)
}

// SendReservation queues a handle reservation.
func (c *Conn) SendReservation(r protocol.Reservation) error {
	return c.send(&r, protocol.TagReservation)
}

func (c *Conn) send(msg any, tag protocol.Tag) error {
	if !c.running {
		return ErrClosed
	}
	var scratch [1 + protocol.FramebufferInfoSize]byte
	wire, err := protocol.AppendMessage(scratch[:0], msg)
	if err != nil {
		return err
	}
	if c.out.Avail() < len(wire) {
		return ErrOutboundFull
	}
	c.out.Write(wire)
	c.outMsgs = append(c.outMsgs, len(wire))
	c.cfg.Tracer.Bytes("out", wire)
	c.stats.MessagesOut++
	c.cfg.Metrics.MessageOut(tag)
	c.wantWrite(true)
	return nil
}

// Reserve returns size bytes of the current command batch for the caller to
// fill. See assembler.Assembler.Reserve for the errors.
func (c *Conn) Reserve(size int) ([]byte, error) {
	if !c.running {
		return nil, ErrClosed
	}
	return c.asm.Reserve(size)
}

// Append copies p into the current command batch.
func (c *Conn) Append(p []byte) error {
	if !c.running {
		return ErrClosed
	}
	return c.asm.Append(p)
}

// FlushCommands seals the current command batch and queues it as one chunk.
// It returns assembler.ErrDrainInProgress while the previous batch is still
// being written.
func (c *Conn) FlushCommands() error {
	if !c.running {
		return ErrClosed
	}
	size := c.asm.Buffered()
	if err := c.asm.Flush(); err != nil {
		return err
	}
	if size > 0 {
		c.stats.ChunksOut++
		c.stats.MessagesOut++
		c.cfg.Metrics.MessageOut(protocol.TagCommandChunk)
		c.cfg.Metrics.ChunkSize(size)
		c.cfg.Tracer.Chunk("out", c.asm.Flushed())
	}
	return nil
}

// CommandsDraining reports whether a flushed batch is still being written.
func (c *Conn) CommandsDraining() bool { return c.asm.Draining() }

// CommandsBuffered returns the payload bytes in the unflushed batch.
func (c *Conn) CommandsBuffered() int { return c.asm.Buffered() }

// Ceiling returns the command chunk ceiling.
func (c *Conn) Ceiling() int { return c.cfg.Ceiling }

func (c *Conn) commandsFlushed() {
	c.wantWrite(true)
}

// wantWrite registers or withdraws write interest.
func (c *Conn) wantWrite(on bool) {
	if !c.running || c.writing == on {
		return
	}
	interest := reactor.Readable
	if on {
		interest |= reactor.Writable
	}
	if err := c.loop.SetInterest(int(c.fd), interest); err != nil {
		c.stop(err)
		return
	}
	c.writing = on
}

// --- Reactor callbacks ---

func (c *Conn) onReady(ready reactor.Interest) {
	if ready&reactor.Readable != 0 {
		c.handleRead()
	}
	if c.running && ready&reactor.Writable != 0 {
		c.handleWrite()
	}
}

func (c *Conn) handleRead() {
	n, err := c.in.ReadFrom(c.fd, c.in.Avail())
	if err != nil {
		if errors.Is(err, reactor.ErrWouldBlock) {
			return
		}
		c.stop(err)
		return
	}
	if n == 0 {
		return
	}
	c.stats.BytesIn += uint64(n)
	c.cfg.Metrics.BytesIn(n)
	if c.cfg.Tracer.Enabled() {
		c.cfg.Tracer.Bytes("in", c.peekTail(n))
	}

	h := inbound{c}
	for c.running {
		ok, err := c.dec.Next(c.in, h)
		if err != nil {
			c.cfg.Metrics.ProtocolError()
			c.stop(err)
			return
		}
		if !ok {
			break
		}
	}
}

// peekTail copies the n most recently read bytes for tracing.
func (c *Conn) peekTail(n int) []byte {
	tail := make([]byte, n)
	k := c.in.PeekAt(c.in.Len()-n, tail)
	return tail[:k]
}

// handleWrite sends queued output. A flushed chunk goes ahead of the fixed
// messages, but only at a message boundary: a fixed message that is partly
// on the wire is finished first, and a chunk, once started, is finished
// before the ring resumes.
func (c *Conn) handleWrite() {
	for {
		if c.asm.Draining() && c.headSent == 0 {
			n, err := c.asm.Drain(c.fd)
			if !c.wrote(n, err) {
				return
			}
			continue
		}
		if c.out.Len() == 0 {
			break
		}
		limit := c.out.Len()
		if c.asm.Draining() {
			limit = c.outMsgs[0] - c.headSent
		}
		n, err := c.out.WriteTo(c.fd, limit)
		c.sentFixed(n)
		if !c.wrote(n, err) {
			return
		}
	}
	c.wantWrite(false)
}

// sentFixed retires n bytes written from the fixed-message ring.
func (c *Conn) sentFixed(n int) {
	c.headSent += n
	done := 0
	for done < len(c.outMsgs) && c.headSent >= c.outMsgs[done] {
		c.headSent -= c.outMsgs[done]
		done++
	}
	if done > 0 {
		c.outMsgs = c.outMsgs[:copy(c.outMsgs, c.outMsgs[done:])]
	}
}

// wrote accounts for one write and reports whether to keep writing.
func (c *Conn) wrote(n int, err error) bool {
	if err != nil {
		if !errors.Is(err, reactor.ErrWouldBlock) {
			c.stop(err)
		}
		return false
	}
	if n == 0 {
		return false
	}
	c.stats.BytesOut += uint64(n)
	c.cfg.Metrics.BytesOut(n)
	return true
}

// inbound wraps the user handler with per-connection accounting.
type inbound struct{ c *Conn }

func (h inbound) OnFrameSignal() {
	h.count(protocol.TagFrameSignal)
	h.c.handler.OnFrameSignal()
}

func (h inbound) OnFramebufferInfo(info protocol.FramebufferInfo) {
	h.count(protocol.TagFramebufferInfo)
	h.c.handler.OnFramebufferInfo(info)
}

func (h inbound) OnReservation(r protocol.Reservation) {
	h.count(protocol.TagReservation)
	h.c.handler.OnReservation(r)
}

func (h inbound) OnCommandChunk(payload []byte) {
	h.count(protocol.TagCommandChunk)
	h.c.stats.ChunksIn++
	h.c.cfg.Metrics.ChunkSize(len(payload))
	h.c.cfg.Tracer.Chunk("in", payload)
	h.c.handler.OnCommandChunk(payload)
}

func (h inbound) count(tag protocol.Tag) {
	h.c.stats.MessagesIn++
	h.c.cfg.Metrics.MessageIn(tag)
}
