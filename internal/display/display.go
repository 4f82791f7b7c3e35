// Package display is the privileged end of a gpuwire link. It owns the
// framebuffer, accepts one producer at a time, paces frames and hands the
// producer's command batches to a Sink.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chronologos/gpuwire/internal/conn"
	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/metrics"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/reactor"
	"github.com/chronologos/gpuwire/internal/trace"
	"github.com/chronologos/gpuwire/internal/transport"
)

const defaultFrameInterval = 100 * time.Millisecond

// Config holds display configuration.
type Config struct {
	Transport transport.Kind
	Endpoint  string
	Passkey   []byte

	Info           protocol.FramebufferInfo
	FrameInterval  time.Duration
	StatusInterval time.Duration // 0 disables status logging

	Ceiling      int
	OutboundSize int

	Sink    Sink
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Tracer  *trace.Tracer
}

// Peer describes the connected producer.
type Peer struct {
	ID     uint64
	Kind   transport.Kind
	Remote string
	Since  time.Time
	Frames uint64 // frame signals queued to this peer
	Stats  conn.Stats
}

// Display accepts producers and paces their frames. The connection state is
// reused across producers; a new producer replaces the current one.
type Display struct {
	cfg  Config
	log  *slog.Logger
	conn *conn.Conn

	loop    *reactor.Loop
	ln      transport.Listener
	closing bool

	// Written on the loop goroutine, read by Peers from anywhere.
	peers   *xsync.MapOf[uint64, Peer]
	current Peer

	// Ready is closed once the listener is bound; Addr is valid after.
	Ready chan struct{}
	addr  string
}

// New creates a display but does not start it. Call Run to begin.
func New(cfg Config) *Display {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	if cfg.Info.Scale == 0 {
		cfg.Info.Scale = protocol.ScaleUnity
	}
	if cfg.Sink == nil {
		cfg.Sink = NewRecordingSink(cfg.Logger)
	}
	d := &Display{
		cfg:   cfg,
		log:   logging.OrDiscard(cfg.Logger).With("component", "display"),
		peers: xsync.NewMapOf[uint64, Peer](),
		Ready: make(chan struct{}),
	}
	d.conn = conn.New(producer{d}, conn.Config{
		Ceiling:      cfg.Ceiling,
		OutboundSize: cfg.OutboundSize,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		Tracer:       cfg.Tracer,
	})
	cfg.Metrics.Gauge("gpuwire_display_peers", func() float64 {
		return float64(d.peers.Size())
	})
	return d
}

// Addr returns the bound listener address. Valid after Ready is closed.
func (d *Display) Addr() string { return d.addr }

// Peers returns a snapshot of connected producers. Safe for concurrent use.
func (d *Display) Peers() []Peer {
	var out []Peer
	d.peers.Range(func(_ uint64, p Peer) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Run listens and serves until ctx is cancelled.
func (d *Display) Run(ctx context.Context) error {
	loop, err := reactor.New(d.cfg.Logger)
	if err != nil {
		return fmt.Errorf("create loop: %w", err)
	}
	ln, err := transport.Listen(d.cfg.Transport, d.cfg.Endpoint, transport.Options{
		Passkey: d.cfg.Passkey,
		Logger:  d.cfg.Logger,
	})
	if err != nil {
		loop.Close()
		return fmt.Errorf("listen: %w", err)
	}
	d.loop = loop
	d.ln = ln
	d.addr = ln.Addr()
	close(d.Ready)
	d.log.Info("listening", "transport", d.cfg.Transport, "addr", d.addr,
		"framebuffer", fmt.Sprintf("%dx%d", d.cfg.Info.Width, d.cfg.Info.Height),
		"interval", d.cfg.FrameInterval)

	acceptCtx, cancelAccept := context.WithCancel(ctx)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(acceptCtx)
	}()

	// Order matters: stop accepting, adopt-and-close anything already
	// posted, then drop the connection and the loop.
	defer func() {
		cancelAccept()
		ln.Close()
		<-acceptDone
		d.closing = true
		_ = loop.RunOnce(0)
		d.conn.Close()
		loop.Close()
	}()

	loop.Every(d.cfg.FrameInterval, d.onFrameTimer)
	if d.cfg.StatusInterval > 0 {
		loop.Every(d.cfg.StatusInterval, d.logStatus)
	}
	return loop.Run(ctx)
}

// acceptLoop hands each accepted stream to the loop goroutine.
func (d *Display) acceptLoop(ctx context.Context) {
	for {
		s, err := d.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || transport.IsListenerClosed(err) {
				return
			}
			// Usually a failed handshake; keep accepting.
			d.log.Warn("accept", "error", err)
			continue
		}
		if err := d.loop.Post(func() { d.adopt(s) }); err != nil {
			s.FD.Close()
			return
		}
	}
}

// adopt makes s the current producer. Last in wins.
func (d *Display) adopt(s transport.Stream) {
	if d.closing {
		s.FD.Close()
		return
	}
	if d.conn.Running() {
		d.log.Info("replacing producer", "old", d.current.Remote, "new", s.Remote)
	}
	d.conn.Close()

	if err := d.conn.Start(d.loop, s.FD); err != nil {
		d.log.Error("start connection", "error", err)
		s.FD.Close()
		return
	}
	d.current = Peer{
		ID:     d.current.ID + 1,
		Kind:   s.Kind,
		Remote: s.Remote,
		Since:  time.Now(),
	}
	d.peers.Store(d.current.ID, d.current)
	d.log.Info("producer connected", "id", d.current.ID, "transport", s.Kind, "remote", s.Remote)

	if err := d.conn.SendFramebufferInfo(d.cfg.Info); err != nil {
		d.log.Warn("send framebuffer info", "error", err)
		d.conn.Close()
	}
}

func (d *Display) onFrameTimer() {
	if !d.conn.Running() {
		return
	}
	if err := d.conn.SendFrameSignal(); err != nil {
		d.log.Warn("send frame signal", "error", err)
		d.conn.Close()
		return
	}
	d.current.Frames++
	d.current.Stats = d.conn.Stats()
	d.peers.Store(d.current.ID, d.current)
}

func (d *Display) logStatus() {
	if !d.conn.Running() {
		d.log.Info("status", "producer", "none")
		return
	}
	st := d.conn.Stats()
	d.log.Info("status",
		"producer", d.current.Remote,
		"uptime", time.Since(d.current.Since).Round(time.Second),
		"frames", d.current.Frames,
		"chunks_in", st.ChunksIn,
		"bytes_in", st.BytesIn,
		"bytes_out", st.BytesOut)
}

// producer adapts the display to protocol.Handler for the current peer.
type producer struct{ d *Display }

func (p producer) OnFrameSignal() {
	p.d.log.Debug("ignoring frame signal from producer")
}

func (p producer) OnFramebufferInfo(protocol.FramebufferInfo) {
	p.d.log.Debug("ignoring framebuffer info from producer")
}

func (p producer) OnReservation(r protocol.Reservation) {
	p.d.cfg.Sink.Reserved(r)
}

func (p producer) OnCommandChunk(payload []byte) {
	p.d.cfg.Sink.Commands(payload)
}

func (p producer) OnClose(err error) {
	d := p.d
	d.peers.Delete(d.current.ID)
	d.log.Info("producer session",
		"id", d.current.ID,
		"duration", time.Since(d.current.Since).Round(time.Millisecond),
		"frames", d.current.Frames,
		"stats", d.conn.Stats())
	if err == nil {
		return
	}
	var perr *protocol.ProtocolError
	switch {
	case transport.IsExpectedCloseError(err):
		d.log.Info("producer disconnected", "id", d.current.ID)
	case errors.As(err, &perr):
		d.log.Warn("protocol violation, dropping producer", "id", d.current.ID, "error", err)
	default:
		d.log.Warn("producer connection failed", "id", d.current.ID, "error", err)
	}
	// Release the descriptor now so the peer sees the close.
	d.conn.Close()
}
