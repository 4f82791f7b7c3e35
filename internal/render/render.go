// Package render is the producing end of a gpuwire link. It dials the
// display, reconnects when the link drops, and answers each frame signal
// with one command batch.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/gpuwire/internal/assembler"
	"github.com/chronologos/gpuwire/internal/conn"
	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/metrics"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/reactor"
	"github.com/chronologos/gpuwire/internal/trace"
	"github.com/chronologos/gpuwire/internal/transport"
)

const (
	defaultReconnectDelay = time.Second
	dialTimeout           = 10 * time.Second
)

// The display injects its swapchain and device at these handles.
var defaultReservation = protocol.Reservation{
	Swapchain: protocol.Handle{ID: 1, Generation: 0},
	Device:    protocol.Handle{ID: 1, Generation: 0},
}

// Config holds render configuration.
type Config struct {
	Transport transport.Kind
	Endpoint  string
	Passkey   []byte

	ReconnectDelay time.Duration
	StatusInterval time.Duration // 0 disables status logging

	Ceiling      int
	OutboundSize int

	Producer Producer
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Tracer   *trace.Tracer
}

// Render drives one producer against a display.
type Render struct {
	cfg  Config
	log  *slog.Logger
	loop *reactor.Loop
	conn *conn.Conn

	// Per-connection state, reset on each dial.
	info       protocol.FramebufferInfo
	haveInfo   bool
	frames     uint64
	skipped    uint64
	cancelConn context.CancelFunc
}

// New creates a render host but does not start it. Call Run to begin.
func New(cfg Config) *Render {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Producer == nil {
		cfg.Producer = &PatternProducer{Size: 4096}
	}
	r := &Render{
		cfg: cfg,
		log: logging.OrDiscard(cfg.Logger).With("component", "render"),
	}
	r.conn = conn.New(link{r}, conn.Config{
		Ceiling:      cfg.Ceiling,
		OutboundSize: cfg.OutboundSize,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		Tracer:       cfg.Tracer,
	})
	return r
}

// Run connects to the display and serves frames, reconnecting after
// failures, until ctx is cancelled.
func (r *Render) Run(ctx context.Context) error {
	loop, err := reactor.New(r.cfg.Logger)
	if err != nil {
		return fmt.Errorf("create loop: %w", err)
	}
	r.loop = loop
	defer func() {
		r.conn.Close()
		loop.Close()
	}()
	if r.cfg.StatusInterval > 0 {
		loop.Every(r.cfg.StatusInterval, r.logStatus)
	}

	for {
		s, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.cfg.Metrics.DialFailed()
			r.log.Warn("connect failed, retrying", "err", err, "delay", r.cfg.ReconnectDelay)
			if err := r.wait(ctx); err != nil {
				return err
			}
			continue
		}

		if err := r.serve(ctx, s); err != nil {
			return err
		}
		r.log.Info("connection lost, reconnecting", "err", r.conn.Err(), "delay", r.cfg.ReconnectDelay)
		if err := r.wait(ctx); err != nil {
			return err
		}
	}
}

func (r *Render) dial(ctx context.Context) (transport.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return transport.Dial(dctx, r.cfg.Transport, r.cfg.Endpoint, transport.Options{
		Passkey: r.cfg.Passkey,
		Logger:  r.cfg.Logger,
	})
}

// serve runs the loop for one connection. It returns nil when the
// connection ends and ctx's error when ctx is cancelled.
func (r *Render) serve(ctx context.Context, s transport.Stream) error {
	r.info = protocol.FramebufferInfo{}
	r.haveInfo = false
	r.frames = 0
	r.skipped = 0

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelConn = cancel

	if err := r.conn.Start(r.loop, s.FD); err != nil {
		s.FD.Close()
		return fmt.Errorf("start connection: %w", err)
	}
	r.log.Info("connected", "transport", s.Kind, "remote", s.Remote)

	started := time.Now()
	err := r.loop.Run(connCtx)
	r.conn.Close()
	r.log.Info("connection summary",
		"duration", time.Since(started).Round(time.Millisecond),
		"frames", r.frames,
		"skipped", r.skipped,
		"stats", r.conn.Stats())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Render) wait(ctx context.Context) error {
	select {
	case <-time.After(r.cfg.ReconnectDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Render) logStatus() {
	if !r.conn.Running() {
		r.log.Info("status", "display", "disconnected")
		return
	}
	st := r.conn.Stats()
	r.log.Info("status",
		"frames", r.frames,
		"skipped", r.skipped,
		"chunks_out", st.ChunksOut,
		"bytes_out", st.BytesOut,
		"bytes_in", st.BytesIn)
}

// onFrame answers one frame signal with a command batch. A frame that
// arrives while the previous batch is still being written is skipped.
func (r *Render) onFrame() {
	r.frames++
	if !r.haveInfo {
		r.log.Debug("frame before framebuffer info, skipping")
		return
	}
	if r.conn.CommandsDraining() {
		r.skipped++
		r.cfg.Metrics.FrameSkipped()
		r.log.Debug("previous batch still draining, skipping frame", "frame", r.frames)
		return
	}
	if err := r.cfg.Producer.Frame(r.info, r.conn); err != nil {
		r.log.Warn("producer failed, dropping connection", "err", err)
		r.conn.Close()
		return
	}
	if err := r.conn.FlushCommands(); err != nil && !errors.Is(err, assembler.ErrDrainInProgress) {
		r.log.Warn("flush commands", "err", err)
	}
}

// link adapts the render host to protocol.Handler for the display connection.
type link struct{ r *Render }

func (l link) OnFrameSignal() { l.r.onFrame() }

func (l link) OnFramebufferInfo(info protocol.FramebufferInfo) {
	r := l.r
	first := !r.haveInfo
	r.info = info
	r.haveInfo = true
	r.log.Info("framebuffer", "width", info.Width, "height", info.Height,
		"format", info.Format, "scale", info.Scale)
	if !first {
		return
	}
	if err := r.conn.SendReservation(defaultReservation); err != nil {
		r.log.Warn("send reservation", "err", err)
	}
}

func (l link) OnReservation(protocol.Reservation) {
	l.r.log.Debug("ignoring reservation from display")
}

func (l link) OnCommandChunk(payload []byte) {
	if h, ok := l.r.cfg.Producer.(ReplyHandler); ok {
		h.Reply(payload)
	}
}

func (l link) OnClose(err error) {
	if err != nil {
		l.r.log.Debug("connection stopped", "err", err)
	}
	if l.r.cancelConn != nil {
		l.r.cancelConn()
	}
}
