package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/gpuwire/internal/auth"
	"github.com/chronologos/gpuwire/internal/logging"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicStream is the single bidirectional stream of a display connection.
// Closing it closes the whole QUIC connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
	tr   *quic.Transport // dialer-owned; nil on the accept side
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}

// quicListener accepts QUIC connections, authenticates the first stream and
// bridges it to a socketpair.
type quicListener struct {
	tr      *quic.Transport
	ln      *quic.Listener
	udp     *net.UDPConn
	passkey []byte
	log     *slog.Logger
}

func listenQUIC(addr string, opts Options, cert tls.Certificate) (*quicListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}
	return &quicListener{
		tr:      tr,
		ln:      ln,
		udp:     udpConn,
		passkey: opts.Passkey,
		log:     logging.OrDiscard(opts.Logger).With("component", "transport", "kind", "quic"),
	}, nil
}

func (l *quicListener) Addr() string { return l.udp.LocalAddr().String() }

// port returns the bound UDP port.
func (l *quicListener) port() int { return l.udp.LocalAddr().(*net.UDPAddr).Port }

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("accept QUIC connection: %w", err)
	}

	stream, err := l.authenticate(ctx, qconn)
	if err != nil {
		if errors.Is(err, auth.ErrBadToken) {
			// Let the rejection byte reach the client before tearing down;
			// closing the connection discards unsent stream data.
			select {
			case <-qconn.Context().Done():
			case <-time.After(time.Second):
			}
		}
		qconn.CloseWithError(1, "auth failed")
		return Stream{FD: -1}, err
	}

	fd, err := bridge(&quicStream{Stream: stream, conn: qconn}, l.log)
	if err != nil {
		qconn.CloseWithError(1, "bridge failed")
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: KindQUIC, Remote: qconn.RemoteAddr().String()}, nil
}

func (l *quicListener) authenticate(ctx context.Context, qconn *quic.Conn) (*quic.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// The client writes its token first, which announces the stream.
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	material, err := exportMaterial(qconn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	stream.SetDeadline(time.Now().Add(handshakeTimeout))
	defer stream.SetDeadline(time.Time{})
	if err := auth.Server(stream, l.passkey, material); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}

func dialQUIC(ctx context.Context, addr string, opts Options) (Stream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for each dial
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}

	qconn, err := tr.Dial(ctx, udpAddr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return Stream{FD: -1}, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err == nil {
		var material []byte
		material, err = exportMaterial(qconn.ConnectionState().TLS)
		if err == nil {
			err = auth.Client(stream, opts.Passkey, material)
		}
	}
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return Stream{FD: -1}, err
	}

	qs := &quicStream{Stream: stream, conn: qconn, tr: tr}
	fd, err := bridge(qs, logging.OrDiscard(opts.Logger).With("component", "transport", "kind", "quic"))
	if err != nil {
		qs.Close()
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: KindQUIC, Remote: addr}, nil
}
