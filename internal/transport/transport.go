// Package transport turns listeners and dialers into non-blocking
// descriptors the reactor can drive.
//
// Local kinds (unix, tcp) hand over the socket itself. Remote kinds (tls,
// quic, dual) authenticate with the passkey and then bridge the secured
// stream to one end of a socketpair, so every consumer sees a plain fd.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/gpuwire/internal/reactor"
)

// Kind selects the transport.
type Kind int

const (
	KindUnix Kind = iota
	KindTCP
	KindTLS
	KindQUIC
	// KindDual listens for TLS and QUIC on the same port number. Dialing
	// dual tries QUIC first and falls back to TLS.
	KindDual
)

func (k Kind) String() string {
	switch k {
	case KindUnix:
		return "unix"
	case KindTCP:
		return "tcp"
	case KindTLS:
		return "tls"
	case KindQUIC:
		return "quic"
	case KindDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindUnix; k <= KindDual; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transport %q (want unix, tcp, tls, quic or dual)", s)
}

// Remote reports whether the kind authenticates with a passkey.
func (k Kind) Remote() bool {
	return k == KindTLS || k == KindQUIC || k == KindDual
}

// handshakeTimeout bounds the passkey exchange on accept so a silent peer
// cannot stall the accept loop.
const handshakeTimeout = 5 * time.Second

var ErrNoPasskey = errors.New("remote transport requires a passkey")

// Stream is an established connection, ready for conn.Conn.Start.
type Stream struct {
	FD     reactor.FD
	Kind   Kind
	Remote string
}

// Listener accepts streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() string
	Close() error
}

// Options configures Listen and Dial.
type Options struct {
	Passkey []byte
	Logger  *slog.Logger
}

// Listen opens a listener of the given kind on addr. For unix addr is a
// socket path; otherwise it is host:port.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	if kind.Remote() && len(opts.Passkey) == 0 {
		return nil, ErrNoPasskey
	}
	switch kind {
	case KindUnix, KindTCP:
		return listenNative(kind, addr)
	case KindTLS:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
		return listenTLS(addr, opts, cert)
	case KindQUIC:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
		return listenQUIC(addr, opts, cert)
	case KindDual:
		return listenDual(addr, opts)
	default:
		return nil, fmt.Errorf("listen: unsupported transport %v", kind)
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, kind Kind, addr string, opts Options) (Stream, error) {
	if kind.Remote() && len(opts.Passkey) == 0 {
		return Stream{FD: -1}, ErrNoPasskey
	}
	switch kind {
	case KindUnix, KindTCP:
		return dialNative(ctx, kind, addr)
	case KindTLS:
		return dialTLS(ctx, addr, opts)
	case KindQUIC:
		return dialQUIC(ctx, addr, opts)
	case KindDual:
		s, err := dialQUIC(ctx, addr, opts)
		if err == nil {
			return s, nil
		}
		return dialTLS(ctx, addr, opts)
	default:
		return Stream{FD: -1}, fmt.Errorf("dial: unsupported transport %v", kind)
	}
}

// acceptAsync runs a blocking accept in a goroutine so ctx can abandon it.
// A connection accepted after ctx is done is closed.
func acceptAsync[T io.Closer](ctx context.Context, accept func() (T, error)) (T, error) {
	type result struct {
		conn T
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		// The goroutine unblocks when the caller closes the listener.
		go func() {
			res := <-ch
			if res.err == nil {
				res.conn.Close()
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// IsListenerClosed reports whether an Accept error means the listener is
// gone, as opposed to one failed handshake.
func IsListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed)
}
