package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// dualListener accepts from a QUIC (UDP) and a TLS (TCP) listener bound to
// the same port number. Accept returns whichever stream arrives first.
type dualListener struct {
	quic *quicListener
	tls  *tlsListener
	host string
	port int

	// streams receives authenticated streams from both accept loops.
	streams chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	stream Stream
	err    error
}

// listenDual binds QUIC first (so port 0 picks a free UDP port), then TCP on
// the same number.
func listenDual(addr string, opts Options) (*dualListener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("dual listen: %w", err)
	}
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ql, err := listenQUIC(addr, opts, cert)
	if err != nil {
		return nil, err
	}
	port := ql.port()
	tl, err := listenTLS(net.JoinHostPort(host, strconv.Itoa(port)), opts, cert)
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:    ql,
		tls:     tl,
		host:    host,
		port:    port,
		streams: make(chan acceptRes, 4),
		cancel:  cancel,
	}
	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)
	return dl, nil
}

func (dl *dualListener) acceptLoop(ctx context.Context, ln Listener) {
	for {
		s, err := ln.Accept(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		select {
		case dl.streams <- acceptRes{stream: s, err: err}:
		case <-ctx.Done():
			if err == nil {
				s.FD.Close()
			}
			return
		}
		if IsListenerClosed(err) {
			return
		}
	}
}

// Accept returns the next authenticated stream from either transport. An
// authentication failure on one stream is returned as an error; the
// listener keeps accepting.
func (dl *dualListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-dl.streams:
		return res.stream, res.err
	case <-ctx.Done():
		return Stream{FD: -1}, ctx.Err()
	}
}

func (dl *dualListener) Addr() string {
	return net.JoinHostPort(dl.host, strconv.Itoa(dl.port))
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	return errors.Join(dl.tls.Close(), dl.quic.Close())
}
