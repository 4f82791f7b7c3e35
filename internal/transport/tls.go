package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/chronologos/gpuwire/internal/auth"
	"github.com/chronologos/gpuwire/internal/logging"
)

const alpnProtocol = "gpuwire-v2"

// exporterSize is the amount of TLS keying material the auth token binds to.
const exporterSize = 32

// GenerateSelfSignedCert creates an ephemeral self-signed TLS certificate
// for the display's remote listeners. The certificate is in-memory only
// and lives for 24 hours.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

// ServerTLSConfig returns the TLS config shared by the TLS and QUIC listeners.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig returns the TLS config for remote dialers.
// InsecureSkipVerify is true because we authenticate via passkey HMAC,
// not via CA certificate chain.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// tlsListener accepts TLS-over-TCP connections, authenticates them and
// bridges each to a socketpair.
type tlsListener struct {
	ln      net.Listener
	passkey []byte
	log     *slog.Logger
}

func listenTLS(addr string, opts Options, cert tls.Certificate) (*tlsListener, error) {
	ln, err := tls.Listen("tcp", addr, ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS listen: %w", err)
	}
	return &tlsListener{
		ln:      ln,
		passkey: opts.Passkey,
		log:     logging.OrDiscard(opts.Logger).With("component", "transport", "kind", "tls"),
	}, nil
}

func (l *tlsListener) Addr() string { return l.ln.Addr().String() }

// port returns the bound TCP port.
func (l *tlsListener) port() int { return l.ln.Addr().(*net.TCPAddr).Port }

func (l *tlsListener) Accept(ctx context.Context) (Stream, error) {
	c, err := acceptAsync(ctx, l.ln.Accept)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("accept TCP connection: %w", err)
	}
	tlsConn := c.(*tls.Conn)
	if err := l.authenticate(tlsConn); err != nil {
		tlsConn.Close()
		return Stream{FD: -1}, err
	}
	fd, err := bridge(tlsConn, l.log)
	if err != nil {
		tlsConn.Close()
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: KindTLS, Remote: tlsConn.RemoteAddr().String()}, nil
}

func (l *tlsListener) authenticate(tlsConn *tls.Conn) error {
	// Deadline prevents a misbehaving client from blocking the accept path.
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer tlsConn.SetDeadline(time.Time{})

	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	material, err := exportMaterial(tlsConn.ConnectionState())
	if err != nil {
		return err
	}
	return auth.Server(tlsConn, l.passkey, material)
}

func (l *tlsListener) Close() error { return l.ln.Close() }

func dialTLS(ctx context.Context, addr string, opts Options) (Stream, error) {
	dialer := &tls.Dialer{Config: ClientTLSConfig()}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	tlsConn := rawConn.(*tls.Conn)

	material, err := exportMaterial(tlsConn.ConnectionState())
	if err == nil {
		err = auth.Client(tlsConn, opts.Passkey, material)
	}
	if err != nil {
		tlsConn.Close()
		return Stream{FD: -1}, err
	}

	fd, err := bridge(tlsConn, logging.OrDiscard(opts.Logger).With("component", "transport", "kind", "tls"))
	if err != nil {
		tlsConn.Close()
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: KindTLS, Remote: addr}, nil
}

func exportMaterial(state tls.ConnectionState) ([]byte, error) {
	material, err := state.ExportKeyingMaterial(auth.ExporterLabel, nil, exporterSize)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return material, nil
}
