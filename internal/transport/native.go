package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/chronologos/gpuwire/internal/reactor"
)

// nativeListener accepts unix or TCP connections and hands out their
// descriptors directly.
type nativeListener struct {
	kind Kind
	ln   net.Listener
}

func network(kind Kind) string {
	if kind == KindUnix {
		return "unix"
	}
	return "tcp"
}

func listenNative(kind Kind, addr string) (*nativeListener, error) {
	if kind == KindUnix {
		removeStaleSocket(addr)
	}
	ln, err := net.Listen(network(kind), addr)
	if err != nil {
		return nil, fmt.Errorf("%s listen: %w", kind, err)
	}
	return &nativeListener{kind: kind, ln: ln}, nil
}

// removeStaleSocket unlinks a socket file left behind by a crashed display,
// but only when nothing is accepting on it.
func removeStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return
	}
	os.Remove(path)
}

func (l *nativeListener) Addr() string { return l.ln.Addr().String() }

func (l *nativeListener) Accept(ctx context.Context) (Stream, error) {
	c, err := acceptAsync(ctx, l.ln.Accept)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("accept %s connection: %w", l.kind, err)
	}
	remote := c.RemoteAddr().String()
	fd, err := detach(c)
	if err != nil {
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: l.kind, Remote: remote}, nil
}

func (l *nativeListener) Close() error { return l.ln.Close() }

func dialNative(ctx context.Context, kind Kind, addr string) (Stream, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network(kind), addr)
	if err != nil {
		return Stream{FD: -1}, fmt.Errorf("%s dial: %w", kind, err)
	}
	fd, err := detach(c)
	if err != nil {
		return Stream{FD: -1}, err
	}
	return Stream{FD: fd, Kind: kind, Remote: addr}, nil
}

// detach duplicates the socket behind c into a non-blocking close-on-exec
// descriptor owned by the caller, then closes c. The socket stays open
// through the duplicate.
func detach(c net.Conn) (reactor.FD, error) {
	defer c.Close()
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("detach: %T has no descriptor", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("detach: %w", err)
	}
	nfd := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, fmt.Errorf("detach: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup socket: %w", dupErr)
	}
	if err := reactor.SetNonblock(nfd); err != nil {
		unix.Close(nfd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	return reactor.FD(nfd), nil
}

// IsExpectedCloseError reports whether err is a normal connection
// termination rather than a fault worth logging.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || reactor.IsClosedError(err) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EPIPE || errno == syscall.ECONNRESET)
}
