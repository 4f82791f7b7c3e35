package reactor

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by FD reads and writes that cannot make progress
// until the descriptor is ready again.
var ErrWouldBlock = errors.New("operation would block")

// FD is a non-blocking descriptor exposed as an io.ReadWriteCloser. A read of
// zero bytes from the peer is reported as io.EOF. Interrupted calls are
// retried.
type FD int

func (fd FD) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(int(fd), p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (fd FD) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(int(fd), p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (fd FD) Close() error { return unix.Close(int(fd)) }

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Socketpair returns a connected pair of non-blocking, close-on-exec unix
// stream sockets.
func Socketpair() (FD, FD, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	return FD(fds[0]), FD(fds[1]), nil
}

// IsClosedError reports whether err means the peer went away rather than a
// local fault.
func IsClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET)
}
