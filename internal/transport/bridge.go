package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/reactor"
)

// bridge copies bytes between remote and a fresh socketpair, returning the
// local end for the reactor. Both directions run until either side closes;
// then both are closed. Closing the returned descriptor tears the bridge
// down.
func bridge(remote io.ReadWriteCloser, logger *slog.Logger) (reactor.FD, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("bridge socketpair: %w", err)
	}
	local, far := fds[0], fds[1]
	if err := reactor.SetNonblock(local); err != nil {
		unix.Close(local)
		unix.Close(far)
		return -1, err
	}

	// net.FileConn dups the descriptor; the file is only a carrier.
	f := os.NewFile(uintptr(far), "gpuwire-bridge")
	farConn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(local)
		return -1, fmt.Errorf("bridge conn: %w", err)
	}

	log := logging.OrDiscard(logger)
	go func() {
		if err := copyBoth(farConn, remote); err != nil {
			log.Debug("bridge closed", "error", err)
		}
	}()
	return reactor.FD(local), nil
}

type copyResult struct {
	n   int64
	err error
}

// copyBoth copies in both directions and returns when either finishes,
// closing both ends so the other direction unblocks.
func copyBoth(a net.Conn, b io.ReadWriteCloser) error {
	done := make(chan copyResult, 2)
	go func() {
		n, err := io.Copy(b, a)
		done <- copyResult{n, err}
	}()
	go func() {
		n, err := io.Copy(a, b)
		done <- copyResult{n, err}
	}()

	first := <-done
	a.Close()
	b.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}
