// Package reactor is a single-goroutine readiness loop over poll(2).
//
// Descriptors are registered with an interest set and a callback; timers fire
// on the same goroutine between polls. Only Post may be called from other
// goroutines: it queues a function and wakes the loop through a self-pipe.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/gpuwire/internal/logging"
)

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case Readable:
		return "r"
	case Writable:
		return "w"
	case Readable | Writable:
		return "rw"
	default:
		return fmt.Sprintf("interest(%d)", uint8(i))
	}
}

var (
	ErrClosed     = errors.New("reactor closed")
	ErrRegistered = errors.New("descriptor already registered")
	ErrNotWatched = errors.New("descriptor not registered")
)

// Callback receives the subset of the registered interest that is ready.
// Hangup and error conditions are reported as whichever interest is
// registered, so the next read or write surfaces the failure.
type Callback func(ready Interest)

type watcher struct {
	fd       int
	interest Interest
	cb       Callback
}

// Timer is a repeating timer created by Every.
type Timer struct {
	period  time.Duration
	next    time.Time
	fn      func()
	stopped bool
}

// Stop cancels the timer. It must be called on the loop goroutine.
func (t *Timer) Stop() { t.stopped = true }

// Loop is the event loop. Apart from Post, its methods must be called from
// the goroutine running it (or before it starts).
type Loop struct {
	log      *slog.Logger
	watchers map[int]*watcher
	timers   []*Timer
	now      func() time.Time

	wakeR, wakeW int

	mu     sync.Mutex
	posted []func()
	closed bool

	pollFds []unix.PollFd
	polled  []*watcher
}

// New creates a loop. A nil logger discards.
func New(logger *slog.Logger) (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	return &Loop{
		log:      logging.OrDiscard(logger).With("component", "reactor"),
		watchers: make(map[int]*watcher),
		now:      time.Now,
		wakeR:    p[0],
		wakeW:    p[1],
	}, nil
}

// Watch registers fd with the given interest. Registering a descriptor
// twice is an error; use SetInterest to change an existing registration.
func (l *Loop) Watch(fd int, interest Interest, cb Callback) error {
	if l.isClosed() {
		return ErrClosed
	}
	if _, ok := l.watchers[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrRegistered)
	}
	l.watchers[fd] = &watcher{fd: fd, interest: interest, cb: cb}
	return nil
}

// SetInterest replaces the interest set of a registered descriptor. An
// empty set keeps the registration but stops polling it.
func (l *Loop) SetInterest(fd int, interest Interest) error {
	w, ok := l.watchers[fd]
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotWatched)
	}
	w.interest = interest
	return nil
}

// Interest returns the current interest set of fd.
func (l *Loop) Interest(fd int) (Interest, bool) {
	w, ok := l.watchers[fd]
	if !ok {
		return 0, false
	}
	return w.interest, true
}

// Unwatch removes fd. Pending readiness from the current poll round is not
// delivered to a removed descriptor.
func (l *Loop) Unwatch(fd int) {
	delete(l.watchers, fd)
}

// Watching returns the number of registered descriptors.
func (l *Loop) Watching() int { return len(l.watchers) }

// Every runs fn every period, starting one period from now.
func (l *Loop) Every(period time.Duration, fn func()) *Timer {
	t := &Timer{period: period, next: l.now().Add(period), fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *Loop) wake() {
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(l.wakeW, []byte{0})
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// RunOnce polls once, waiting at most timeout (negative waits until an
// event or the next timer), then dispatches ready descriptors, posted
// functions and due timers.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if l.isClosed() {
		return ErrClosed
	}

	l.pollFds = append(l.pollFds[:0], unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	l.polled = l.polled[:0]
	for _, w := range l.watchers {
		if w.interest == 0 {
			continue
		}
		var events int16
		if w.interest&Readable != 0 {
			events |= unix.POLLIN
		}
		if w.interest&Writable != 0 {
			events |= unix.POLLOUT
		}
		l.pollFds = append(l.pollFds, unix.PollFd{Fd: int32(w.fd), Events: events})
		l.polled = append(l.polled, w)
	}

	n, err := unix.Poll(l.pollFds, pollTimeout(timeout, l.untilNextTimer()))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("poll: %w", err)
	}

	if n > 0 {
		if l.pollFds[0].Revents != 0 {
			l.drainWake()
		}
		for i, w := range l.polled {
			revents := l.pollFds[i+1].Revents
			if revents == 0 {
				continue
			}
			// Skip descriptors removed or re-registered by an earlier callback.
			if cur, ok := l.watchers[w.fd]; !ok || cur != w {
				continue
			}
			if revents&unix.POLLNVAL != 0 {
				l.log.Warn("invalid descriptor, dropping", "fd", w.fd)
				delete(l.watchers, w.fd)
				continue
			}
			if ready := readiness(revents, w.interest); ready != 0 {
				w.cb(ready)
			}
		}
	}

	l.runPosted()
	l.fireTimers()
	return nil
}

// Run dispatches events until ctx is cancelled or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
}

// Close releases the wake pipe. Registered descriptors are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.posted = nil
	l.mu.Unlock()

	l.watchers = make(map[int]*watcher)
	l.timers = nil
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) fireTimers() {
	if len(l.timers) == 0 {
		return
	}
	now := l.now()
	live := l.timers[:0]
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
	}
	clear(l.timers[len(live):])
	l.timers = live

	// Iterate over a snapshot; callbacks may add timers.
	for _, t := range append([]*Timer(nil), l.timers...) {
		if t.stopped || now.Before(t.next) {
			continue
		}
		t.next = t.next.Add(t.period)
		if t.next.Before(now) {
			// Fell behind; don't fire a burst to catch up.
			t.next = now.Add(t.period)
		}
		t.fn()
	}
}

// untilNextTimer returns the wait until the earliest live timer, or -1.
func (l *Loop) untilNextTimer() time.Duration {
	wait := time.Duration(-1)
	now := l.now()
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		d := max(t.next.Sub(now), 0)
		if wait < 0 || d < wait {
			wait = d
		}
	}
	return wait
}

// pollTimeout combines the caller's timeout with the timer deadline into
// poll(2) milliseconds, rounding up so a timer is never polled early.
func pollTimeout(timeout, timer time.Duration) int {
	d := timeout
	if d < 0 || (timer >= 0 && timer < d) {
		d = timer
	}
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func readiness(revents int16, interest Interest) Interest {
	var ready Interest
	failed := revents&(unix.POLLHUP|unix.POLLERR) != 0
	if interest&Readable != 0 && (revents&unix.POLLIN != 0 || failed) {
		ready |= Readable
	}
	if interest&Writable != 0 && (revents&unix.POLLOUT != 0 || failed) {
		ready |= Writable
	}
	return ready
}
