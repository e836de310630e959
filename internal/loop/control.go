//go:build linux

package loop

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Control is the self-pipe-style wakeup spec.md §9 calls for in place of
// the original's polled do_stop/do_peer_reset booleans: an eventfd
// registered with the Poller so request_reload/request_stop wake the
// blocked loop immediately, plus two atomic flags recording which
// request(s) are pending. RequestReload/RequestStop are safe to call from
// any goroutine, including one fed directly by os/signal — the Go
// equivalent of spec.md's "safe to invoke from a signal handler"
// requirement, since Go signal delivery already runs on an ordinary
// goroutine rather than an async-signal context.
type Control struct {
	fd     int
	reload atomic.Bool
	stop   atomic.Bool
}

// NewControl creates an eventfd-backed Control. Callers must register
// Fd() with a Poller.
func NewControl() (*Control, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}
	return &Control{fd: fd}, nil
}

// Fd returns the eventfd to register with a Poller.
func (c *Control) Fd() int { return c.fd }

// RequestReload sets the reload flag and wakes the loop. Idempotent.
func (c *Control) RequestReload() {
	c.reload.Store(true)
	c.wake()
}

// RequestStop sets the stop flag and wakes the loop. Idempotent.
func (c *Control) RequestStop() {
	c.stop.Store(true)
	c.wake()
}

func (c *Control) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(c.fd, buf[:]) // EAGAIN on counter overflow is harmless: already signaled
}

// TakeReload reports and clears a pending reload request.
func (c *Control) TakeReload() bool { return c.reload.Swap(false) }

// StopRequested reports whether stop was requested. Not cleared: once a stop
// is requested the loop is expected to exit.
func (c *Control) StopRequested() bool { return c.stop.Load() }

// Drain reads (and discards) the eventfd counter after a wake, so the fd
// goes back to not-ready. Called by the loop after each wake it
// attributes to the control fd.
func (c *Control) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(c.fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (c *Control) Close() error {
	return unix.Close(c.fd)
}
