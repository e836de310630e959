//go:build linux

// Package loop implements the readiness notifier the single-threaded core
// blocks on (spec.md §4.7, §5): an edge-triggered epoll instance, plus the
// eventfd-backed control-flag wakeup spec.md §9 calls for in place of
// polled booleans.
package loop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RegisterMask is the fixed per-endpoint registration mode spec.md §4.7
// requires for every endpoint: "IN|OUT|HUP|ET".
const RegisterMask = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLET

// Event is a decoded readiness notification for one fd.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	HangUp   bool
}

// Poller wraps a single epoll instance. It owns no endpoint or buffer
// state — only fd registration and the wait call — so it can be reused
// unchanged regardless of what the caller does with each ready fd.
type Poller struct {
	epfd int
}

// New creates a fresh epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Add registers fd for edge-triggered IN|OUT|HUP events.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{Events: uint32(RegisterMask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("loop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It is safe to call even if fd was already closed
// out from under the poller (the kernel drops the registration on close);
// any error here is deliberately not fatal to the caller.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("loop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks with no timeout until at least one registered fd is ready,
// or the call is interrupted, decoding up to len(buf) ready events into
// buf and returning the events actually observed.
func (p *Poller) Wait(buf []unix.EpollEvent) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epfd, buf, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loop: epoll_wait: %w", err)
		}
		out := make([]Event, n)
		for i := 0; i < n; i++ {
			e := buf[i]
			out[i] = Event{
				Fd:       int(e.Fd),
				Readable: e.Events&unix.EPOLLIN != 0,
				Writable: e.Events&unix.EPOLLOUT != 0,
				HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
			}
		}
		return out, nil
	}
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
