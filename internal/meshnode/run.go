//go:build linux

package meshnode

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/loop"
	"github.com/secsecsec/meshd/internal/netaddr"
	"github.com/secsecsec/meshd/internal/reload"
	"github.com/secsecsec/meshd/internal/routesync"
)

var activeControl atomic.Pointer[loop.Control]

// RequestReload implements spec.md §6's request_reload control call: safe
// to invoke from a signal handler (in Go, from the ordinary goroutine
// signal.Notify delivers to), it sets a flag the running loop picks up
// after its current wake.
func RequestReload() {
	if c := activeControl.Load(); c != nil {
		c.RequestReload()
	}
}

// RequestStop implements spec.md §6's request_stop control call.
func RequestStop() {
	if c := activeControl.Load(); c != nil {
		c.RequestStop()
	}
}

// Run is the entry point of spec.md §6:
//
//	run(tun_fd, peer_file_path, self_v4_str|nil, self_v6_str|nil, listener_port, ipset_name) -> int
//
// It returns 0 on a clean stop (RequestStop was called) or nonzero if
// initialization failed. At least one of selfV4Str/selfV6Str must be
// non-empty.
func Run(tunFd int, peerFilePath, selfV4Str, selfV6Str string, listenerPort int, ipsetName string) int {
	if selfV4Str == "" && selfV6Str == "" {
		slog.Error("meshnode: at least one of self_v4/self_v6 must be supplied")
		return 1
	}

	var selfV4, selfV6 netaddr.Addr
	var err error
	if selfV4Str != "" {
		selfV4, err = netaddr.FromIP(net.ParseIP(selfV4Str))
		if err != nil {
			slog.Error("meshnode: invalid self_v4", "value", selfV4Str, "error", err)
			return 1
		}
	}
	if selfV6Str != "" {
		selfV6, err = netaddr.FromIP(net.ParseIP(selfV6Str))
		if err != nil {
			slog.Error("meshnode: invalid self_v6", "value", selfV6Str, "error", err)
			return 1
		}
	}

	var sink routesync.Sink = routesync.NewIpsetSink(ipsetName)

	ctx, err := newIoContext(tunFd, selfV4, selfV6, sink)
	if err != nil {
		slog.Error("meshnode: init failed", "error", err)
		return 1
	}
	defer ctx.Close()

	listenerFd, err := createListener(listenerPort)
	if err != nil {
		slog.Error("meshnode: listener bind failed", "error", err)
		return 1
	}
	listenerEp := endpoint.NewListener(listenerFd)
	if err := ctx.addEndpoint(listenerEp); err != nil {
		slog.Error("meshnode: listener registration failed", "error", err)
		return 1
	}
	ctx.listenerFds = append(ctx.listenerFds, listenerFd)

	rl := &reload.Reloader{
		PeerFilePath: peerFilePath,
		Mask:         ctx.mask,
		SelfV4:       selfV4,
		SelfV6:       selfV6,
		Port:         listenerPort,
		Table:        ctx.table,
		Adder:        ctx,
		Destroyer:    ctx,
		Retry:        reload.NewRetrier(5 * time.Minute),
	}
	if err := rl.Apply(time.Now()); err != nil {
		slog.Error("meshnode: initial peer file load failed", "error", err)
		return 1
	}

	activeControl.Store(ctx.control)
	defer activeControl.Store(nil)
	activeContext.Store(ctx)
	defer activeContext.Store(nil)

	return ctx.run(rl)
}

// createListener binds a single dual-stack (v6 with V6ONLY disabled,
// falling back to v4-only when the kernel has no IPv6 support) listening
// socket on the given port, SO_REUSEADDR, backlog 1024 — spec.md §6.
func createListener(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	dualStack := true
	if err != nil {
		dualStack = false
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, fmt.Errorf("meshnode: socket: %w", err)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("meshnode: setsockopt SO_REUSEADDR: %w", err)
	}

	if dualStack {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("meshnode: setsockopt IPV6_V6ONLY: %w", err)
		}
		err = unix.Bind(fd, &unix.SockaddrInet6{Port: port})
	} else {
		err = unix.Bind(fd, &unix.SockaddrInet4{Port: port})
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("meshnode: bind :%d: %w", port, err)
	}

	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("meshnode: listen: %w", err)
	}
	return fd, nil
}
