//go:build linux

// Package tunsetup is an optional helper, used only by cmd/meshd, that
// creates and addresses a TUN device with vishvananda/netlink before
// handing its fd to the core. The core itself (spec.md §6) never opens
// or configures a TUN device — it is only ever given an already-open fd
// — so nothing here is reachable from internal/meshnode.
package tunsetup

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"unsafe"

	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ErrLinkExists mirrors the teacher's idiom of naming an EEXIST outcome
// (internal/netlink.ErrTunnelExists) so callers can treat "already there"
// as a non-fatal, logged condition rather than an error.
var ErrLinkExists = errors.New("tunsetup: link already exists")

// Create opens (or creates, if absent) a TUN interface named name and
// returns its raw, non-blocking fd. The interface is not made persistent:
// it lives only as long as the returned fd stays open. addrCIDR, if non-empty, is
// assigned to the interface (e.g. "10.0.0.1/24").
func Create(name, addrCIDR string) (int, error) {
	fd, err := openTunDevice(name)
	if err != nil {
		return -1, fmt.Errorf("tunsetup: open %s: %w", name, err)
	}

	link, err := nl.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tunsetup: link by name %s: %w", name, err)
	}

	if addrCIDR != "" {
		addr, err := nl.ParseAddr(addrCIDR)
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("tunsetup: parse addr %s: %w", addrCIDR, err)
		}
		if err := nl.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
			unix.Close(fd)
			return -1, fmt.Errorf("tunsetup: addr add: %w", err)
		}
	}

	if err := nl.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tunsetup: link up: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tunsetup: set nonblock: %w", err)
	}
	return fd, nil
}

// openTunDevice opens /dev/net/tun and issues the TUNSETIFF ioctl,
// requesting a headerless L3 (IFF_TUN) interface named name.
func openTunDevice(name string) (int, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	var ifr ifReq
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if err := tunsetiff(f.Fd(), &ifr); err != nil {
		return -1, err
	}

	// The kernel dup's the fd into the running process's control of the
	// interface; detach it from f's finalizer by dup'ing here so the fd
	// survives f.Close() (the teacher's db.go does the analogous dance
	// with atomic file replace-then-close).
	newFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, err
	}
	return newFd, nil
}

type ifReq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte // pad to match struct ifreq on amd64/arm64
}

func tunsetiff(fd uintptr, ifr *ifReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Addr parses a presentation-form IPv4/IPv6 address, returning an error
// for anything net.ParseIP rejects.
func Addr(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("tunsetup: invalid address %q", s)
	}
	return ip, nil
}
