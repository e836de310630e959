package endpoint

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/secsecsec/meshd/internal/ioresult"
	"github.com/secsecsec/meshd/internal/ring"
)

// RecvSource returns a ring.Source that performs a single non-blocking
// recv() from fd into the first region handed to it, classifying the
// result per spec.md §7: EAGAIN/EWOULDBLOCK yields OKExhausted, a
// zero-length read (peer closed) or ECONNRESET (peer reset) is KILL,
// anything else is UNKNOWN_ERR.
func RecvSource(fd int) ring.Source {
	return func(r1, r2 ring.Region) (int, ioresult.Code) {
		n, err := unix.Read(fd, r1)
		if err != nil {
			return 0, classifyRecvErr(err)
		}
		if n == 0 {
			return 0, ioresult.Kill
		}
		return n, ioresult.OK
	}
}

// SendSink returns a ring.Sink that performs a single non-blocking send()
// from fd out of the first region handed to it, classifying the result
// per spec.md §7: EAGAIN/EWOULDBLOCK yields OKExhausted, ECONNRESET/
// ENOTCONN/EPIPE is KILL, anything else is UNKNOWN_ERR.
func SendSink(fd int) ring.Sink {
	return func(r1, r2 ring.Region) (int, ioresult.Code) {
		n, err := unix.Write(fd, r1)
		if err != nil {
			return 0, classifySendErr(err)
		}
		return n, ioresult.OK
	}
}

func classifyRecvErr(err error) ioresult.Code {
	if isAgain(err) {
		return ioresult.OKExhausted
	}
	if errors.Is(err, unix.ECONNRESET) {
		return ioresult.Kill
	}
	return ioresult.UnknownErr
}

func classifySendErr(err error) ioresult.Code {
	if isAgain(err) {
		return ioresult.OKExhausted
	}
	if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ENOTCONN) || errors.Is(err, unix.EPIPE) {
		return ioresult.Kill
	}
	return ioresult.UnknownErr
}

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// WriteWhole issues a single write(2) of p to fd, the form the TUN writer
// uses for a packet that is contiguous in the ring (spec.md §4.3). A
// short write (n < len(p)) is treated as UNKNOWN_ERR: the kernel TUN
// interface accepts or rejects a whole packet per call, so a partial
// count here indicates something unexpected rather than backpressure.
func WriteWhole(fd int, p []byte) ioresult.Code {
	if len(p) == 0 {
		return ioresult.OK
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		return classifyTunWriteErr(err)
	}
	if n != len(p) {
		return ioresult.UnknownErr
	}
	return ioresult.OK
}

// WritevWhole issues a single writev(2) of {a, b} to fd — the atomic
// cross-wrap TUN emission spec.md §4.2/§4.3 requires ("writev of up to
// two iovecs covering the ring wrap").
func WritevWhole(fd int, a, b []byte) ioresult.Code {
	total := len(a) + len(b)
	if total == 0 {
		return ioresult.OK
	}
	iovs := make([][]byte, 0, 2)
	if len(a) > 0 {
		iovs = append(iovs, a)
	}
	if len(b) > 0 {
		iovs = append(iovs, b)
	}
	n, err := unix.Writev(fd, iovs)
	if err != nil {
		return classifyTunWriteErr(err)
	}
	if n != total {
		return ioresult.UnknownErr
	}
	return ioresult.OK
}

func classifyTunWriteErr(err error) ioresult.Code {
	if isAgain(err) {
		return ioresult.OKExhausted
	}
	return ioresult.UnknownErr
}

// ReadWhole issues a single non-blocking read(2) from fd into p,
// classifying the result the way the TUN reader (spec.md §4.4) expects:
// EAGAIN yields OKExhausted, anything else unexpected is UNKNOWN_ERR.
func ReadWhole(fd int, p []byte) (int, ioresult.Code) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if isAgain(err) {
			return 0, ioresult.OKExhausted
		}
		return 0, ioresult.UnknownErr
	}
	return n, ioresult.OK
}
