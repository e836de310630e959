package ring

import "github.com/secsecsec/meshd/internal/ioresult"

// Source reads bytes into the two regions handed to it (r2 may be nil) and
// reports how many bytes it produced along with an ioresult.Code.
type Source func(r1, r2 Region) (n int, code ioresult.Code)

// Sink writes bytes out of the two regions handed to it and reports how
// many bytes it consumed along with an ioresult.Code.
type Sink func(r1, r2 Region) (n int, code ioresult.Code)

// Fill repeatedly hands the current writable region(s) to src, committing
// whatever it produces. After each successful read, if drain is non-nil it
// is invited to free up readable bytes (e.g. flush them downstream); drain
// returning Kill aborts the whole fill. The loop terminates when src
// reports OKExhausted, or the ring is full and drain is nil (spec.md
// §4.1).
func Fill(rb *Buffer, src Source, drain func() ioresult.Code) ioresult.Code {
	for {
		r1, r2 := rb.WritableRegions()
		if len(r1) == 0 && len(r2) == 0 {
			if drain == nil {
				return ioresult.OKExhausted
			}
			if code := drain(); code == ioresult.Kill {
				return ioresult.Kill
			}
			r1, r2 = rb.WritableRegions()
			if len(r1) == 0 && len(r2) == 0 {
				return ioresult.OKExhausted
			}
			continue
		}

		n, code := src(r1, r2)
		if n > 0 {
			rb.CommitWrite(n)
			if drain != nil {
				if c := drain(); c == ioresult.Kill {
					return ioresult.Kill
				}
			}
		}

		switch code {
		case ioresult.OK:
			continue
		default:
			return code
		}
	}
}

// Drain repeatedly presents the readable region(s) to sink until it reports
// anything other than OK, or the ring is empty (spec.md §4.1).
func Drain(rb *Buffer, sink Sink) ioresult.Code {
	for {
		r1, r2 := rb.ReadableRegions()
		if len(r1) == 0 && len(r2) == 0 {
			return ioresult.OK
		}

		n, code := sink(r1, r2)
		if n > 0 {
			rb.CommitRead(n)
		}

		switch code {
		case ioresult.OK:
			continue
		default:
			return code
		}
	}
}
