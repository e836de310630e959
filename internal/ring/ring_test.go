package ring_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secsecsec/meshd/internal/ring"
)

func TestEmptyAndFull(t *testing.T) {
	rb := ring.New(8)
	assert.True(t, rb.Empty())
	assert.False(t, rb.Full())
	assert.Equal(t, 8, rb.Free())

	n := rb.Write([]byte("12345678"))
	assert.Equal(t, 8, n)
	assert.True(t, rb.Full())
	assert.False(t, rb.Empty())

	buf := make([]byte, 8)
	n = rb.Read(buf)
	assert.Equal(t, 8, n)
	assert.Equal(t, "12345678", string(buf))
	assert.True(t, rb.Empty())
}

// TestRoundTrip is testable property #1 from spec.md §8: for every byte
// sequence S <= ring.size-1 pushed via writable+commit and pulled via
// readable+commit, the output equals S, across arbitrary interleavings of
// partial pushes and pulls.
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		size := 4 + rng.Intn(64)
		rb := ring.New(size)

		total := rng.Intn(size * 20)
		input := make([]byte, total)
		rng.Read(input)

		var output bytes.Buffer
		pos := 0
		for pos < total || !rb.Empty() {
			if pos < total && rng.Intn(2) == 0 {
				chunk := 1 + rng.Intn(size)
				end := pos + chunk
				if end > total {
					end = total
				}
				n := rb.Write(input[pos:end])
				pos += n
			} else if !rb.Empty() {
				chunk := 1 + rng.Intn(size)
				buf := make([]byte, chunk)
				n := rb.Read(buf)
				output.Write(buf[:n])
			} else if pos < total {
				n := rb.Write(input[pos:])
				pos += n
			}
		}
		require.Equal(t, input, output.Bytes(), "trial %d size %d", trial, size)
	}
}

func TestWriteWrapsAcrossBoundary(t *testing.T) {
	rb := ring.New(16)
	rb.Write(make([]byte, 12))
	buf := make([]byte, 12)
	rb.Read(buf)
	// start=end=12, empty. Now write 10 bytes, wrapping past size=16.
	payload := []byte("0123456789")
	n := rb.Write(payload)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, rb.Len())

	out := make([]byte, 10)
	n = rb.Read(out)
	assert.Equal(t, 10, n)
	assert.Equal(t, payload, out)
}

func TestCommitWritePastFreeSpacePanics(t *testing.T) {
	rb := ring.New(4)
	assert.Panics(t, func() { rb.CommitWrite(5) })
}

func TestCommitReadPastLenPanics(t *testing.T) {
	rb := ring.New(4)
	assert.Panics(t, func() { rb.CommitRead(1) })
}

func TestTryWriteAllOrNothing(t *testing.T) {
	rb := ring.New(8)
	assert.True(t, rb.TryWrite([]byte("1234")))
	assert.Equal(t, 4, rb.Len())

	// Only 4 bytes free; a 5-byte write must leave the ring untouched.
	assert.False(t, rb.TryWrite([]byte("abcde")))
	assert.Equal(t, 4, rb.Len())

	assert.True(t, rb.TryWrite([]byte("5678")))
	assert.True(t, rb.Full())
}

func TestTryWriteFromAcrossWrap(t *testing.T) {
	src := ring.New(16)
	src.Write(make([]byte, 12))
	buf := make([]byte, 12)
	src.Read(buf)
	// src start=end=12; write 10 bytes so it wraps past size=16.
	payload := []byte("0123456789")
	src.Write(payload)

	dst := ring.New(10)
	ok := dst.TryWriteFrom(src, 10)
	require.True(t, ok)
	assert.True(t, src.Empty())

	out := make([]byte, 10)
	dst.Read(out)
	assert.Equal(t, payload, out)
}

func TestTryWriteFromInsufficientSpaceLeavesBothUntouched(t *testing.T) {
	src := ring.New(16)
	src.Write([]byte("0123456789"))

	dst := ring.New(4)
	ok := dst.TryWriteFrom(src, 10)
	assert.False(t, ok)
	assert.Equal(t, 10, src.Len())
	assert.Equal(t, 0, dst.Len())
}

func TestPeekAtDoesNotConsume(t *testing.T) {
	rb := ring.New(8)
	rb.Write([]byte("abcdef"))
	buf := make([]byte, 3)
	n := rb.PeekAt(2, buf)
	assert.Equal(t, 3, n)
	assert.Equal(t, "cde", string(buf))
	assert.Equal(t, 6, rb.Len(), "peek must not consume")
}
