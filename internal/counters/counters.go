// Package counters implements the four {packets, bytes, drop_packets,
// drop_bytes} tuples spec.md §3/§6 attaches to the IoContext: tun-rx,
// tun-tx, world-rx, world-tx. They are plain (non-atomic) fields — the
// whole core runs on one thread (spec.md §5) — exposed for a status
// snapshot; Prometheus export lives in internal/metrics, which
// internal/dispatch updates at the same call sites as these counters.
package counters

// Set is one {packets, bytes, drop_packets, drop_bytes} tuple.
type Set struct {
	Packets     uint64
	Bytes       uint64
	DropPackets uint64
	DropBytes   uint64
}

// Add records n packets totalling nBytes of successfully delivered data.
func (s *Set) Add(n, nBytes int) {
	s.Packets += uint64(n)
	s.Bytes += uint64(nBytes)
}

// Drop records n dropped packets totalling nBytes.
func (s *Set) Drop(n, nBytes int) {
	s.DropPackets += uint64(n)
	s.DropBytes += uint64(nBytes)
}

// Counters holds all four tuples tracked by the engine.
type Counters struct {
	TunRx   Set
	TunTx   Set
	WorldRx Set
	WorldTx Set
}
