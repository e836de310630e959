// Package metrics exposes the four counter tuples spec.md §3/§6 requires
// ({packets, bytes, drop_packets, drop_bytes} for tun-rx, tun-tx,
// world-rx, world-tx) over Prometheus, mirroring the
// promauto.NewCounterVec style of manager/metrics.go in the teacher
// daemon. internal/dispatch calls Observe/ObserveDrop alongside every
// internal/counters.Set update, and internal/meshnode calls SetLivePeers
// whenever the live peer table changes, so the plain in-process counters
// (internal/meshnode.Counters, surfaced over the control socket) and the
// Prometheus series stay in lockstep.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelDirection = "direction"

// Directions for the direction label.
const (
	DirTunRx   = "tun_rx"
	DirTunTx   = "tun_tx"
	DirWorldRx = "world_rx"
	DirWorldTx = "world_tx"
)

var (
	packetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_packets_total",
			Help: "Total number of L3 packets processed, by direction.",
		},
		[]string{labelDirection},
	)
	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_bytes_total",
			Help: "Total number of L3 payload bytes processed, by direction.",
		},
		[]string{labelDirection},
	)
	dropPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_drop_packets_total",
			Help: "Total number of L3 packets dropped, by direction.",
		},
		[]string{labelDirection},
	)
	dropBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_drop_bytes_total",
			Help: "Total number of L3 payload bytes dropped, by direction.",
		},
		[]string{labelDirection},
	)

	livePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_live_peers",
			Help: "Number of peers currently holding a live mesh connection.",
		},
	)

	// BuildInfo mirrors the doublezero_build_info gauge cmd/doublezerod
	// registers directly in main(); cmd/meshd sets it once at startup.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshd_build_info",
			Help: "Build information of meshd.",
		},
		[]string{"version", "commit", "date"},
	)
)

// Observe records n packets totalling nBytes for the given direction.
func Observe(direction string, n, nBytes int) {
	packetsTotal.WithLabelValues(direction).Add(float64(n))
	bytesTotal.WithLabelValues(direction).Add(float64(nBytes))
}

// ObserveDrop records n dropped packets totalling nBytes for the given
// direction.
func ObserveDrop(direction string, n, nBytes int) {
	dropPacketsTotal.WithLabelValues(direction).Add(float64(n))
	dropBytesTotal.WithLabelValues(direction).Add(float64(nBytes))
}

// SetLivePeers sets the current live-peer gauge.
func SetLivePeers(n int) {
	livePeers.Set(float64(n))
}
