// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayFramesTotal counts frames forwarded per direction
	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_relay_frames_total",
			Help: "Total number of frames relayed",
		},
		[]string{"direction"},
	)

	// RelayBytesTotal counts encoded bytes written per direction
	RelayBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_relay_bytes_total",
			Help: "Total number of encoded bytes relayed",
		},
		[]string{"direction"},
	)

	// RelayTerminationsTotal counts pipeline terminations by cause
	RelayTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspector_relay_terminations_total",
			Help: "Total number of relay pipeline terminations",
		},
		[]string{"direction", "reason"},
	)

	// ActiveSessions tracks proxied client connections
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inspector_active_sessions",
			Help: "Number of client sessions currently relayed",
		},
	)

	// StoredPacketsTotal counts packets appended to session stores
	StoredPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inspector_stored_packets_total",
			Help: "Total number of packets recorded in session stores",
		},
	)

	// MirrorDropsTotal counts packets the mirror discarded on a full buffer
	MirrorDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inspector_mirror_drops_total",
			Help: "Total number of packets dropped by the mirror",
		},
	)
)
