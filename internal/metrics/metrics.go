// Package metrics exposes the Venue Host's Prometheus collectors,
// grounded on Adityaadpandey-sfu-go's internals/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_peers_connected",
		Help: "Number of currently connected peers.",
	})

	PeersJoined = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_peers_joined",
		Help: "Number of peers currently joined to the room.",
	})

	PeerEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_peer_evictions_total",
		Help: "Total peer removals by reason.",
	}, []string{"reason"})

	IndexFilesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_index_files",
		Help: "Number of files currently in the room index.",
	})

	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_transfers_active",
		Help: "Number of relay transfers not yet in a terminal state.",
	})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_transfers_total",
		Help: "Total relay transfers by terminal outcome.",
	}, []string{"outcome"})

	BytesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_bytes_relayed_total",
		Help: "Total bytes forwarded through relay transfers.",
	})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_parse_errors_total",
		Help: "Total malformed inbound text frames.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_rate_limited_total",
		Help: "Total inbound control frames dropped for exceeding the per-endpoint rate limit.",
	})
)
