// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks live WebSocket connections per relay.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chai_relay_connections",
			Help: "Number of active relay connections",
		},
		[]string{"server_id"},
	)

	// FramesTotal counts processed frames by tag and direction.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chai_relay_frames_total",
			Help: "Total frames processed",
		},
		[]string{"server_id", "frame", "direction"},
	)

	// MessagesStored counts persisted store-and-forward rows.
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_messages_stored_total",
			Help: "Total encrypted messages persisted",
		},
	)

	// MessagesDelivered counts deliveries to online recipients.
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chai_relay_messages_delivered_total",
			Help: "Total messages delivered to online recipients",
		},
		[]string{"kind"}, // live, replay
	)

	// PrekeysConsumed counts one-time prekeys handed out in bundles.
	PrekeysConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_prekeys_consumed_total",
			Help: "Total one-time prekeys consumed by bundle fetches",
		},
	)

	// LowPrekeyWarnings counts LowPrekeys frames emitted to bundle owners.
	LowPrekeyWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_low_prekey_warnings_total",
			Help: "Total low-prekey warnings sent",
		},
	)

	// DroppedConnections counts connections closed for backpressure.
	DroppedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_dropped_connections_total",
			Help: "Connections dropped because the outbound queue was full",
		},
	)

	// ReapedMessages counts rows pruned by the retention reaper.
	ReapedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chai_relay_reaped_messages_total",
			Help: "Delivered messages pruned past retention",
		},
	)

	// HTTPRequestsTotal counts side-endpoint requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chai_relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
