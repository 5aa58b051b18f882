package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections      = promauto.NewGauge(prometheus.GaugeOpts{Name: "fakevnc_active_connections", Help: "Client connections currently held open"})
	ListeningSockets       = promauto.NewGauge(prometheus.GaugeOpts{Name: "fakevnc_listening_sockets", Help: "Bound listening sockets"})
	AcceptedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "fakevnc_accepted_total", Help: "Connections accepted into a slot"})
	RejectedTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fakevnc_rejected_total", Help: "Connections dropped right after accept"}, []string{"reason"})
	ClosedTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fakevnc_closed_total", Help: "Closed connections by outcome"}, []string{"outcome"})
	HandshakeErrorsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fakevnc_handshake_errors_total", Help: "Handshake violations by kind"}, []string{"kind"})
	NegotiatedTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fakevnc_negotiated_total", Help: "Closed sessions by negotiated version and security type"}, []string{"version", "sectype"})
	CapturesDroppedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "fakevnc_captures_dropped_total", Help: "Capture records that could not be stored"})
	ConnectionDurationSecs = promauto.NewHistogram(prometheus.HistogramOpts{Name: "fakevnc_connection_duration_seconds", Help: "Connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
