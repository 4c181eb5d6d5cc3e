// Package metrics holds the prometheus collectors shared by uebridge packages.
//
// Collectors register with the default registry at init; hosts expose them with
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uebridge"

var (
	// Requests sent by a session, by request kind and outcome (ok, error, timeout, lost).
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "calls_total",
		Help:      "Requests sent over an RPC session by kind and outcome",
	}, []string{"kind", "outcome"})

	// Round trip latency of answered calls.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "call_duration_seconds",
		Help:      "Time from send to response for answered calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// Calls awaiting a response, abandoned ones included.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "in_flight",
		Help:      "Calls registered and not yet answered",
	})

	// Responses that arrived after their caller timed out.
	LateResponses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "late_responses_total",
		Help:      "Responses discarded because the caller had already timed out",
	})

	// Sessions closed by a broken connection.
	ConnectionsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "connections_lost_total",
		Help:      "Sessions closed because the connection failed",
	})

	// Remote objects whose destroy request failed; the engine side is leaked.
	LeakedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "leaked_objects_total",
		Help:      "Remote objects left behind because destroy failed",
	})

	// Proxies released by the garbage collector instead of an explicit Destroy.
	FinalizedProxies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "finalized_total",
		Help:      "Proxies destroyed by finalization",
	})

	// Live remote handles across all handle tables.
	LiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "handle",
		Name:      "live",
		Help:      "Remote handles currently in the Live state",
	})

	// Requests served by the reference host, by kind and status.
	ServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "requests_total",
		Help:      "Requests handled by the engine host by kind and status",
	}, []string{"kind", "status"})

	// Objects and containers alive in the reference host.
	HostObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "objects",
		Help:      "Objects and containers held by the engine host",
	})
)
