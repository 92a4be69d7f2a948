// Package metrics exposes Prometheus collectors for bridge and RPC activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for inbound payloads that are not for us.
const (
	DropOrigin    = "origin"
	DropMalformed = "malformed"
	DropBridgeID  = "bridge_id"
	DropSelf      = "self"
	DropDestroyed = "destroyed"
)

// Label values standing in for peer supplied names that are not known
// locally, so a remote cannot grow the series count.
const (
	OtherType      = "other"
	UnknownCommand = "unknown"
)

var (
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framjet_bridge_messages_total",
			Help: "Bridge messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framjet_bridge_dropped_total",
			Help: "Inbound payloads discarded before dispatch",
		},
		[]string{"reason"},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framjet_bridge_handshakes_total",
			Help: "Handshake outcomes",
		},
		[]string{"outcome"},
	)

	activeBridges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "framjet_bridge_active",
			Help: "Bridges created and not yet destroyed",
		},
	)

	heartbeatRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framjet_bridge_heartbeat_rtt_seconds",
			Help:    "Round trip time between ping and pong",
			Buckets: prometheus.DefBuckets,
		},
	)

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framjet_rpc_calls_total",
			Help: "Outbound RPC calls by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "framjet_rpc_call_duration_seconds",
			Help:    "Outbound RPC call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	rpcServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framjet_rpc_served_total",
			Help: "Inbound RPC requests by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	rpcUnknownResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framjet_rpc_unknown_responses_total",
			Help: "Responses received for correlation ids that are not pending",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(messages, dropped, handshakes, activeBridges, heartbeatRTT, rpcCalls, rpcDuration, rpcServed, rpcUnknownResponses)
}

// RecordInbound counts a dispatched inbound message.
func RecordInbound(msgType string) { messages.WithLabelValues("in", msgType).Inc() }

// RecordOutbound counts a sent message.
func RecordOutbound(msgType string) { messages.WithLabelValues("out", msgType).Inc() }

// RecordDrop counts an inbound payload discarded for reason.
func RecordDrop(reason string) { dropped.WithLabelValues(reason).Inc() }

// RecordHandshake counts a handshake outcome.
func RecordHandshake(ready bool) {
	outcome := "ready"
	if !ready {
		outcome = "timeout"
	}
	handshakes.WithLabelValues(outcome).Inc()
}

// BridgeOpened increments the active bridge gauge.
func BridgeOpened() { activeBridges.Inc() }

// BridgeClosed decrements the active bridge gauge.
func BridgeClosed() { activeBridges.Dec() }

// ObserveHeartbeatRTT records a ping round trip.
func ObserveHeartbeatRTT(d time.Duration) { heartbeatRTT.Observe(d.Seconds()) }

// RecordCall records the outcome and duration of an outbound call.
func RecordCall(command, outcome string, d time.Duration) {
	rpcCalls.WithLabelValues(command, outcome).Inc()
	rpcDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordServed counts an inbound request answered with success or error.
func RecordServed(command string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	rpcServed.WithLabelValues(command, outcome).Inc()
}

// RecordUnknownResponse counts a response nobody is waiting for.
func RecordUnknownResponse() { rpcUnknownResponses.Inc() }
