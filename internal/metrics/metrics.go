// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total websocket connections accepted",
		},
		[]string{"kind"}, // "anonymous", "account" or "backend"
	)

	// Rooms
	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_room_joins_total",
			Help: "Room join attempts",
		},
		[]string{"result"}, // "allow" or "deny"
	)

	// Transcript
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_ingested_total",
			Help: "Message fragments persisted",
		},
		[]string{"origin"}, // "incoming" or "backend"
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_status_transitions_total",
			Help: "Persisted session status changes",
		},
		[]string{"status"},
	)

	Terminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_terminations_total",
			Help: "stop_generating requests honoured",
		},
	)

	Dropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Inbound events dropped without a reply",
		},
		[]string{"reason"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_handler_errors_total",
			Help: "Inbound events whose handler failed",
		},
		[]string{"event"},
	)

	// Infrastructure
	BrokerPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broker_publish_failures_total",
			Help: "Room emits that fell back to local-only delivery",
		},
	)

	BrokerResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broker_resubscribes_total",
			Help: "Broker subscriptions re-established after loss",
		},
	)
)
