// Package metrics exposes Prometheus instrumentation for the session bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsSequenced counts events assigned a sequence number.
	EventsSequenced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_events_sequenced_total",
		Help: "Events assigned a sequence number by the bridge.",
	})

	// ReplayBatches counts partial replay batches sent to reconnecting clients.
	ReplayBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_replay_batches_total",
		Help: "Partial replay batches sent to reconnecting clients.",
	})

	// FullResyncs counts gap-triggered full history resyncs.
	FullResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_full_resyncs_total",
		Help: "Full history resyncs triggered by a replay gap.",
	})

	// DuplicateCommands counts client commands dropped by the deduplicator.
	DuplicateCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_duplicate_commands_total",
		Help: "Client commands dropped as duplicates.",
	})

	// PermissionsAutoApproved counts permission requests approved by the guard.
	PermissionsAutoApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_permissions_auto_approved_total",
		Help: "Permission requests auto-approved by the guard pipeline.",
	})

	// PermissionsAutoDenied counts permission requests denied by the guard.
	PermissionsAutoDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_permissions_auto_denied_total",
		Help: "Permission requests auto-denied by the guard pipeline.",
	})

	// PermissionsManual counts permission requests parked for a human.
	PermissionsManual = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pontis_permissions_manual_total",
		Help: "Permission requests parked for human resolution.",
	})

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pontis_active_sessions",
		Help: "Number of live sessions in the registry.",
	})

	// ConnectedClients tracks the number of connected browser clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pontis_connected_clients",
		Help: "Number of connected browser WebSocket clients.",
	})
)
