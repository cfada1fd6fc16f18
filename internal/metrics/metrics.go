// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nhex"
)

var (
	// BoardsCreated counts board-creation requests by outcome.
	BoardsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boards_created_total",
			Help:      "Total number of board creation requests",
		},
		[]string{"status"}, // status: success/error
	)

	// BoardJoins counts board-join requests by outcome.
	BoardJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_joins_total",
			Help:      "Total number of board join requests",
		},
		[]string{"status"},
	)

	// HeartbeatsTotal counts heartbeats processed by the manager.
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of sync node heartbeats processed",
		},
	)

	// SyncNodes tracks the number of registered live sync nodes.
	SyncNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_nodes",
			Help:      "Number of registered live sync nodes",
		},
	)

	// BoardsLoaded tracks the boards currently served by this sync node.
	BoardsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boards_loaded",
			Help:      "Number of boards currently loaded",
		},
	)

	// ConnectedClients tracks live client connections on this sync node.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of connected board clients",
		},
	)

	// CommandsRelayed counts commands fanned out to clients.
	CommandsRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_relayed_total",
			Help:      "Total number of commands relayed between clients",
		},
	)

	// BatchesConfirmed counts batches acknowledged durable by storage.
	BatchesConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_confirmed_total",
			Help:      "Total number of command batches confirmed durable",
		},
	)
)
