// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus instrumentation of the capture and
// analysis pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	PacketsProcessed prometheus.Counter
	PacketsInvalid   prometheus.Counter
	OpenFlows        prometheus.Gauge

	ConnectionsStored    prometheus.Counter
	ConnectionsDuplicate prometheus.Counter
	ConnectionsFailed    prometheus.Counter
	StreamChunksStored   prometheus.Counter
	PatternMatches       prometheus.Counter
	PersistQueueDepth    prometheus.Gauge
	RescansCompleted     prometheus.Counter
	RulesVersion         prometheus.Gauge
	SessionsStarted      *prometheus.CounterVec
	StreamRequestsServed prometheus.Counter
	WebsocketClients     prometheus.Gauge
}

// New creates the metric set on its own registry, so tests can build as many
// instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_packets_processed_total",
			Help: "Total number of packets accepted by the assembler",
		}),
		PacketsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_packets_invalid_total",
			Help: "Total number of packets rejected as not IP/TCP",
		}),
		OpenFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acheron_open_flows",
			Help: "Number of TCP flows currently held in memory",
		}),
		ConnectionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_connections_stored_total",
			Help: "Total number of connections persisted",
		}),
		ConnectionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_connections_duplicate_total",
			Help: "Total number of flows skipped because they were already finalized",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_connections_failed_total",
			Help: "Total number of flows dropped after persistence retries",
		}),
		StreamChunksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_stream_chunks_stored_total",
			Help: "Total number of stream chunks persisted",
		}),
		PatternMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_pattern_matches_total",
			Help: "Total number of pattern matches found while scanning flows",
		}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acheron_persist_queue_depth",
			Help: "Completed flows waiting for a persister worker",
		}),
		RescansCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_rescans_completed_total",
			Help: "Total number of connections re-scanned after a rules change",
		}),
		RulesVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acheron_rules_version",
			Help: "Current version of the compiled rule database",
		}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acheron_sessions_started_total",
			Help: "Total number of capture sessions started",
		}, []string{"source"}),
		StreamRequestsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acheron_stream_requests_served_total",
			Help: "Total number of stream content requests served",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acheron_websocket_clients",
			Help: "Number of connected websocket clients",
		}),
	}
	m.registry.MustRegister(
		m.PacketsProcessed, m.PacketsInvalid, m.OpenFlows,
		m.ConnectionsStored, m.ConnectionsDuplicate, m.ConnectionsFailed,
		m.StreamChunksStored, m.PatternMatches, m.PersistQueueDepth,
		m.RescansCompleted, m.RulesVersion, m.SessionsStarted,
		m.StreamRequestsServed, m.WebsocketClients,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
