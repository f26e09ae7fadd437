package internal

import (
	"github.com/andydunstall/meshsub/peer"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "meshsub"

// Metrics contains the prometheus metrics for a node. Each metric has a
// constant peer label so multiple nodes can share a registry.
type Metrics struct {
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesInvalid   prometheus.Counter
	// Forwards counts sends by forward kind.
	Forwards             *prometheus.CounterVec
	SendErrors           prometheus.Counter
	SendsDropped         prometheus.Counter
	NotificationsDropped prometheus.Counter
	PrunesReceived       prometheus.Counter
	Heartbeats           prometheus.Counter
	ConnectedPeers       prometheus.Gauge
	MeshPeers            *prometheus.GaugeVec
	SeenEntries          prometheus.Gauge
}

// NewMetrics creates the node metrics and registers them with reg. If reg is
// nil the metrics are created but not registered.
func NewMetrics(id peer.ID, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"peer": id.String()}
	counter := func(name string, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name string, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		MessagesPublished: counter("messages_published_total", "Messages published by the local node."),
		MessagesDelivered: counter("messages_delivered_total", "Messages delivered to the application."),
		MessagesDuplicate: counter("messages_duplicate_total", "Received messages dropped as duplicates."),
		MessagesInvalid:   counter("messages_invalid_total", "Received messages or RPCs that failed validation."),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "forwards_total",
			Help:        "Sends to peers by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		SendErrors:           counter("send_errors_total", "Failed sends to peers."),
		SendsDropped:         counter("sends_dropped_total", "Sends dropped due to a full peer queue."),
		NotificationsDropped: counter("notifications_dropped_total", "Application notifications dropped due to a full buffer."),
		PrunesReceived:       counter("prunes_received_total", "Prune notices received from peers."),
		Heartbeats:           counter("heartbeats_total", "Heartbeats run."),
		ConnectedPeers:       gauge("connected_peers", "Number of connected peers."),
		MeshPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "mesh_peers",
			Help:        "Number of mesh peers by topic.",
			ConstLabels: labels,
		}, []string{"topic"}),
		SeenEntries: gauge("seen_entries", "Number of entries in the seen cache."),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesPublished,
			m.MessagesDelivered,
			m.MessagesDuplicate,
			m.MessagesInvalid,
			m.Forwards,
			m.SendErrors,
			m.SendsDropped,
			m.NotificationsDropped,
			m.PrunesReceived,
			m.Heartbeats,
			m.ConnectedPeers,
			m.MeshPeers,
			m.SeenEntries,
		)
	}
	return m
}
