// Package metrics exposes the dispatcher's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoutedTotal counts routed inbound messages by audit status.
	RoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_routed_messages_total",
		Help: "Routed inbound messages by outcome status.",
	}, []string{"status"})

	// ForwardedTotal counts frames forwarded to downstream targets.
	ForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_forwarded_frames_total",
		Help: "Frames forwarded to downstream connections.",
	}, []string{"target"})

	// ReconnectsTotal counts reconnect attempts per outbound connection.
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_reconnect_attempts_total",
		Help: "Reconnect attempts per outbound connection.",
	}, []string{"connection"})

	// InboundClients tracks currently attached chat-adapter clients.
	InboundClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_inbound_clients",
		Help: "Currently connected chat-adapter clients.",
	})
)
