package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesRouted = promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
		Name: "kinmesh_relay_messages_routed_total",
		Help: "Messages the hub delivered to a peer link.",
	})
	messagesDropped = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(prometheus.CounterOpts{
		Name: "kinmesh_relay_messages_dropped_total",
		Help: "Messages dropped instead of delivered, by reason.",
	}, []string{"reason"})
)
