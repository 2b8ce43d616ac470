package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activePeers = promauto.With(prometheus.DefaultRegisterer).NewGauge(prometheus.GaugeOpts{
	Namespace: "kinmesh",
	Subsystem: "registry",
	Name:      "active_peers",
	Help:      "Number of peers currently tracked as active.",
})
