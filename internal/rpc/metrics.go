package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(prometheus.CounterOpts{
	Name: "kinmesh_rpc_calls_total",
	Help: "RPC round trips initiated by this device, by outcome.",
}, []string{"outcome"})
