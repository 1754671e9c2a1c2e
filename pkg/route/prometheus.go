package route

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	orphanedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_orphaned_packets",
		Help: "A counter of data packets with no resolvable topic.",
	})

	duplicatePackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_duplicate_packets",
		Help: "A counter of stale-sequence duplicates dropped per subscriber.",
	})

	deliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_delivery_errors",
		Help: "A counter of subscriber delivery panics.",
	})

	deliveredSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_delivered_samples",
		Help: "A counter of samples handed to subscribers.",
	})
)
