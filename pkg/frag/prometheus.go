package frag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fragTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frag_timeouts",
		Help: "A counter of reassembly states evicted before completion.",
	})

	fragDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frag_duplicates",
		Help: "A counter of duplicate fragments ignored.",
	})

	fragCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frag_completed",
		Help: "A counter of payloads fully reassembled.",
	})

	fragStates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "frag_states",
		Help: "A gauge of reassembly states currently held.",
	})
)
