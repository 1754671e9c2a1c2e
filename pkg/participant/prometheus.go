package participant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "participant_protocol_errors",
		Help: "A counter of malformed or unparseable packets dropped.",
	})

	slabExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "participant_slab_exhausted",
		Help: "A counter of intra-process deliveries skipped for want of a slab slot.",
	})

	samplesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "participant_samples_written",
		Help: "A counter of user samples accepted by writers.",
	})

	samplesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "participant_samples_lost",
		Help: "A counter of samples declared lost (retries exhausted or lifespan expired).",
	})
)
