package congestion

import (
	"sync"
	"time"
)

// Controller glues the scorer, the AIMD rate and the priority queues
// into the send path. The congestion scheduler calls Tick every
// ScoreTick; transports report send results through OnSendResult; the
// reliability plane reports NACK rates and RTT samples.
type Controller struct {
	cfg      Config
	scorer   *Scorer
	rate     *RateController
	queues   *PriorityQueues
	feedback *Feedback
	rtt      *PeerRTT

	mu          sync.Mutex
	pendingHard bool
	pendingSoft bool
}

// NewController builds a controller from cfg; cfg must already be
// validated.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	c.scorer = NewScorer(&c.cfg)
	c.rate = NewRateController(&c.cfg)
	c.queues = NewPriorityQueues(&c.cfg)
	c.feedback = NewFeedback()
	c.rtt = NewPeerRTT(100*time.Millisecond, cfg.RTTInflateFactor)
	return c
}

// Config returns the controller's tuning.
func (c *Controller) Config() Config { return c.cfg }

// Queues returns the priority send queues.
func (c *Controller) Queues() *PriorityQueues { return c.queues }

// Rate returns the AIMD rate controller.
func (c *Controller) Rate() *RateController { return c.rate }

// Scorer returns the congestion scorer.
func (c *Controller) Scorer() *Scorer { return c.scorer }

// Feedback returns the transport feedback counters.
func (c *Controller) Feedback() *Feedback { return c.feedback }

// RTT returns the per-peer RTT estimator set.
func (c *Controller) RTT() *PeerRTT { return c.rtt }

// OnSendResult classifies a transport send result and feeds the scorer.
func (c *Controller) OnSendResult(err error) Signal {
	sig := c.feedback.Record(err)
	if sig.IsCongestion() {
		c.scorer.OnSignal(sig)
		if c.cfg.EagainIsHard {
			c.mu.Lock()
			c.pendingHard = true
			c.mu.Unlock()
		} else {
			c.markSoft()
		}
	}
	return sig
}

// OnRTTSample folds a peer RTT sample and raises a soft signal when the
// estimate is inflated.
func (c *Controller) OnRTTSample(peer string, sample time.Duration) {
	c.rtt.Update(peer, sample)
	if est := c.rtt.Peer(peer); est != nil && est.Inflated() {
		c.scorer.OnRTTInflated()
		c.markSoft()
	}
}

// OnNackRate reports the observed inbound NACK rate.
func (c *Controller) OnNackRate(nacksPerSec int) {
	if nacksPerSec > c.cfg.NackRateThreshold {
		c.scorer.OnNackRate(nacksPerSec)
		c.markSoft()
	}
}

func (c *Controller) markSoft() {
	c.mu.Lock()
	c.pendingSoft = true
	c.mu.Unlock()
}

// Tick runs one scheduler step: decay the score, apply any pending rate
// decrease, apply additive increase after a stable window, and return
// the byte budget for this tick.
func (c *Controller) Tick() Budget {
	// Evaluate the threshold on the pre-decay score so an impulse that
	// just crossed it acts on this tick, then decay.
	congested := c.scorer.Congested()
	c.scorer.Tick()

	c.mu.Lock()
	hard, soft := c.pendingHard, c.pendingSoft
	c.pendingHard, c.pendingSoft = false, false
	c.mu.Unlock()

	if congested {
		if hard {
			c.rate.DecreaseHard()
		} else if soft {
			c.rate.DecreaseSoft()
		}
	} else if c.scorer.StableFor(c.cfg.StableWindow) {
		c.rate.Increase()
	}
	return c.rate.BudgetFor(c.cfg.ScoreTick)
}
