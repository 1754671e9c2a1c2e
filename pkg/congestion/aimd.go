package congestion

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateController is the AIMD rate scalar R, bounded to
// [MinRateBps, MaxRateBps]. Decreases are multiplicative (soft or hard
// factor) and rate-limited by a cooldown; increases are additive after a
// stable window. A token-bucket limiter paced at R is exposed for the
// link send path.
type RateController struct {
	mu           sync.Mutex
	cfg          *Config
	rate         float64
	lastDecrease time.Time
	lastIncrease time.Time
	limiter      *rate.Limiter
}

// NewRateController starts at the maximum rate, the optimistic start the
// scorer will correct within a few ticks under loss.
func NewRateController(cfg *Config) *RateController {
	r := float64(cfg.MaxRateBps)
	return &RateController{
		cfg:     cfg,
		rate:    r,
		limiter: rate.NewLimiter(rate.Limit(r), cfg.MaxRateBps/10+1),
	}
}

// Rate returns the current rate in bytes/sec.
func (r *RateController) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// Limiter returns the token bucket paced at the controlled rate.
func (r *RateController) Limiter() *rate.Limiter {
	return r.limiter
}

// DecreaseHard applies the hard MD factor unless within cooldown.
// Returns true when a decrease happened.
func (r *RateController) DecreaseHard() bool {
	return r.decrease(r.cfg.MDFactorHard)
}

// DecreaseSoft applies the soft MD factor unless within cooldown.
func (r *RateController) DecreaseSoft() bool {
	return r.decrease(r.cfg.MDFactorSoft)
}

func (r *RateController) decrease(factor float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastDecrease.IsZero() && time.Since(r.lastDecrease) < r.cfg.Cooldown {
		return false
	}
	old := r.rate
	r.rate *= factor
	if r.rate < float64(r.cfg.MinRateBps) {
		r.rate = float64(r.cfg.MinRateBps)
	}
	r.lastDecrease = time.Now()
	r.limiter.SetLimit(rate.Limit(r.rate))
	log.Debugf("congestion: rate decrease %.0f -> %.0f Bps (factor %.2f)", old, r.rate, factor)
	return true
}

// Increase applies one additive step, clamped to the maximum.
func (r *RateController) Increase() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate += float64(r.cfg.AIStepBps)
	if r.rate > float64(r.cfg.MaxRateBps) {
		r.rate = float64(r.cfg.MaxRateBps)
	}
	r.lastIncrease = time.Now()
	r.limiter.SetLimit(rate.Limit(r.rate))
}

// Budget is the per-tick byte allocation across classes.
type Budget struct {
	P0     int
	P1     int
	P2     int
	Repair int // cap on retransmission bytes, not additive
}

// BudgetFor partitions one scheduling tick's bytes: P0 gets at least
// max(P0MinShare*R, P0MinBps) worth, the remainder splits between P1 and
// P2, and repair traffic is capped at RepairBudgetRatio of the tick.
func (r *RateController) BudgetFor(tick time.Duration) Budget {
	r.mu.Lock()
	rt := r.rate
	r.mu.Unlock()

	total := rt * tick.Seconds()
	p0 := r.cfg.P0MinShare * total
	if minTick := float64(r.cfg.P0MinBps) * tick.Seconds(); p0 < minTick {
		p0 = minTick
	}
	if p0 > total {
		p0 = total
	}
	remaining := total - p0
	p1 := remaining * r.cfg.P1ShareOfRemaining
	p2 := remaining - p1
	return Budget{
		P0:     int(p0),
		P1:     int(p1),
		P2:     int(p2),
		Repair: int(total * r.cfg.RepairBudgetRatio),
	}
}
