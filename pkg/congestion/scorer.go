package congestion

import (
	"sync"
	"time"
)

// Scorer maintains the 0..100 EWMA congestion score. Impulses push the
// score up; each tick decays it toward zero. The AIMD controller reads
// the score through Congested/StableFor with hysteresis.
type Scorer struct {
	mu          sync.Mutex
	cfg         *Config
	score       float64
	stableSince time.Time
}

// NewScorer returns a zero-score scorer.
func NewScorer(cfg *Config) *Scorer {
	return &Scorer{cfg: cfg, stableSince: time.Now()}
}

// Impulse adds amount to the score, saturating at 100.
func (s *Scorer) Impulse(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score += amount
	if s.score > 100 {
		s.score = 100
	}
	if s.score > s.cfg.IncreaseThreshold {
		s.stableSince = time.Time{}
	}
}

// OnSignal applies the configured impulse for a transport signal.
func (s *Scorer) OnSignal(sig Signal) {
	switch sig {
	case SignalWouldBlock, SignalNoBuffers:
		s.Impulse(s.cfg.EagainImpulse)
	}
}

// OnRTTInflated applies the soft RTT impulse.
func (s *Scorer) OnRTTInflated() {
	s.Impulse(s.cfg.RTTImpulse)
}

// OnNackRate applies the soft NACK impulse when the observed NACK rate
// exceeds the threshold.
func (s *Scorer) OnNackRate(nacksPerSec int) {
	if nacksPerSec > s.cfg.NackRateThreshold {
		s.Impulse(s.cfg.NackImpulse)
	}
}

// Tick decays the score and updates the stability clock; called every
// score tick.
func (s *Scorer) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score *= s.cfg.ScoreDecay
	if s.score < 0.01 {
		s.score = 0
	}
	if s.score <= s.cfg.IncreaseThreshold {
		if s.stableSince.IsZero() {
			s.stableSince = time.Now()
		}
	} else if s.score > s.cfg.IncreaseThreshold+s.cfg.HysteresisBand {
		s.stableSince = time.Time{}
	}
}

// Score returns the current score.
func (s *Scorer) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Congested reports whether the score crossed the decrease threshold.
func (s *Scorer) Congested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score >= s.cfg.DecreaseThreshold
}

// StableFor reports whether the score has stayed below the increase
// threshold (with hysteresis) for at least window.
func (s *Scorer) StableFor(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stableSince.IsZero() && time.Since(s.stableSince) >= window
}
