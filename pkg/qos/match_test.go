package qos

import (
	"testing"
	"time"
)

func profileWith(mutate func(*Profile)) *Profile {
	p := Default()
	mutate(&p)
	return &p
}

func TestMatchRxO(t *testing.T) {
	cases := []struct {
		name      string
		offered   *Profile
		requested *Profile
		match     bool
		reason    IncompatibleReason
	}{
		{
			name:      "defaults match",
			offered:   profileWith(func(p *Profile) {}),
			requested: profileWith(func(p *Profile) {}),
			match:     true,
			reason:    Compatible,
		},
		{
			name:      "besteffort writer reliable reader",
			offered:   profileWith(func(p *Profile) { p.Reliability = BestEffort }),
			requested: profileWith(func(p *Profile) { p.Reliability = Reliable }),
			match:     false,
			reason:    IncompatibleReliability,
		},
		{
			name:      "reliable writer besteffort reader",
			offered:   profileWith(func(p *Profile) { p.Reliability = Reliable }),
			requested: profileWith(func(p *Profile) { p.Reliability = BestEffort }),
			match:     true,
			reason:    Compatible,
		},
		{
			name:      "volatile writer transient-local reader",
			offered:   profileWith(func(p *Profile) { p.Durability = Volatile }),
			requested: profileWith(func(p *Profile) { p.Durability = TransientLocal }),
			match:     false,
			reason:    IncompatibleDurability,
		},
		{
			name:      "persistent writer volatile reader",
			offered:   profileWith(func(p *Profile) { p.Durability = Persistent }),
			requested: profileWith(func(p *Profile) { p.Durability = Volatile }),
			match:     true,
			reason:    Compatible,
		},
		{
			name:      "writer deadline slower than reader",
			offered:   profileWith(func(p *Profile) { p.Deadline = 2 * time.Second }),
			requested: profileWith(func(p *Profile) { p.Deadline = time.Second }),
			match:     false,
			reason:    IncompatibleDeadline,
		},
		{
			name:      "writer deadline faster than reader",
			offered:   profileWith(func(p *Profile) { p.Deadline = 500 * time.Millisecond }),
			requested: profileWith(func(p *Profile) { p.Deadline = time.Second }),
			match:     true,
			reason:    Compatible,
		},
		{
			name:      "writer lifespan shorter than reader",
			offered:   profileWith(func(p *Profile) { p.Lifespan = time.Second }),
			requested: profileWith(func(p *Profile) { p.Lifespan = 2 * time.Second }),
			match:     false,
			reason:    IncompatibleLifespan,
		},
		{
			name:      "disjoint partitions",
			offered:   profileWith(func(p *Profile) { p.Partition = []string{"a"} }),
			requested: profileWith(func(p *Profile) { p.Partition = []string{"b"} }),
			match:     false,
			reason:    IncompatiblePartition,
		},
		{
			name:      "overlapping partitions",
			offered:   profileWith(func(p *Profile) { p.Partition = []string{"a", "shared"} }),
			requested: profileWith(func(p *Profile) { p.Partition = []string{"shared", "c"} }),
			match:     true,
			reason:    Compatible,
		},
		{
			name:      "empty vs named partition",
			offered:   profileWith(func(p *Profile) {}),
			requested: profileWith(func(p *Profile) { p.Partition = []string{"a"} }),
			match:     false,
			reason:    IncompatiblePartition,
		},
		{
			name:      "ownership mismatch",
			offered:   profileWith(func(p *Profile) { p.Ownership = Exclusive }),
			requested: profileWith(func(p *Profile) { p.Ownership = Shared }),
			match:     false,
			reason:    IncompatibleOwnership,
		},
		{
			name:      "presentation scope weaker on writer",
			offered:   profileWith(func(p *Profile) { p.Presentation.Scope = PresentationInstance }),
			requested: profileWith(func(p *Profile) { p.Presentation.Scope = PresentationTopic }),
			match:     false,
			reason:    IncompatiblePresentation,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			ok, reason := Match(c.offered, c.requested)
			if ok != c.match || reason != c.reason {
				t.Errorf("Match() = (%v, %s), want (%v, %s)", ok, reason, c.match, c.reason)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	if err := valid.Validate(); err != nil {
		t.Errorf("default profile invalid: %s", err)
	}

	keepLastZero := Default()
	keepLastZero.History = History{Kind: KeepLast, Depth: 0}
	if err := keepLastZero.Validate(); err == nil {
		t.Error("expected KeepLast(0) to be rejected")
	}

	keepAllNoLimit := Default()
	keepAllNoLimit.History = History{Kind: KeepAll}
	keepAllNoLimit.ResourceLimits.MaxSamples = 0
	if err := keepAllNoLimit.Validate(); err == nil {
		t.Error("expected KeepAll with max_samples=0 to be rejected")
	}

	badLimits := Default()
	badLimits.ResourceLimits = ResourceLimits{MaxSamples: 5, MaxInstances: 2, MaxSamplesPerInstance: 5, MaxQuotaBytes: 1000}
	if err := badLimits.Validate(); err == nil {
		t.Error("expected max_samples < per-instance * instances to be rejected")
	}
}

func TestLifespanChecker(t *testing.T) {
	lc := NewLifespanChecker(10 * time.Millisecond)
	now := time.Now()
	if lc.Expired(now, now) {
		t.Error("fresh sample must not be expired")
	}
	if !lc.Expired(now.Add(-20*time.Millisecond), now) {
		t.Error("aged sample must be expired")
	}
	inf := NewLifespanChecker(DurationInfinite)
	if inf.Expired(now.Add(-time.Hour), now) {
		t.Error("infinite lifespan never expires")
	}
}

func TestDeadlineChecker(t *testing.T) {
	d := NewDeadlineChecker(10 * time.Millisecond)
	d.OnSample()
	if d.Check() {
		t.Error("deadline must not be missed immediately")
	}
	time.Sleep(25 * time.Millisecond)
	if !d.Check() {
		t.Error("expected a missed deadline")
	}
	if d.Check() {
		t.Error("missed deadline must be reported once per lapse")
	}
	d.OnSample()
	if d.Check() {
		t.Error("deadline re-armed by sample")
	}
	if got := d.MissedCount(); got != 1 {
		t.Errorf("expected 1 missed deadline, got %d", got)
	}
}

func TestMatchKey(t *testing.T) {
	a := NewMatchKey("sensor/temp", "Temperature")
	b := NewMatchKey("sensor/temp", "Temperature")
	c := NewMatchKey("sensor/temp", "Humidity")
	if a != b {
		t.Error("identical topic/type must produce equal keys")
	}
	if a == c {
		t.Error("different types must produce different keys")
	}
}
