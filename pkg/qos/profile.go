// Package qos defines endpoint quality-of-service profiles, their
// validation, and the requested-vs-offered compatibility rules used by
// the matching engine.
package qos

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// DurationInfinite marks an unset time-based policy.
const DurationInfinite = time.Duration(math.MaxInt64)

// Reliability policy.
type Reliability int

// Reliability kinds, ordered so a larger value satisfies a smaller
// request.
const (
	BestEffort Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "Reliable"
	}
	return "BestEffort"
}

// HistoryKind selects between bounded and unbounded sample retention.
type HistoryKind int

// History kinds.
const (
	KeepLast HistoryKind = iota
	KeepAll
)

// History is the history policy: KeepLast(Depth) or KeepAll.
type History struct {
	Kind  HistoryKind
	Depth int
}

// Durability policy, ordered Volatile < TransientLocal < Persistent.
type Durability int

// Durability kinds.
const (
	Volatile Durability = iota
	TransientLocal
	Persistent
)

func (d Durability) String() string {
	switch d {
	case TransientLocal:
		return "TransientLocal"
	case Persistent:
		return "Persistent"
	}
	return "Volatile"
}

// Ownership policy.
type Ownership int

// Ownership kinds.
const (
	Shared Ownership = iota
	Exclusive
)

// DestinationOrder policy.
type DestinationOrder int

// Destination-order kinds.
const (
	ByReceptionTimestamp DestinationOrder = iota
	BySourceTimestamp
)

// PresentationScope is the presentation access scope, ordered by
// strictness.
type PresentationScope int

// Presentation scopes.
const (
	PresentationInstance PresentationScope = iota
	PresentationTopic
	PresentationGroup
)

// Presentation policy.
type Presentation struct {
	Scope          PresentationScope
	CoherentAccess bool
	OrderedAccess  bool
}

// LivelinessKind selects how liveliness is asserted.
type LivelinessKind int

// Liveliness kinds.
const (
	LivelinessAutomatic LivelinessKind = iota
	LivelinessManualByParticipant
	LivelinessManualByTopic
)

// Liveliness policy.
type Liveliness struct {
	Kind          LivelinessKind
	LeaseDuration time.Duration
}

// ResourceLimits bounds history cache consumption.
type ResourceLimits struct {
	MaxSamples            int
	MaxInstances          int
	MaxSamplesPerInstance int
	MaxQuotaBytes         int
}

// DefaultResourceLimits sizes the cache for reliable burst workloads;
// smaller limits evict samples before a NACK can recover them.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxSamples:            100_000,
		MaxInstances:          1,
		MaxSamplesPerInstance: 100_000,
		MaxQuotaBytes:         100_000_000,
	}
}

// Profile is the full QoS profile attached to an endpoint.
type Profile struct {
	Reliability       Reliability
	History           History
	Durability        Durability
	ResourceLimits    ResourceLimits
	Deadline          time.Duration // period; DurationInfinite when unset
	Lifespan          time.Duration // max sample age; DurationInfinite when unset
	LatencyBudget     time.Duration
	Liveliness        Liveliness
	DestinationOrder  DestinationOrder
	Ownership         Ownership
	OwnershipStrength int32
	Partition         []string
	TimeBasedFilter   time.Duration
	TransportPriority int32
	Presentation      Presentation
	UserData          []byte
	GroupData         []byte
	TopicData         []byte
}

// Default returns the default profile: best-effort, KeepLast(10),
// volatile.
func Default() Profile {
	return Profile{
		Reliability:    BestEffort,
		History:        History{Kind: KeepLast, Depth: 10},
		Durability:     Volatile,
		ResourceLimits: DefaultResourceLimits(),
		Deadline:       DurationInfinite,
		Lifespan:       DurationInfinite,
		Liveliness:     Liveliness{Kind: LivelinessAutomatic, LeaseDuration: DurationInfinite},
	}
}

// LowLatency is a preset for small, drop-tolerant samples.
func LowLatency() Profile {
	p := Default()
	p.History = History{Kind: KeepLast, Depth: 1}
	p.ResourceLimits = ResourceLimits{MaxSamples: 10, MaxInstances: 1, MaxSamplesPerInstance: 10, MaxQuotaBytes: 1 << 20}
	return p
}

// ReliableKeepAll is a preset for lossless delivery within resource
// bounds.
func ReliableKeepAll() Profile {
	p := Default()
	p.Reliability = Reliable
	p.History = History{Kind: KeepAll}
	return p
}

// Validate rejects invalid policy combinations at construction time.
func (p *Profile) Validate() error {
	switch p.History.Kind {
	case KeepLast:
		if p.History.Depth <= 0 {
			return fmt.Errorf("history KeepLast requires depth > 0, got %d", p.History.Depth)
		}
	case KeepAll:
		if p.ResourceLimits.MaxSamples <= 0 {
			return fmt.Errorf("history KeepAll requires resource_limits.max_samples > 0")
		}
	}
	rl := p.ResourceLimits
	if rl.MaxInstances > 0 && rl.MaxSamplesPerInstance > 0 &&
		rl.MaxSamples < rl.MaxSamplesPerInstance*rl.MaxInstances {
		return fmt.Errorf("max_samples (%d) must be >= max_samples_per_instance (%d) * max_instances (%d)",
			rl.MaxSamples, rl.MaxSamplesPerInstance, rl.MaxInstances)
	}
	if p.Deadline <= 0 {
		return fmt.Errorf("deadline period must be positive")
	}
	if p.Lifespan <= 0 {
		return fmt.Errorf("lifespan duration must be positive")
	}
	return nil
}

// MatchKey is the junction identity: endpoints match only when both topic
// name and type hash are equal.
type MatchKey struct {
	Topic    string
	TypeHash uint64
}

// NewMatchKey derives the key from topic and type names.
func NewMatchKey(topic, typeName string) MatchKey {
	h := fnv.New64a()
	h.Write([]byte(typeName))
	return MatchKey{Topic: topic, TypeHash: h.Sum64()}
}

func (k MatchKey) String() string {
	return fmt.Sprintf("%s/%016x", k.Topic, k.TypeHash)
}
