package qos

// IncompatibleReason names the first RxO dimension that failed a match.
type IncompatibleReason int

// Incompatibility reasons, in evaluation order.
const (
	Compatible IncompatibleReason = iota
	IncompatibleReliability
	IncompatibleDurability
	IncompatibleDeadline
	IncompatibleLifespan
	IncompatiblePartition
	IncompatiblePresentation
	IncompatibleOwnership
)

func (r IncompatibleReason) String() string {
	switch r {
	case Compatible:
		return "compatible"
	case IncompatibleReliability:
		return "reliability"
	case IncompatibleDurability:
		return "durability"
	case IncompatibleDeadline:
		return "deadline"
	case IncompatibleLifespan:
		return "lifespan"
	case IncompatiblePartition:
		return "partition"
	case IncompatiblePresentation:
		return "presentation"
	case IncompatibleOwnership:
		return "ownership"
	}
	return "unknown"
}

// Match applies the requested-vs-offered table: the writer's offered
// profile must satisfy the reader's requested profile on every dimension.
// The returned reason is Compatible on success, otherwise the first
// dimension that failed.
func Match(offered, requested *Profile) (bool, IncompatibleReason) {
	// Reliable offer satisfies any request; BestEffort offer satisfies
	// only BestEffort requests.
	if offered.Reliability < requested.Reliability {
		return false, IncompatibleReliability
	}
	if offered.Durability < requested.Durability {
		return false, IncompatibleDurability
	}
	// The writer must publish at least as often as the reader expects.
	if offered.Deadline > requested.Deadline {
		return false, IncompatibleDeadline
	}
	// The writer must keep samples valid at least as long as the reader
	// assumes.
	if offered.Lifespan < requested.Lifespan {
		return false, IncompatibleLifespan
	}
	if !partitionsOverlap(offered.Partition, requested.Partition) {
		return false, IncompatiblePartition
	}
	if offered.Presentation.Scope < requested.Presentation.Scope {
		return false, IncompatiblePresentation
	}
	if requested.Presentation.CoherentAccess && !offered.Presentation.CoherentAccess {
		return false, IncompatiblePresentation
	}
	if requested.Presentation.OrderedAccess && !offered.Presentation.OrderedAccess {
		return false, IncompatiblePresentation
	}
	if offered.Ownership != requested.Ownership {
		return false, IncompatibleOwnership
	}
	return true, Compatible
}

// partitionsOverlap reports whether the two partition sets share a name,
// treating two empty sets as a match.
func partitionsOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
