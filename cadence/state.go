package cadence

var sequenceTransitions = map[SequenceStatus][]SequenceStatus{
	SequenceDrafted: {SequenceQueued, SequenceClosedLost},
	SequenceQueued:  {SequenceActive, SequenceBooking, SequenceConverted, SequenceClosedLost},
	SequenceActive:  {SequenceBooking, SequenceConverted, SequenceClosedLost},
	SequenceBooking: {SequenceActive, SequenceConverted, SequenceClosedLost},
}

// CanTransition reports whether a sequence may move from one status to
// another. Terminal statuses have no outgoing edges.
func CanTransition(from, to SequenceStatus) bool {
	for _, next := range sequenceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s SequenceStatus) Terminal() bool {
	return s == SequenceConverted || s == SequenceClosedLost
}

// Sweepable statuses are the ones whose due steps the sweep dispatches.
func (s SequenceStatus) Sweepable() bool {
	return s == SequenceQueued || s == SequenceActive
}

func (s StepStatus) Open() bool {
	return s == StepDrafted || s == StepQueued
}
