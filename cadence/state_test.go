package cadence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]SequenceStatus{
		{SequenceDrafted, SequenceQueued},
		{SequenceQueued, SequenceActive},
		{SequenceActive, SequenceBooking},
		{SequenceActive, SequenceClosedLost},
		{SequenceBooking, SequenceConverted},
		{SequenceBooking, SequenceActive},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	denied := [][2]SequenceStatus{
		{SequenceDrafted, SequenceActive},
		{SequenceActive, SequenceQueued},
		{SequenceClosedLost, SequenceActive},
		{SequenceConverted, SequenceClosedLost},
		{SequenceClosedLost, SequenceQueued},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, SequenceConverted.Terminal())
	assert.True(t, SequenceClosedLost.Terminal())
	assert.False(t, SequenceBooking.Terminal())
	assert.True(t, SequenceQueued.Sweepable())
	assert.False(t, SequenceBooking.Sweepable())
	assert.True(t, StepQueued.Open())
	assert.False(t, StepSent.Open())
}
