package surge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seqIDs(seqs []*Sequence) []string {
	ids := make([]string, len(seqs))
	for i, s := range seqs {
		ids[i] = s.ID
	}
	return ids
}

func TestFCFSOrder_PreservesQueueOrder(t *testing.T) {
	// FCFS is a no-op: preempted sequences stay in front
	seqs := []*Sequence{
		{ID: "c", Arrival: 3, Params: GenerationParams{Priority: 1}},
		{ID: "a", Arrival: 1, Params: GenerationParams{Priority: 3}},
		{ID: "b", Arrival: 2, Params: GenerationParams{Priority: 2}},
	}
	FCFSOrder{}.OrderQueue(seqs)

	assert.Equal(t, []string{"c", "a", "b"}, seqIDs(seqs))
}

func TestPriorityFCFSOrder_SortsByPriorityDescending(t *testing.T) {
	seqs := []*Sequence{
		{ID: "low", Arrival: 1, Params: GenerationParams{Priority: 1}},
		{ID: "high", Arrival: 2, Params: GenerationParams{Priority: 3}},
		{ID: "mid", Arrival: 0, Params: GenerationParams{Priority: 2}},
	}
	PriorityFCFSOrder{}.OrderQueue(seqs)

	assert.Equal(t, []string{"high", "mid", "low"}, seqIDs(seqs))
}

func TestPriorityFCFSOrder_TieBreakByArrival(t *testing.T) {
	seqs := []*Sequence{
		{ID: "late", Arrival: 3, Params: GenerationParams{Priority: 5}},
		{ID: "early", Arrival: 1, Params: GenerationParams{Priority: 5}},
		{ID: "mid", Arrival: 2, Params: GenerationParams{Priority: 5}},
	}
	PriorityFCFSOrder{}.OrderQueue(seqs)

	assert.Equal(t, []string{"early", "mid", "late"}, seqIDs(seqs))
}

func TestNewQueueOrder(t *testing.T) {
	assert.IsType(t, FCFSOrder{}, NewQueueOrder(""))
	assert.IsType(t, FCFSOrder{}, NewQueueOrder("fcfs"))
	assert.IsType(t, PriorityFCFSOrder{}, NewQueueOrder("priority-fcfs"))
	assert.Panics(t, func() { NewQueueOrder("lifo") })
}
