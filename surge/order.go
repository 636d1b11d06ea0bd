package surge

import (
	"fmt"
	"sort"
)

// QueueOrder reorders the wait queue before admission.
// Implementations sort in place with sort.SliceStable for determinism.
type QueueOrder interface {
	OrderQueue(seqs []*Sequence)
}

// FCFSOrder keeps queue order: arrival order, with preempted sequences in front.
type FCFSOrder struct{}

func (FCFSOrder) OrderQueue(_ []*Sequence) {}

// PriorityFCFSOrder sorts by priority (descending), then arrival (ascending).
type PriorityFCFSOrder struct{}

func (PriorityFCFSOrder) OrderQueue(seqs []*Sequence) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].Params.Priority != seqs[j].Params.Priority {
			return seqs[i].Params.Priority > seqs[j].Params.Priority
		}
		return seqs[i].Arrival < seqs[j].Arrival
	})
}

// NewQueueOrder returns the ordering registered under name.
// Empty string defaults to FCFS. Panics on unrecognized names.
func NewQueueOrder(name string) QueueOrder {
	switch name {
	case "", "fcfs":
		return FCFSOrder{}
	case "priority-fcfs":
		return PriorityFCFSOrder{}
	default:
		panic(fmt.Sprintf("unknown queue order %q", name))
	}
}
