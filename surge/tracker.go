package surge

import (
	"fmt"
	"sort"
)

// Tracker maps sequence ids to their records. It holds no policy: page
// chains are managed by the scheduler through the PageStore and PrefixCache.
// Tracker is not safe for concurrent use; the engine serializes access.
type Tracker struct {
	seqs        map[string]*Sequence
	nextArrival uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seqs: make(map[string]*Sequence)}
}

// Admit records a new sequence, stamps its arrival order and returns its id.
func (t *Tracker) Admit(seq *Sequence) string {
	if seq == nil {
		panic("Tracker.Admit: seq must not be nil")
	}
	if _, dup := t.seqs[seq.ID]; dup {
		panic(fmt.Sprintf("Tracker.Admit: duplicate sequence id %q", seq.ID))
	}
	seq.Arrival = t.nextArrival
	t.nextArrival++
	t.seqs[seq.ID] = seq
	return seq.ID
}

// Get returns the sequence with the given id.
func (t *Tracker) Get(id string) (*Sequence, bool) {
	seq, ok := t.seqs[id]
	return seq, ok
}

// AppendToken appends a generated token and delivers it to the stream.
func (t *Tracker) AppendToken(id string, token int) error {
	seq, ok := t.seqs[id]
	if !ok {
		return fmt.Errorf("append token to %s: %w", id, ErrUnknownRequest)
	}
	if seq.State.IsTerminal() {
		return fmt.Errorf("append token to %s in state %s", id, seq.State)
	}
	seq.Output = append(seq.Output, token)
	select {
	case seq.stream <- token:
	default:
		// the buffer is sized for every token the sequence may produce
		return fmt.Errorf("append token to %s: stream buffer full", id)
	}
	return nil
}

// MarkFinished moves a sequence to its terminal state and closes its stream.
// Stop and length reasons finish it; any other reason cancels it.
func (t *Tracker) MarkFinished(id string, reason FinishReason, err error) error {
	seq, ok := t.seqs[id]
	if !ok {
		return fmt.Errorf("finish %s: %w", id, ErrUnknownRequest)
	}
	to := StateCancelled
	if reason == ReasonStop || reason == ReasonLength {
		to = StateFinished
	}
	if terr := seq.transition(to); terr != nil {
		return terr
	}
	seq.Reason = reason
	seq.Err = err
	close(seq.stream)
	return nil
}

// Remove forgets a sequence.
func (t *Tracker) Remove(id string) (*Sequence, bool) {
	seq, ok := t.seqs[id]
	if ok {
		delete(t.seqs, id)
	}
	return seq, ok
}

// Len returns the number of tracked sequences, terminal ones included.
func (t *Tracker) Len() int { return len(t.seqs) }

// Active returns the non-terminal sequences in arrival order.
func (t *Tracker) Active() []*Sequence {
	out := make([]*Sequence, 0, len(t.seqs))
	for _, seq := range t.seqs {
		if !seq.State.IsTerminal() {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arrival < out[j].Arrival })
	return out
}
