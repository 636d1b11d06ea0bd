// Implements the WaitQueue, which holds every sequence waiting for prefill.
// Sequences are enqueued on submission and prepended on preemption.

package surge

import (
	"strings"
	"sync"

	"github.com/gammazero/deque"
)

// WaitQueue is a FIFO of sequences waiting to be admitted into prefill.
// Enqueue is safe to call concurrently with scheduling steps.
type WaitQueue struct {
	mu    sync.Mutex
	queue deque.Deque[*Sequence]
}

// Enqueue adds a sequence to the back of the queue.
func (wq *WaitQueue) Enqueue(seq *Sequence) {
	if seq == nil {
		panic("Enqueue: seq must not be nil")
	}
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.queue.PushBack(seq)
}

// PrependFront inserts a sequence at the front of the queue.
// Used for preemption: a preempted sequence arrived before everything still
// waiting, so it is the first to be readmitted.
func (wq *WaitQueue) PrependFront(seq *Sequence) {
	if seq == nil {
		panic("PrependFront: seq must not be nil")
	}
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.queue.PushFront(seq)
}

// Len returns the number of waiting sequences.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.queue.Len()
}

// Peek returns the sequence at the front without removing it, or nil.
func (wq *WaitQueue) Peek() *Sequence {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.queue.Len() == 0 {
		return nil
	}
	return wq.queue.Front()
}

// Items returns a snapshot of the queue in order.
func (wq *WaitQueue) Items() []*Sequence {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	out := make([]*Sequence, wq.queue.Len())
	for i := range out {
		out[i] = wq.queue.At(i)
	}
	return out
}

// Remove deletes the sequence with the given id and reports whether it was queued.
func (wq *WaitQueue) Remove(id string) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	i := wq.queue.Index(func(s *Sequence) bool { return s.ID == id })
	if i < 0 {
		return false
	}
	wq.queue.Remove(i)
	return true
}

// Reorder applies fn to a snapshot of the queue and stores the result back.
// fn may only permute the slice in place.
func (wq *WaitQueue) Reorder(fn func([]*Sequence)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	wq.mu.Lock()
	defer wq.mu.Unlock()
	n := wq.queue.Len()
	items := make([]*Sequence, n)
	for i := range items {
		items[i] = wq.queue.At(i)
	}
	fn(items)
	for i, s := range items {
		wq.queue.Set(i, s)
	}
}

func (wq *WaitQueue) String() string {
	items := wq.Items()
	var sb strings.Builder
	sb.WriteString("[")
	for i, s := range items {
		sb.WriteString(s.ID)
		if i < len(items)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
