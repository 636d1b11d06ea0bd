package surge

import (
	"context"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
)

// testConfig returns a small valid configuration with every page reservable
// and no prefill padding.
func testConfig(totalPages, pageSize int) Config {
	cfg := DefaultConfig()
	cfg.Esurge.PageSize = pageSize
	cfg.Esurge.KernelBlockSize = pageSize
	cfg.Esurge.HBMUtilization = 1.0
	cfg.Esurge.MinInputPad = 1
	cfg.Esurge.MaxModelLen = 4096
	cfg.Device.TotalPages = totalPages
	return cfg
}

// newTestScheduler wires a scheduler over a fresh store and cache.
func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *Tracker) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	store := NewPageStore(cfg.TotalPages(), cfg.Esurge.PageSize, cfg.Esurge.HBMUtilization)
	cache := NewPrefixCache(store, cfg.Esurge.EnablePrefixCaching, cfg.Esurge.HashSeed)
	return NewScheduler(cfg, store, cache), NewTracker()
}

// seqRange returns n consecutive token ids starting at base.
func seqRange(base, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = base + i
	}
	return out
}

// submitSeq creates a sequence, stamps its arrival and queues it.
func submitSeq(s *Scheduler, tr *Tracker, id string, prompt []int, params GenerationParams) *Sequence {
	seq := NewSequence(id, prompt, params, s.cfg.Esurge.MaxModelLen)
	tr.Admit(seq)
	s.Enqueue(seq)
	return seq
}

// toDecode completes a prefill the way the engine does: KV written for the
// whole history, one token generated, state DECODE.
func toDecode(t *testing.T, s *Scheduler, seq *Sequence, tok int) {
	t.Helper()
	if err := s.CommitWrites(seq, seq.Len()); err != nil {
		t.Fatalf("CommitWrites(%s): %v", seq.ID, err)
	}
	seq.Output = append(seq.Output, tok)
	if err := seq.transition(StateDecode); err != nil {
		t.Fatalf("transition(%s): %v", seq.ID, err)
	}
}

// historyKernel is a minimal in-package Kernel: it remembers tokens per
// slot and returns one-hot logits at a digest of each sequence's history.
type historyKernel struct {
	vocab int

	mu    sync.Mutex
	slots map[int]int

	prefillErr   error
	decodeErr    error
	prefillPanic bool
}

func newHistoryKernel(vocab int) *historyKernel {
	return &historyKernel{vocab: vocab, slots: make(map[int]int)}
}

func (k *historyKernel) next(history []int) int {
	buf := make([]byte, 0, 8*len(history))
	for _, t := range history {
		buf = append(buf, byte(t), byte(t>>8), byte(t>>16), byte(t>>24))
	}
	return int(xxhash.Sum64(buf) % uint64(k.vocab))
}

// expected returns the tokens greedy decoding produces after prompt.
func (k *historyKernel) expected(prompt []int, n int) []int {
	hist := append([]int(nil), prompt...)
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		tok := k.next(hist)
		out = append(out, tok)
		hist = append(hist, tok)
	}
	return out
}

func (k *historyKernel) read(pt PageTable, row, pageSize, n int) []int {
	pages := pt.Row(row)
	out := make([]int, n)
	for pos := 0; pos < n; pos++ {
		out[pos] = k.slots[int(pages[pos/pageSize])*pageSize+pos%pageSize]
	}
	return out
}

func (k *historyKernel) oneHot(tok int) []float32 {
	row := make([]float32, k.vocab)
	row[tok] = 1
	return row
}

func (k *historyKernel) RunPrefill(_ context.Context, in *PrefillLayout) (HiddenStates, error) {
	if k.prefillPanic {
		panic("prefill kernel exploded")
	}
	if k.prefillErr != nil {
		return nil, k.prefillErr
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, slot := range in.SlotMapping {
		if slot >= 0 {
			k.slots[slot] = in.Tokens[i]
		}
	}
	out := make(HiddenStates, len(in.SeqIDs))
	for i := range in.SeqIDs {
		out[i] = k.oneHot(k.next(k.read(in.PageTable, i, in.PageSize, in.ContextLens[i])))
	}
	return out, nil
}

func (k *historyKernel) RunDecode(_ context.Context, in *DecodeLayout) (HiddenStates, []PageID, error) {
	if k.decodeErr != nil {
		return nil, nil, k.decodeErr
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	var updated []PageID
	for i, slot := range in.SlotMapping {
		k.slots[slot] = in.Tokens[i]
		updated = append(updated, PageID(slot/in.PageSize))
	}
	out := make(HiddenStates, len(in.SeqIDs))
	for i := range in.SeqIDs {
		out[i] = k.oneHot(k.next(k.read(in.PageTable, i, in.PageSize, in.FillCounts[i])))
	}
	return out, updated, nil
}
