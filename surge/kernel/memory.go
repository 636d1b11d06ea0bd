// Package kernel provides a reference implementation of surge.Kernel.
//
// MemoryKernel keeps the KV cache as a map from slot (page*pageSize+offset)
// to token id. Each kernel call writes its tokens through the slot mapping and
// then reads every sequence's history back through its page table, so a wrong
// page table, a stale shared page or a missing write changes the output or
// fails the call. Logits are one-hot at a digest of the history, which makes
// generation a pure function of the token history.
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/inference-sim/pagedserve/surge"
)

// MemoryKernel is an in-memory paged KV store. It is safe for concurrent use.
type MemoryKernel struct {
	vocab int

	mu    sync.Mutex
	slots map[int]int

	// Optional hooks called before a batch runs; a non-nil error fails it.
	PrefillHook func(*surge.PrefillLayout) error
	DecodeHook  func(*surge.DecodeLayout) error

	prefillCalls int
	decodeCalls  int
}

// NewMemoryKernel creates a kernel producing logits over vocab tokens.
func NewMemoryKernel(vocab int) *MemoryKernel {
	if vocab <= 0 {
		panic(fmt.Sprintf("NewMemoryKernel: vocab must be > 0, got %d", vocab))
	}
	return &MemoryKernel{vocab: vocab, slots: make(map[int]int)}
}

// RunPrefill implements surge.Kernel.
func (k *MemoryKernel) RunPrefill(ctx context.Context, in *surge.PrefillLayout) (surge.HiddenStates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Variant != surge.VariantPackedCausal {
		return nil, fmt.Errorf("prefill: unsupported variant %q", in.Variant)
	}
	if k.PrefillHook != nil {
		if err := k.PrefillHook(in); err != nil {
			return nil, err
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.prefillCalls++
	for i, slot := range in.SlotMapping {
		if slot < 0 {
			continue
		}
		k.slots[slot] = in.Tokens[i]
	}
	out := make(surge.HiddenStates, len(in.SeqIDs))
	for i := range in.SeqIDs {
		row, err := k.readHistory(in.PageTable.Row(i), in.PageSize, in.ContextLens[i])
		if err != nil {
			return nil, fmt.Errorf("prefill %s: %w", in.SeqIDs[i], err)
		}
		out[i] = k.logits(row)
	}
	return out, nil
}

// RunDecode implements surge.Kernel.
func (k *MemoryKernel) RunDecode(ctx context.Context, in *surge.DecodeLayout) (surge.HiddenStates, []surge.PageID, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if in.Variant != surge.VariantRaggedPaged {
		return nil, nil, fmt.Errorf("decode: unsupported variant %q", in.Variant)
	}
	if k.DecodeHook != nil {
		if err := k.DecodeHook(in); err != nil {
			return nil, nil, err
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.decodeCalls++
	out := make(surge.HiddenStates, len(in.SeqIDs))
	updated := make([]surge.PageID, 0, len(in.SeqIDs))
	for i, slot := range in.SlotMapping {
		k.slots[slot] = in.Tokens[i]
		updated = append(updated, surge.PageID(slot/in.PageSize))
	}
	for i := range in.SeqIDs {
		row, err := k.readHistory(in.PageTable.Row(i), in.PageSize, in.FillCounts[i])
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", in.SeqIDs[i], err)
		}
		out[i] = k.logits(row)
	}
	return out, updated, nil
}

// Calls returns how many prefill and decode batches ran.
func (k *MemoryKernel) Calls() (prefill, decode int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.prefillCalls, k.decodeCalls
}

// NextToken returns the token a greedy sampler picks after history.
func (k *MemoryKernel) NextToken(history []int) int {
	return int(digest(history) % uint64(k.vocab))
}

func (k *MemoryKernel) readHistory(pages []int32, pageSize, n int) ([]int, error) {
	if (n+pageSize-1)/pageSize > len(pages) {
		return nil, fmt.Errorf("%d tokens do not fit %d pages", n, len(pages))
	}
	out := make([]int, n)
	for pos := 0; pos < n; pos++ {
		slot := int(pages[pos/pageSize])*pageSize + pos%pageSize
		tok, ok := k.slots[slot]
		if !ok {
			return nil, fmt.Errorf("slot %d (position %d) never written", slot, pos)
		}
		out[pos] = tok
	}
	return out, nil
}

func (k *MemoryKernel) logits(history []int) []float32 {
	row := make([]float32, k.vocab)
	row[k.NextToken(history)] = 1
	return row
}

func digest(history []int) uint64 {
	buf := make([]byte, 0, 4*len(history))
	for _, t := range history {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	return xxhash.Sum64(buf)
}
