package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/pagedserve/surge"
)

func prefillLayout(tokens []int, pages []surge.PageID, pageSize int) *surge.PrefillLayout {
	l := &surge.PrefillLayout{
		Variant:     surge.VariantPackedCausal,
		SeqIDs:      []string{"s"},
		CuSeqLens:   []int{0, len(tokens)},
		ContextLens: []int{len(tokens)},
		PageTable:   surge.BuildPageTable([][]surge.PageID{pages}),
		PageSize:    pageSize,
	}
	for pos, tok := range tokens {
		l.Tokens = append(l.Tokens, tok)
		l.Positions = append(l.Positions, pos)
		l.SegmentIDs = append(l.SegmentIDs, 0)
		l.SlotMapping = append(l.SlotMapping, int(pages[pos/pageSize])*pageSize+pos%pageSize)
	}
	return l
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func TestMemoryKernel_PrefillThenDecode_FollowsHistory(t *testing.T) {
	// GIVEN a 5-token prompt written to pages [2, 0]
	k := NewMemoryKernel(64)
	ctx := context.Background()
	prompt := []int{3, 1, 4, 1, 5}
	pages := []surge.PageID{2, 0}

	// WHEN it is prefilled
	hidden, err := k.RunPrefill(ctx, prefillLayout(prompt, pages, 4))
	require.NoError(t, err)

	// THEN the logits point at the digest of the prompt
	require.Len(t, hidden, 1)
	first := argmax(hidden[0])
	assert.Equal(t, k.NextToken(prompt), first)

	// WHEN the generated token is decoded at position 5
	dec := &surge.DecodeLayout{
		Variant:     surge.VariantRaggedPaged,
		SeqIDs:      []string{"s"},
		Tokens:      []int{first},
		Positions:   []int{5},
		SlotMapping: []int{0*4 + 1},
		FillCounts:  []int{6},
		PageTable:   surge.BuildPageTable([][]surge.PageID{pages}),
		PageSize:    4,
	}
	hidden, updated, err := k.RunDecode(ctx, dec)
	require.NoError(t, err)

	// THEN it reads the whole history back through the page table
	assert.Equal(t, k.NextToken(append(prompt, first)), argmax(hidden[0]))
	assert.Equal(t, []surge.PageID{0}, updated)
	p, d := k.Calls()
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, d)
}

func TestMemoryKernel_UnwrittenSlot_Fails(t *testing.T) {
	k := NewMemoryKernel(8)
	l := prefillLayout([]int{1, 2}, []surge.PageID{0}, 4)
	l.ContextLens = []int{3}

	_, err := k.RunPrefill(context.Background(), l)
	assert.Error(t, err)
}

func TestMemoryKernel_WrongVariant_Fails(t *testing.T) {
	k := NewMemoryKernel(8)
	l := prefillLayout([]int{1}, []surge.PageID{0}, 4)
	l.Variant = surge.VariantRaggedPaged

	_, err := k.RunPrefill(context.Background(), l)
	assert.Error(t, err)
}

func TestMemoryKernel_CancelledContext_Fails(t *testing.T) {
	k := NewMemoryKernel(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := k.RunPrefill(ctx, prefillLayout([]int{1}, []surge.PageID{0}, 4))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMemoryKernel_InvalidVocab_Panics(t *testing.T) {
	assert.Panics(t, func() { NewMemoryKernel(0) })
}

// expected returns the greedy continuation of prompt under k.
func expected(k *MemoryKernel, prompt []int, n int) []int {
	hist := append([]int(nil), prompt...)
	var out []int
	for i := 0; i < n; i++ {
		tok := k.NextToken(hist)
		out = append(out, tok)
		hist = append(hist, tok)
	}
	return out
}

func engineConfig(totalPages, pageSize int) surge.Config {
	cfg := surge.DefaultConfig()
	cfg.Esurge.PageSize = pageSize
	cfg.Esurge.KernelBlockSize = pageSize
	cfg.Esurge.HBMUtilization = 1
	cfg.Esurge.MinInputPad = 8
	cfg.Esurge.MaxModelLen = 512
	cfg.Device.TotalPages = totalPages
	cfg.Vsurge.MaxConcurrentPrefill = 4
	return cfg
}

func TestMemoryKernel_Engine_SharedPrefixAndPreemption(t *testing.T) {
	// GIVEN requests sharing a 2-page prefix on a pool too small for all of them
	k := NewMemoryKernel(1000)
	e, err := surge.NewEngine(engineConfig(12, 8), k)
	require.NoError(t, err)
	prefix := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 11, 12, 13, 14, 15, 16}
	var prompts [][]int
	var ids []string
	for i := 0; i < 4; i++ {
		p := append(append([]int(nil), prefix...), 100+i, 200+i, 300+i)
		id, err := e.Submit(p, surge.GenerationParams{MaxNewTokens: 12})
		require.NoError(t, err)
		prompts = append(prompts, p)
		ids = append(ids, id)
	}

	// WHEN the engine runs to completion
	require.NoError(t, e.Run(context.Background()))

	// THEN every output matches an isolated greedy run
	for i, id := range ids {
		res, err := e.Poll(id)
		require.NoError(t, err)
		assert.Equal(t, surge.StateFinished, res.State)
		assert.Equal(t, expected(k, prompts[i], 12), res.Tokens)
	}
	b := e.Budget()
	assert.LessOrEqual(t, b.Allocated, b.Ceiling)
}

func TestMemoryKernel_Engine_HookFailureCancelsBatch(t *testing.T) {
	k := NewMemoryKernel(100)
	k.PrefillHook = func(*surge.PrefillLayout) error { return errors.New("launch failed") }
	e, err := surge.NewEngine(engineConfig(12, 8), k)
	require.NoError(t, err)
	id, err := e.Submit([]int{1, 2, 3}, surge.GenerationParams{MaxNewTokens: 2})
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background()))

	res, err := e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, surge.ReasonKernelError, res.Reason)
	assert.ErrorIs(t, res.Err, surge.ErrKernelExecution)
}
