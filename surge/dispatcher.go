package surge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HiddenStates holds one row per sequence, in layout order. The engine's
// sampler treats each row as next-token logits.
type HiddenStates [][]float32

// Kernel is the external attention-execution capability.
// Page tables are explicit integer ids; the kernel never sees pointers into
// scheduler state.
type Kernel interface {
	RunPrefill(ctx context.Context, in *PrefillLayout) (HiddenStates, error)
	RunDecode(ctx context.Context, in *DecodeLayout) (HiddenStates, []PageID, error)
}

// SubResult is the outcome of one sub-batch.
type SubResult struct {
	Kind         BatchKind
	SeqIDs       []string
	Hidden       HiddenStates
	UpdatedPages []PageID
	Err          error
	Latency      time.Duration
}

// DispatchResult holds the outcome of each non-empty sub-batch.
type DispatchResult struct {
	Prefill *SubResult
	Decode  *SubResult
}

// Dispatcher turns a Batch into kernel layouts and runs them.
// It performs shape and layout translation only.
type Dispatcher struct {
	kernel      Kernel
	pageSize    int
	minInputPad int
	metrics     *Metrics
}

// NewDispatcher creates a dispatcher for kernel.
func NewDispatcher(kernel Kernel, pageSize, minInputPad int) *Dispatcher {
	if kernel == nil {
		panic("NewDispatcher: kernel must not be nil")
	}
	return &Dispatcher{kernel: kernel, pageSize: pageSize, minInputPad: minInputPad}
}

// PaddedLen rounds n up to the pad granularity.
func PaddedLen(n, pad int) int {
	if pad <= 1 {
		return n
	}
	return (n + pad - 1) / pad * pad
}

// Compose builds the sub-batches of b. It reads sequence state, so it must
// run while the scheduler state is stable; the layouts it returns are
// independent copies.
func (d *Dispatcher) Compose(b *Batch) []SubBatch {
	var subs []SubBatch
	if len(b.Prefill) > 0 {
		subs = append(subs, SubBatch{Kind: KindPrefill, Prefill: d.prefillLayout(b.Prefill)})
	}
	if len(b.Decode) > 0 {
		subs = append(subs, SubBatch{Kind: KindDecode, Decode: d.decodeLayout(b.Decode)})
	}
	return subs
}

func (d *Dispatcher) slot(seq *Sequence, pos int) int {
	return int(seq.Pages[pos/d.pageSize])*d.pageSize + pos%d.pageSize
}

func (d *Dispatcher) prefillLayout(seqs []*Sequence) *PrefillLayout {
	l := &PrefillLayout{
		Variant:   VariantPackedCausal,
		CuSeqLens: []int{0},
		PageSize:  d.pageSize,
	}
	chains := make([][]PageID, len(seqs))
	for i, seq := range seqs {
		tokens := seq.Tokens()
		start, end := seq.Computed, len(tokens)
		padded := PaddedLen(end-start, d.minInputPad)
		for j := 0; j < padded; j++ {
			pos := start + j
			if pos < end {
				l.Tokens = append(l.Tokens, tokens[pos])
				l.Positions = append(l.Positions, pos)
				l.SegmentIDs = append(l.SegmentIDs, i)
				l.SlotMapping = append(l.SlotMapping, d.slot(seq, pos))
				continue
			}
			l.Tokens = append(l.Tokens, 0)
			l.Positions = append(l.Positions, 0)
			l.SegmentIDs = append(l.SegmentIDs, -1)
			l.SlotMapping = append(l.SlotMapping, -1)
		}
		l.SeqIDs = append(l.SeqIDs, seq.ID)
		l.CuSeqLens = append(l.CuSeqLens, len(l.Tokens))
		l.ContextLens = append(l.ContextLens, end)
		chains[i] = seq.Pages
	}
	l.PageTable = BuildPageTable(chains)
	return l
}

func (d *Dispatcher) decodeLayout(seqs []*Sequence) *DecodeLayout {
	l := &DecodeLayout{
		Variant:  VariantRaggedPaged,
		PageSize: d.pageSize,
	}
	chains := make([][]PageID, len(seqs))
	for i, seq := range seqs {
		pos := seq.Computed
		l.SeqIDs = append(l.SeqIDs, seq.ID)
		l.Tokens = append(l.Tokens, seq.Output[len(seq.Output)-1])
		l.Positions = append(l.Positions, pos)
		l.SlotMapping = append(l.SlotMapping, d.slot(seq, pos))
		l.FillCounts = append(l.FillCounts, pos+1)
		chains[i] = seq.Pages
	}
	l.PageTable = BuildPageTable(chains)
	return l
}

// Dispatch composes and executes b.
func (d *Dispatcher) Dispatch(ctx context.Context, b *Batch) *DispatchResult {
	return d.Execute(ctx, d.Compose(b))
}

// Execute runs every sub-batch concurrently. A failure is confined to its own
// sub-batch: the other one still runs to completion.
func (d *Dispatcher) Execute(ctx context.Context, subs []SubBatch) *DispatchResult {
	results := make([]*SubResult, len(subs))
	var g errgroup.Group
	for i, sb := range subs {
		i, sb := i, sb
		g.Go(func() error {
			results[i] = d.run(ctx, sb)
			return results[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		logrus.Warnf("dispatch: %v", err)
	}

	out := &DispatchResult{}
	for _, r := range results {
		if r.Err != nil {
			d.metrics.observeKernelFailure(r.Kind)
		}
		switch r.Kind {
		case KindPrefill:
			out.Prefill = r
		case KindDecode:
			out.Decode = r
		}
	}
	return out
}

// run invokes the kernel for one sub-batch, converting errors, panics and
// malformed outputs into ErrKernelExecution.
func (d *Dispatcher) run(ctx context.Context, sb SubBatch) (res *SubResult) {
	res = &SubResult{Kind: sb.Kind, SeqIDs: sb.SeqIDs()}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.Hidden, res.UpdatedPages = nil, nil
			res.Err = fmt.Errorf("%s kernel panic: %v: %w", sb.Kind, rec, ErrKernelExecution)
		}
		res.Latency = time.Since(start)
	}()

	var err error
	switch sb.Kind {
	case KindPrefill:
		res.Hidden, err = d.kernel.RunPrefill(ctx, sb.Prefill)
	case KindDecode:
		res.Hidden, res.UpdatedPages, err = d.kernel.RunDecode(ctx, sb.Decode)
	default:
		err = fmt.Errorf("unknown batch kind %d", sb.Kind)
	}
	if err != nil {
		res.Err = fmt.Errorf("%s kernel: %w: %w", sb.Kind, ErrKernelExecution, err)
		return res
	}
	if len(res.Hidden) != len(res.SeqIDs) {
		res.Err = fmt.Errorf("%s kernel returned %d rows for %d sequences: %w",
			sb.Kind, len(res.Hidden), len(res.SeqIDs), ErrKernelExecution)
	}
	return res
}
