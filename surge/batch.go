// batch.go
//
// Defines the Batch composed by each scheduling step and the kernel-facing
// layouts the dispatcher derives from it.

package surge

// BatchKind tags a sub-batch with the kernel family it must run on.
type BatchKind int

const (
	KindPrefill BatchKind = iota // packed, variable-length, causal-masked
	KindDecode                   // one new token per sequence over ragged page tables
)

func (k BatchKind) String() string {
	switch k {
	case KindPrefill:
		return "prefill"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Attention variants the dispatcher selects between.
const (
	VariantPackedCausal = "flash_attn"
	VariantRaggedPaged  = "ragged_page_attn"
)

// Batch is the transient set of sequences scheduled in one step.
type Batch struct {
	Step    int
	Prefill []*Sequence
	Decode  []*Sequence

	// Preempted holds decode sequences sent back to the wait queue this step.
	Preempted []*Sequence
	// Rejected holds waiting sequences removed because they can never fit
	// the page budget.
	Rejected []*Sequence
}

// Len returns the number of scheduled sequences.
func (b *Batch) Len() int { return len(b.Prefill) + len(b.Decode) }

// Empty reports whether nothing was scheduled.
func (b *Batch) Empty() bool { return b.Len() == 0 }

// IDs returns the ids of all scheduled sequences, prefill first.
func (b *Batch) IDs() []string {
	ids := make([]string, 0, b.Len())
	for _, s := range b.Prefill {
		ids = append(ids, s.ID)
	}
	for _, s := range b.Decode {
		ids = append(ids, s.ID)
	}
	return ids
}

// PageTable is a ragged table of physical page ids: the pages of sequence i
// are Indices[Offsets[i]:Offsets[i+1]].
type PageTable struct {
	Indices []int32
	Offsets []int32
}

// BuildPageTable lays out page chains as a ragged table. Both kernel
// variants receive tables built here, so the indices never depend on which
// variant runs.
func BuildPageTable(chains [][]PageID) PageTable {
	total := 0
	for _, c := range chains {
		total += len(c)
	}
	pt := PageTable{
		Indices: make([]int32, 0, total),
		Offsets: make([]int32, 1, len(chains)+1),
	}
	for _, c := range chains {
		for _, id := range c {
			pt.Indices = append(pt.Indices, int32(id))
		}
		pt.Offsets = append(pt.Offsets, int32(len(pt.Indices)))
	}
	return pt
}

// Rows returns the number of sequences in the table.
func (pt PageTable) Rows() int { return len(pt.Offsets) - 1 }

// Row returns the page ids of sequence i.
func (pt PageTable) Row(i int) []int32 {
	return pt.Indices[pt.Offsets[i]:pt.Offsets[i+1]]
}

// PrefillLayout is the packed input of the prefill kernel.
// Each sequence contributes its uncached tokens, padded to a multiple of the
// pad granularity. Padding carries SegmentIDs -1 and SlotMapping -1.
type PrefillLayout struct {
	Variant     string
	SeqIDs      []string
	Tokens      []int // packed, padded
	Positions   []int // absolute position of each packed token
	SegmentIDs  []int // causal mask: token i attends to j iff same segment and Positions[j] <= Positions[i]
	CuSeqLens   []int // packed boundaries, len(SeqIDs)+1
	ContextLens []int // tokens in KV per sequence once the writes land (cached prefix included)
	SlotMapping []int // page*pageSize+offset each packed token is written to, -1 = no write
	PageTable   PageTable
	PageSize    int
}

// DecodeLayout is the input of the ragged paged decode kernel.
type DecodeLayout struct {
	Variant     string
	SeqIDs      []string
	Tokens      []int // the one new token per sequence
	Positions   []int
	SlotMapping []int
	FillCounts  []int // tokens in KV per sequence, the new token included
	PageTable   PageTable
	PageSize    int
}

// SubBatch is a tagged union over the two batch kinds; exactly the layout
// matching Kind is set.
type SubBatch struct {
	Kind    BatchKind
	Prefill *PrefillLayout
	Decode  *DecodeLayout
}

// SeqIDs returns the sequences of the sub-batch in layout order.
func (sb SubBatch) SeqIDs() []string {
	switch sb.Kind {
	case KindPrefill:
		return sb.Prefill.SeqIDs
	case KindDecode:
		return sb.Decode.SeqIDs
	}
	return nil
}
