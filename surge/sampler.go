package surge

// Sampler picks the next token of a sequence from its logits row.
type Sampler interface {
	Sample(seq *Sequence, logits []float32) int
}

// GreedySampler picks the highest logit; ties go to the lowest token id.
type GreedySampler struct{}

func (GreedySampler) Sample(_ *Sequence, logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}
