package surge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Scheduler makes the admission, continuation and preemption decisions of
// one step. Every decision of a step is taken against the same PageStore
// state; the engine guarantees that steps never interleave.
type Scheduler struct {
	cfg     Config
	store   *PageStore
	cache   *PrefixCache
	waitQ   *WaitQueue
	order   QueueOrder
	running []*Sequence // sequences holding pages, arrival order
	metrics *Metrics

	decodedLast bool // previous batch ran decodes; interleaved mode only
}

// NewScheduler creates a scheduler over store and cache.
func NewScheduler(cfg Config, store *PageStore, cache *PrefixCache) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		store: store,
		cache: cache,
		waitQ: &WaitQueue{},
		order: NewQueueOrder(cfg.Scheduler.QueueOrder),
	}
}

// WaitQueue returns the queue of sequences waiting for prefill.
func (s *Scheduler) WaitQueue() *WaitQueue { return s.waitQ }

// Running returns the sequences currently holding pages, in arrival order.
func (s *Scheduler) Running() []*Sequence {
	return append([]*Sequence(nil), s.running...)
}

// Enqueue adds a WAITING sequence to the back of the wait queue.
func (s *Scheduler) Enqueue(seq *Sequence) { s.waitQ.Enqueue(seq) }

// Schedule composes the batch of one step:
//  1. running decodes continue, least recently served first, up to
//     max_concurrent_decodes; a decode that cannot get its next page triggers
//     prefix cache eviction, then preemption of the youngest unscheduled decode
//  2. if nothing was preempted, waiting sequences are admitted into prefill
//     in queue order, up to max_concurrent_prefill, within the page budget
//
// With interleaved_mode a batch holds only one kind: after a decode batch
// prefills get the next step, otherwise decodes do, and the other kind runs
// instead when the preferred one has nothing to do.
//
// If nothing can run while sequences wait and none hold pages, the waiting
// sequences that can never fit are removed into Batch.Rejected and the
// returned error wraps ErrSchedulerStalled.
func (s *Scheduler) Schedule(step int) (*Batch, error) {
	b := &Batch{Step: step}
	var preempted bool
	switch {
	case !s.cfg.Vsurge.InterleavedMode:
		preempted = s.scheduleDecodes(b)
		if !preempted {
			s.admitPrefills(b)
		}
	case s.decodedLast:
		s.admitPrefills(b)
		if b.Empty() {
			preempted = s.scheduleDecodes(b)
		}
	default:
		preempted = s.scheduleDecodes(b)
		if b.Empty() && !preempted {
			s.admitPrefills(b)
		}
	}
	if !b.Empty() {
		s.decodedLast = len(b.Decode) > 0
	}

	if b.Empty() && !preempted && len(s.running) == 0 && s.waitQ.Len() > 0 {
		return b, s.stalled(b)
	}
	return b, nil
}

// scheduleDecodes fills b.Decode and reports whether any preemption happened.
func (s *Scheduler) scheduleDecodes(b *Batch) bool {
	cands := make([]*Sequence, 0, len(s.running))
	for _, seq := range s.running {
		if seq.State == StateDecode {
			cands = append(cands, seq)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].LastScheduledStep != cands[j].LastScheduledStep {
			return cands[i].LastScheduledStep < cands[j].LastScheduledStep
		}
		return cands[i].Arrival < cands[j].Arrival
	})

	preempted := false
	for _, seq := range cands {
		if len(b.Decode) >= s.cfg.Vsurge.MaxConcurrentDecodes {
			logrus.Debugf("[step %07d] decode limit %d reached, %s waits", b.Step, s.cfg.Vsurge.MaxConcurrentDecodes, seq.ID)
			continue
		}
		if seq.State != StateDecode {
			// preempted earlier in this loop
			continue
		}
		ok, didPreempt := s.reserveDecodeSlot(seq, b)
		preempted = preempted || didPreempt
		if !ok {
			continue
		}
		seq.LastScheduledStep = b.Step
		b.Decode = append(b.Decode, seq)
	}
	return preempted
}

// reserveDecodeSlot makes sure the page holding seq's next KV slot exists.
// It returns false if seq itself had to be preempted.
func (s *Scheduler) reserveDecodeSlot(seq *Sequence, b *Batch) (ok, preempted bool) {
	ps := s.store.PageSize()
	for seq.Computed >= len(seq.Pages)*ps {
		ids, err := s.allocate(1)
		if err == nil {
			seq.Pages = append(seq.Pages, ids...)
			break
		}
		victim := s.pickVictim(b)
		if victim == nil {
			// unreachable: seq itself is always a candidate
			logrus.Warnf("[step %07d] no decode to preempt for %s", b.Step, seq.ID)
			return false, preempted
		}
		s.preempt(victim, b)
		preempted = true
		if victim == seq {
			return false, true
		}
	}
	return true, preempted
}

// pickVictim returns the youngest decode sequence not yet scheduled in b.
func (s *Scheduler) pickVictim(b *Batch) *Sequence {
	for i := len(s.running) - 1; i >= 0; i-- {
		seq := s.running[i]
		if seq.State == StateDecode && seq.LastScheduledStep != b.Step {
			return seq
		}
	}
	return nil
}

// preempt releases a decode sequence's pages and puts it back at the front of
// the wait queue. Its token history is kept, so it resumes by prefilling
// prompt and output, reusing cached pages where possible.
func (s *Scheduler) preempt(seq *Sequence, b *Batch) {
	logrus.Warnf("[step %07d] preemption: evicting %s (%d pages) to make room", b.Step, seq.ID, len(seq.Pages))
	s.removeRunning(seq)
	s.releasePages(seq)
	if err := seq.transition(StatePreempted); err != nil {
		panic(err)
	}
	seq.Preemptions++
	if err := seq.transition(StateWaiting); err != nil {
		panic(err)
	}
	s.waitQ.PrependFront(seq)
	b.Preempted = append(b.Preempted, seq)
	s.metrics.observePreemption()
}

// admitPrefills moves waiting sequences into prefill.
// A sequence that fails its budget check becomes the blocker. Later
// sequences may still be admitted past it, but every step in which that
// happens counts against the blocker; at max_skip_ahead nothing behind it is
// admitted until it fits.
func (s *Scheduler) admitPrefills(b *Batch) {
	s.waitQ.Reorder(s.order.OrderQueue)

	prefillTokens := 0
	var blocker *Sequence
	charged := false
	for _, seq := range s.waitQ.Items() {
		if len(b.Prefill) >= s.cfg.Vsurge.MaxConcurrentPrefill || len(s.running) >= s.cfg.Esurge.MaxNumSeqs {
			break
		}
		if blocker != nil && blocker.SkippedSteps >= s.cfg.Scheduler.MaxSkipAhead {
			logrus.Debugf("[step %07d] %s reserved capacity after %d skipped steps", b.Step, blocker.ID, blocker.SkippedSteps)
			break
		}
		if !s.tryAdmit(seq, b, &prefillTokens) {
			if blocker == nil {
				blocker = seq
			}
			continue
		}
		if blocker != nil && !charged {
			blocker.SkippedSteps++
			charged = true
		}
	}
}

// tryAdmit admits seq into prefill if its pages fit. Admission is atomic:
// on any failure every reference taken so far is returned.
func (s *Scheduler) tryAdmit(seq *Sequence, b *Batch, prefillTokens *int) bool {
	ps := s.store.PageSize()
	tokens := seq.Tokens()

	entry, matched := s.cache.Lookup(tokens)
	// keep at least one token to compute so the kernel yields logits
	shared := min(matched/ps, (len(tokens)-1)/ps)
	if shared == 0 || !s.cache.Acquire(entry) {
		entry, shared = nil, 0
	}
	rollbackEntry := func() {
		if entry != nil {
			if err := s.cache.Release(entry); err != nil {
				logrus.Warnf("[step %07d] %v", b.Step, err)
			}
		}
	}

	padded := PaddedLen(len(tokens)-shared*ps, s.cfg.Esurge.MinInputPad)
	if limit := s.cfg.Scheduler.MaxPrefillTokens; limit > 0 && *prefillTokens+padded > limit {
		rollbackEntry()
		return false
	}

	fresh, err := s.allocate(s.store.ReserveEstimate(len(tokens)) - shared)
	if err != nil {
		logrus.Debugf("[step %07d] %s stays waiting: %v", b.Step, seq.ID, err)
		rollbackEntry()
		return false
	}
	pages := make([]PageID, 0, shared+len(fresh))
	for i := 0; i < shared; i++ {
		if err := s.store.Retain(entry.Pages[i]); err != nil {
			logrus.Warnf("[step %07d] %s: sharing page %d: %v", b.Step, seq.ID, entry.Pages[i], err)
			_, _ = s.store.FreeAll(pages)
			_, _ = s.store.FreeAll(fresh)
			rollbackEntry()
			return false
		}
		pages = append(pages, entry.Pages[i])
	}
	pages = append(pages, fresh...)

	if err := seq.transition(StatePrefill); err != nil {
		_, _ = s.store.FreeAll(pages)
		rollbackEntry()
		logrus.Warnf("[step %07d] %v", b.Step, err)
		return false
	}
	seq.Pages = pages
	seq.SharedPages = shared
	seq.Computed = shared * ps
	seq.prefix = entry
	seq.SkippedSteps = 0
	seq.LastScheduledStep = b.Step

	s.waitQ.Remove(seq.ID)
	s.addRunning(seq)
	b.Prefill = append(b.Prefill, seq)
	*prefillTokens += padded
	s.metrics.observeAdmission()
	if shared > 0 {
		s.metrics.observeHit(shared * ps)
	}
	logrus.Debugf("[step %07d] admitted %s: %d tokens, %d shared pages, %d fresh pages",
		b.Step, seq.ID, len(tokens), shared, len(fresh))
	return true
}

// allocate takes n pages from the store, evicting idle prefix entries first
// if the store is short.
func (s *Scheduler) allocate(n int) ([]PageID, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.store.Allocate(n)
	if err == nil || !errors.Is(err, ErrOutOfPages) {
		return ids, err
	}
	if short := n - s.store.Available(); short > 0 {
		s.cache.Evict(short)
	}
	return s.store.Allocate(n)
}

// CommitWrites records that seq's KV now covers its first upto tokens and
// publishes newly completed pages to the prefix cache.
func (s *Scheduler) CommitWrites(seq *Sequence, upto int) error {
	ps := s.store.PageSize()
	if upto <= seq.Computed {
		return nil
	}
	if upto > len(seq.Pages)*ps {
		return fmt.Errorf("sequence %s: %d tokens exceed %d pages", seq.ID, upto, len(seq.Pages))
	}
	prevFull := seq.Computed / ps
	for i := seq.Computed / ps; i*ps < upto; i++ {
		if i < seq.SharedPages {
			// shared pages are full and read-only
			continue
		}
		if err := s.store.Write(seq.Pages[i], min(ps, upto-i*ps)); err != nil {
			return fmt.Errorf("sequence %s: %w", seq.ID, err)
		}
	}
	seq.Computed = upto
	if upto/ps > prevFull {
		s.cache.Insert(seq.Tokens()[:upto], seq.Pages)
	}
	return nil
}

// Retire releases the pages of a sequence that left the running set for good.
func (s *Scheduler) Retire(seq *Sequence) {
	s.removeRunning(seq)
	s.releasePages(seq)
}

// Cancel removes seq from wherever it is and releases its pages.
func (s *Scheduler) Cancel(seq *Sequence) {
	s.waitQ.Remove(seq.ID)
	s.Retire(seq)
}

func (s *Scheduler) releasePages(seq *Sequence) {
	if len(seq.Pages) > 0 {
		if _, err := s.store.FreeAll(seq.Pages); err != nil {
			logrus.Warnf("releasing pages of %s: %v", seq.ID, err)
		}
	}
	if seq.prefix != nil {
		if err := s.cache.Release(seq.prefix); err != nil {
			logrus.Warnf("releasing prefix of %s: %v", seq.ID, err)
		}
	}
	seq.Pages = nil
	seq.SharedPages = 0
	seq.Computed = 0
	seq.prefix = nil
}

func (s *Scheduler) addRunning(seq *Sequence) {
	i := sort.Search(len(s.running), func(i int) bool { return s.running[i].Arrival > seq.Arrival })
	s.running = append(s.running, nil)
	copy(s.running[i+1:], s.running[i:])
	s.running[i] = seq
}

func (s *Scheduler) removeRunning(seq *Sequence) {
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}

// neverFits reports whether seq could not be admitted even with every page free.
func (s *Scheduler) neverFits(seq *Sequence) bool {
	if s.store.ReserveEstimate(seq.Len()) > s.store.Budget().Ceiling {
		return true
	}
	limit := s.cfg.Scheduler.MaxPrefillTokens
	return limit > 0 && PaddedLen(seq.Len(), s.cfg.Esurge.MinInputPad) > limit
}

func (s *Scheduler) stalled(b *Batch) error {
	var ids []string
	for _, seq := range s.waitQ.Items() {
		if s.neverFits(seq) {
			s.waitQ.Remove(seq.ID)
			b.Rejected = append(b.Rejected, seq)
			ids = append(ids, seq.ID)
		}
	}
	if len(ids) == 0 {
		for _, seq := range s.waitQ.Items() {
			ids = append(ids, seq.ID)
		}
	}
	logrus.Warnf("[step %07d] no sequence can make progress; %d waiting", b.Step, s.waitQ.Len())
	return newRequestError(fmt.Errorf("step %d: %w", b.Step, ErrSchedulerStalled), ids...)
}
