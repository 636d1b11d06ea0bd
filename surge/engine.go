package surge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Option configures an Engine.
type Option func(*Engine)

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithSampler replaces the default GreedySampler.
func WithSampler(s Sampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithClock replaces time.Now for arrival and first-token timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// PollResult is a snapshot of one request.
type PollResult struct {
	ID          string
	State       SequenceState
	Tokens      []int // generated so far
	Reason      FinishReason
	Err         error
	Preemptions int
}

// StepResult reports what one step did.
type StepResult struct {
	Step      int
	Prefill   []string
	Decode    []string
	Finished  []string // reached a terminal state during completion
	Failed    []string // cancelled by a kernel failure
	Preempted []string
	Rejected  []string // removed because they can never fit
	Latency   time.Duration
}

// Engine owns one instance of every component and drives steps over them.
// Submit, Poll, Stream, Cancel and Remove are safe for concurrent use with
// each other and with Step.
type Engine struct {
	cfg Config

	stepMu sync.Mutex // one step at a time
	mu     sync.Mutex // guards everything below

	store   *PageStore
	cache   *PrefixCache
	tracker *Tracker
	sched   *Scheduler
	disp    *Dispatcher
	sampler Sampler
	metrics *Metrics
	stats   *RunStats

	registerer prometheus.Registerer
	clock      func() time.Time

	pendingCancel map[string]struct{}
	step          int
}

// NewEngine validates cfg and wires the components over kernel.
func NewEngine(cfg Config, kernel Kernel, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if kernel == nil {
		return nil, errors.New("kernel must not be nil")
	}
	e := &Engine{
		cfg:           cfg,
		sampler:       GreedySampler{},
		clock:         time.Now,
		metrics:       NewMetrics(),
		stats:         &RunStats{},
		tracker:       NewTracker(),
		pendingCancel: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registerer != nil {
		if err := e.metrics.Register(e.registerer); err != nil {
			return nil, err
		}
	}

	e.store = NewPageStore(cfg.TotalPages(), cfg.Esurge.PageSize, cfg.Esurge.HBMUtilization)
	e.cache = NewPrefixCache(e.store, cfg.Esurge.EnablePrefixCaching, cfg.Esurge.HashSeed)
	e.cache.metrics = e.metrics
	e.sched = NewScheduler(cfg, e.store, e.cache)
	e.sched.metrics = e.metrics
	e.disp = NewDispatcher(kernel, cfg.Esurge.PageSize, cfg.Esurge.MinInputPad)
	e.disp.metrics = e.metrics

	b := e.store.Budget()
	logrus.Infof("engine: %d pages of %d tokens, ceiling %d, prefix caching %v",
		b.TotalPages, cfg.Esurge.PageSize, b.Ceiling, cfg.Esurge.EnablePrefixCaching)
	return e, nil
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Budget returns the current page accounting.
func (e *Engine) Budget() Budget { return e.store.Budget() }

// Stats returns a copy of the run statistics.
func (e *Engine) Stats() RunStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := *e.stats
	s.CachedPages = e.cache.CachedPages()
	return s
}

// Submit validates a request and queues it. It returns the request id.
func (e *Engine) Submit(prompt []int, params GenerationParams) (string, error) {
	if err := e.validate(prompt, params); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := NewSequence(uuid.NewString(), prompt, params, e.cfg.Esurge.MaxModelLen)
	seq.ArrivalTime = e.clock()
	e.tracker.Admit(seq)
	e.sched.Enqueue(seq)
	e.stats.Submitted++
	return seq.ID, nil
}

func (e *Engine) validate(prompt []int, params GenerationParams) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
	}
	switch {
	case len(prompt) == 0:
		return invalid("empty prompt")
	case len(prompt) >= e.cfg.Esurge.MaxModelLen:
		return invalid("prompt of %d tokens leaves no room under max_model_len %d", len(prompt), e.cfg.Esurge.MaxModelLen)
	case params.Unbounded && params.MaxNewTokens != 0:
		return invalid("unbounded request with max new tokens %d", params.MaxNewTokens)
	case !params.Unbounded && params.MaxNewTokens <= 0:
		return invalid("max new tokens must be positive, got %d", params.MaxNewTokens)
	}
	if need, ceiling := e.store.ReserveEstimate(len(prompt)), e.store.Budget().Ceiling; need > ceiling {
		return invalid("prompt needs %d pages, ceiling is %d", need, ceiling)
	}
	limit := e.cfg.Scheduler.MaxPrefillTokens
	if padded := PaddedLen(len(prompt), e.cfg.Esurge.MinInputPad); limit > 0 && padded > limit {
		return invalid("padded prompt of %d tokens exceeds max_prefill_tokens %d", padded, limit)
	}
	return nil
}

// Poll returns a snapshot of the request.
func (e *Engine) Poll(id string) (PollResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.tracker.Get(id)
	if !ok {
		return PollResult{}, newRequestError(ErrUnknownRequest, id)
	}
	return PollResult{
		ID:          seq.ID,
		State:       seq.State,
		Tokens:      append([]int(nil), seq.Output...),
		Reason:      seq.Reason,
		Err:         seq.Err,
		Preemptions: seq.Preemptions,
	}, nil
}

// Stream returns the channel the request's tokens are delivered on.
func (e *Engine) Stream(id string) (<-chan int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.tracker.Get(id)
	if !ok {
		return nil, newRequestError(ErrUnknownRequest, id)
	}
	return seq.Stream(), nil
}

// Cancel marks the request for cancellation at the next step boundary.
// Cancelling a terminal request is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.tracker.Get(id)
	if !ok {
		return newRequestError(ErrUnknownRequest, id)
	}
	if !seq.State.IsTerminal() {
		e.pendingCancel[id] = struct{}{}
	}
	return nil
}

// Remove forgets a terminal request.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.tracker.Get(id)
	if !ok {
		return newRequestError(ErrUnknownRequest, id)
	}
	if !seq.State.IsTerminal() {
		return newRequestError(fmt.Errorf("request still %s", seq.State), id)
	}
	e.tracker.Remove(id)
	return nil
}

// HasWork reports whether any request is still in flight.
func (e *Engine) HasWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingCancel) > 0 || len(e.tracker.Active()) > 0
}

// Step runs one schedule, dispatch, complete cycle. Kernels run outside the
// engine lock. The returned error is non-nil only when scheduling stalled.
func (e *Engine) Step(ctx context.Context) (*StepResult, error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()
	start := time.Now()

	e.mu.Lock()
	e.step++
	step := e.step
	e.applyCancels()
	b, schedErr := e.sched.Schedule(step)
	res := &StepResult{Step: step, Prefill: idsOf(b.Prefill), Decode: idsOf(b.Decode), Preempted: idsOf(b.Preempted)}
	for _, seq := range b.Rejected {
		e.finish(seq, ReasonCancelled, newRequestError(ErrSchedulerStalled, seq.ID))
		res.Rejected = append(res.Rejected, seq.ID)
	}
	e.stats.Preemptions += len(b.Preempted)
	for _, seq := range b.Prefill {
		e.stats.PrefixHitTokens += seq.SharedPages * e.store.PageSize()
	}
	subs := e.disp.Compose(b)
	e.mu.Unlock()

	var out *DispatchResult
	if len(subs) > 0 {
		out = e.disp.Execute(ctx, subs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if out != nil {
		e.complete(b, out, res)
	}
	res.Latency = time.Since(start)
	budget := e.store.Budget()
	e.stats.observeStep(budget.Allocated, b.Len())
	e.metrics.observeStep(res.Latency, budget, e.sched.WaitQueue().Len(), len(e.sched.running))
	if !b.Empty() {
		logrus.Debugf("[step %07d] prefill=%d decode=%d pages=%d/%d", step, len(b.Prefill), len(b.Decode), budget.Allocated, budget.Ceiling)
	}
	return res, schedErr
}

// Run steps until no request is in flight or ctx is done. Stalls that
// rejected requests are logged and stepping continues; any other stall is
// returned.
func (e *Engine) Run(ctx context.Context) error {
	for e.HasWork() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.Step(ctx)
		if err != nil {
			if errors.Is(err, ErrSchedulerStalled) && len(res.Rejected) > 0 {
				logrus.Warnf("[step %07d] %v", res.Step, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) applyCancels() {
	for id := range e.pendingCancel {
		delete(e.pendingCancel, id)
		seq, ok := e.tracker.Get(id)
		if !ok || seq.State.IsTerminal() {
			continue
		}
		e.finish(seq, ReasonCancelled, nil)
		logrus.Debugf("[step %07d] cancelled %s", e.step, id)
	}
}

// complete applies the kernel results of b. A failed sub-batch cancels
// only its own sequences.
func (e *Engine) complete(b *Batch, out *DispatchResult, res *StepResult) {
	if len(b.Prefill) > 0 {
		e.completeKind(b.Prefill, out.Prefill, res, func(seq *Sequence) int { return seq.Len() })
	}
	if len(b.Decode) > 0 {
		e.completeKind(b.Decode, out.Decode, res, func(seq *Sequence) int { return seq.Computed + 1 })
	}
}

func (e *Engine) completeKind(seqs []*Sequence, sub *SubResult, res *StepResult, written func(*Sequence) int) {
	if sub.Err != nil {
		logrus.Warnf("[step %07d] %s sub-batch failed for %d sequences: %v", e.step, sub.Kind, len(seqs), sub.Err)
		for _, seq := range seqs {
			e.fail(seq, sub.Err, res)
		}
		return
	}
	logrus.Debugf("[step %07d] %s kernel wrote %d pages in %v", e.step, sub.Kind, len(sub.UpdatedPages), sub.Latency)

	for i, seq := range seqs {
		if seq.State.IsTerminal() {
			continue
		}
		upto := written(seq)
		computed := upto - seq.Computed
		if err := e.sched.CommitWrites(seq, upto); err != nil {
			e.fail(seq, fmt.Errorf("%w: %w", ErrKernelExecution, err), res)
			continue
		}
		if sub.Kind == KindPrefill {
			e.stats.PrefillTokens += computed
		} else {
			e.stats.DecodeTokens += computed
		}

		tok := e.sampler.Sample(seq, sub.Hidden[i])
		if err := e.tracker.AppendToken(seq.ID, tok); err != nil {
			e.fail(seq, err, res)
			continue
		}
		e.stats.GeneratedTokens++
		if len(seq.Output) == 1 {
			e.stats.TTFTSum += e.clock().Sub(seq.ArrivalTime)
			e.stats.FirstTokens++
		}

		if reason := e.finishReason(seq, tok); reason != ReasonNone {
			e.finish(seq, reason, nil)
			res.Finished = append(res.Finished, seq.ID)
			continue
		}
		if seq.State == StatePrefill {
			if err := seq.transition(StateDecode); err != nil {
				e.fail(seq, err, res)
			}
		}
	}
}

func (e *Engine) finishReason(seq *Sequence, tok int) FinishReason {
	switch {
	case seq.isStopToken(tok):
		return ReasonStop
	case seq.Params.MaxNewTokens > 0 && len(seq.Output) >= seq.Params.MaxNewTokens:
		return ReasonLength
	case seq.Len() >= e.cfg.Esurge.MaxModelLen:
		return ReasonLength
	}
	return ReasonNone
}

func (e *Engine) fail(seq *Sequence, err error, res *StepResult) {
	e.finish(seq, ReasonKernelError, newRequestError(err, seq.ID))
	res.Failed = append(res.Failed, seq.ID)
}

// finish moves seq to a terminal state and returns its pages.
func (e *Engine) finish(seq *Sequence, reason FinishReason, err error) {
	e.sched.Cancel(seq)
	if merr := e.tracker.MarkFinished(seq.ID, reason, err); merr != nil {
		logrus.Warnf("[step %07d] %v", e.step, merr)
		return
	}
	e.metrics.observeFinished(reason)
	e.stats.observeFinished(reason)
}

func idsOf(seqs []*Sequence) []string {
	if len(seqs) == 0 {
		return nil
	}
	ids := make([]string, len(seqs))
	for i, s := range seqs {
		ids[i] = s.ID
	}
	return ids
}
