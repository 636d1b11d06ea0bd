package surge

import (
	"fmt"
	"time"
)

// SequenceState represents the lifecycle state of a sequence.
type SequenceState string

const (
	StateWaiting   SequenceState = "waiting"
	StatePrefill   SequenceState = "prefill"
	StateDecode    SequenceState = "decode"
	StatePreempted SequenceState = "preempted"
	StateFinished  SequenceState = "finished"
	StateCancelled SequenceState = "cancelled"
)

// FinishReason tells why a sequence reached a terminal state.
type FinishReason string

const (
	ReasonNone        FinishReason = ""
	ReasonStop        FinishReason = "stop"         // stop token generated
	ReasonLength      FinishReason = "length"       // MaxNewTokens or max_model_len reached
	ReasonCancelled   FinishReason = "cancelled"    // cancelled by the caller
	ReasonKernelError FinishReason = "kernel_error" // the kernel failed on its batch
)

// validTransitions is the sequence state machine. PREEMPTED is a transit
// state: a preempted sequence is immediately requeued as WAITING.
var validTransitions = map[SequenceState][]SequenceState{
	StateWaiting:   {StatePrefill, StateCancelled},
	StatePrefill:   {StateDecode, StateFinished, StateCancelled},
	StateDecode:    {StateFinished, StatePreempted, StateCancelled},
	StatePreempted: {StateWaiting, StateCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s SequenceState) IsTerminal() bool {
	return s == StateFinished || s == StateCancelled
}

// GenerationParams are the caller-supplied generation bounds.
// Submit requires a positive MaxNewTokens unless Unbounded is set.
type GenerationParams struct {
	MaxNewTokens int     // length bound on generated tokens
	Unbounded    bool    // no length bound; stop tokens and max_model_len still apply
	StopTokens   []int   // generation ends after any of these is produced
	Priority     float64 // higher first under priority-fcfs; ignored by fcfs
}

// Sequence is a single generation request and the page chain backing its KV cache.
type Sequence struct {
	ID          string
	Arrival     uint64 // admission order, lower is earlier
	ArrivalTime time.Time
	Prompt      []int
	Output      []int // generated so far; preserved across preemption
	Params      GenerationParams

	State  SequenceState
	Reason FinishReason
	Err    error

	Pages       []PageID // KV chain; the first SharedPages come from the prefix cache and are read-only
	SharedPages int
	Computed    int // tokens whose KV has been written into Pages
	prefix      *PrefixEntry

	Preemptions       int // times preempted back to waiting
	SkippedSteps      int // steps in which later arrivals were admitted ahead of it
	LastScheduledStep int

	stream chan int
}

// NewSequence builds a WAITING sequence. The stream buffer holds every token
// the sequence can ever produce, so delivery never blocks the scheduler.
func NewSequence(id string, prompt []int, params GenerationParams, maxModelLen int) *Sequence {
	capacity := max(maxModelLen-len(prompt), 0)
	if params.MaxNewTokens > 0 {
		capacity = min(capacity, params.MaxNewTokens)
	}
	return &Sequence{
		ID:     id,
		Prompt: append([]int(nil), prompt...),
		Params: params,
		State:  StateWaiting,
		stream: make(chan int, capacity),
	}
}

// Len returns the number of tokens in the history (prompt + output).
func (s *Sequence) Len() int { return len(s.Prompt) + len(s.Output) }

// Tokens returns a copy of the full token history.
func (s *Sequence) Tokens() []int {
	out := make([]int, 0, s.Len())
	out = append(out, s.Prompt...)
	return append(out, s.Output...)
}

// Stream returns the channel generated tokens are delivered on. It is closed
// when the sequence reaches a terminal state.
func (s *Sequence) Stream() <-chan int { return s.stream }

func (s *Sequence) transition(to SequenceState) error {
	for _, allowed := range validTransitions[s.State] {
		if allowed == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("sequence %s: invalid transition %s -> %s", s.ID, s.State, to)
}

func (s *Sequence) isStopToken(tok int) bool {
	for _, st := range s.Params.StopTokens {
		if st == tok {
			return true
		}
	}
	return false
}

// String returns a human-readable summary of the sequence.
func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence: (ID: %s, State: %s, Tokens: %d, Pages: %d, Shared: %d)",
		s.ID, s.State, s.Len(), len(s.Pages), s.SharedPages)
}
