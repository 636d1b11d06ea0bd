// Tracks run-wide statistics of an engine for final reporting.

package surge

import (
	"fmt"
	"io"
	"time"
)

// RunStats aggregates what an engine did over its lifetime.
type RunStats struct {
	Submitted    int
	Finished     int // stop or length
	Cancelled    int // by the caller or rejected as unfittable
	KernelErrors int
	Preemptions  int

	PrefillTokens   int // tokens computed by prefill kernels
	DecodeTokens    int
	GeneratedTokens int
	PrefixHitTokens int // prompt tokens served from shared pages

	Steps        int
	BusySteps    int // steps that ran at least one sequence
	PageStepsSum int // integral of allocated pages over steps
	PeakPages    int
	CachedPages  int
	TTFTSum      time.Duration
	FirstTokens  int
}

func (s *RunStats) observeStep(allocated, scheduled int) {
	s.Steps++
	if scheduled > 0 {
		s.BusySteps++
	}
	s.PageStepsSum += allocated
	s.PeakPages = max(s.PeakPages, allocated)
}

func (s *RunStats) observeFinished(reason FinishReason) {
	switch reason {
	case ReasonStop, ReasonLength:
		s.Finished++
	case ReasonKernelError:
		s.KernelErrors++
	default:
		s.Cancelled++
	}
}

// Print writes the summary to w.
func (s RunStats) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Engine Summary ===")
	fmt.Fprintf(w, "Submitted Requests   : %d\n", s.Submitted)
	fmt.Fprintf(w, "Finished Requests    : %d\n", s.Finished)
	fmt.Fprintf(w, "Cancelled Requests   : %d\n", s.Cancelled)
	fmt.Fprintf(w, "Kernel Failures      : %d\n", s.KernelErrors)
	fmt.Fprintf(w, "Preemptions          : %d\n", s.Preemptions)
	fmt.Fprintf(w, "Steps                : %d (%d busy)\n", s.Steps, s.BusySteps)
	fmt.Fprintf(w, "Generated Tokens     : %d\n", s.GeneratedTokens)
	fmt.Fprintf(w, "Prefill Tokens       : %d\n", s.PrefillTokens)
	fmt.Fprintf(w, "Prefix Hit Tokens    : %d\n", s.PrefixHitTokens)
	if s.Steps > 0 {
		fmt.Fprintf(w, "Average Pages Usage  : %.2f\n", float64(s.PageStepsSum)/float64(s.Steps))
		fmt.Fprintf(w, "Peak Pages Usage     : %d pages\n", s.PeakPages)
	}
	fmt.Fprintf(w, "Cached Pages         : %d\n", s.CachedPages)
	if s.FirstTokens > 0 {
		fmt.Fprintf(w, "Average TTFT         : %v\n", s.TTFTSum/time.Duration(s.FirstTokens))
	}
}
