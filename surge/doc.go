// Package surge implements a continuous-batching serving core over a paged,
// prefix-shared KV cache.
//
// # Reading Guide
//
// Start with these files:
//   - pages.go: PageStore, the fixed page pool and the Budget it enforces
//   - prefix_cache.go: PrefixCache, content-addressed page chains with LRU eviction of idle entries
//   - sequence.go: Sequence lifecycle (waiting → prefill → decode → finished) and its state machine
//   - scheduler.go: one scheduling step (decode continuation, preemption, prefill admission)
//   - dispatcher.go: Batch → kernel layouts, and the Kernel capability interface
//   - engine.go: the request interface (Submit/Poll/Stream/Cancel) and the step driver
//
// # Architecture
//
// Every component is an explicit object owned by an Engine; there is no
// package-level mutable state besides logging. The kernel is an external
// capability (see Kernel); the reference implementation lives in surge/kernel.
//
// The core is driven by an external tick: each Engine.Step runs exactly one
// scheduling step, which makes every scheduling decision testable by
// single-stepping.
package surge
