package surge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfPages is returned by the page store when an allocation would
	// exceed the budget ceiling. The scheduler recovers from it internally.
	ErrOutOfPages = errors.New("out of KV pages")

	// ErrSchedulerStalled is reported when no sequence can make progress in a step.
	ErrSchedulerStalled = errors.New("scheduler stalled")

	// ErrPrefixCacheCorruption marks a prefix entry whose reference count underflowed.
	ErrPrefixCacheCorruption = errors.New("prefix cache corruption")

	// ErrRefCountUnderflow is returned when freeing a page that is already free.
	ErrRefCountUnderflow = errors.New("page reference count underflow")

	// ErrKernelExecution marks a failed kernel invocation.
	ErrKernelExecution = errors.New("kernel execution failure")

	// ErrInvalidRequest is returned by Submit for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownRequest is returned for ids the engine does not track.
	ErrUnknownRequest = errors.New("unknown request")
)

// RequestError is a user-visible failure naming the affected requests.
type RequestError struct {
	IDs []string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("requests [%s]: %v", strings.Join(e.IDs, ","), e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func newRequestError(err error, ids ...string) *RequestError {
	return &RequestError{IDs: append([]string(nil), ids...), Err: err}
}
