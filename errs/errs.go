// Package errs defines the sentinel error taxonomy shared by store, journal,
// agentruntime, supervisor, and manager. Every kind below is a value to
// compare with errors.Is, not a type to type-switch on; ErrConflict and
// ErrIllegalTransition additionally carry structured fields accessible via
// errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an absent key, thread, or checkpoint.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyStarted indicates a lost race on InstanceManager.Get; the
	// caller receives the winner's handle instead of an error.
	ErrAlreadyStarted = errors.New("already started")

	// ErrConflict indicates a journal append revision mismatch.
	ErrConflict = errors.New("revision conflict")

	// ErrIllegalTransition indicates a forbidden AgentState.status change.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrTimeout indicates a suspending operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidTerm indicates a deserialization failure of stored or
	// streamed binary data.
	ErrInvalidTerm = errors.New("invalid encoded term")

	// ErrStorageIO indicates a Store backend IO failure.
	ErrStorageIO = errors.New("storage io error")

	// ErrStepPanic indicates a user Step function panicked.
	ErrStepPanic = errors.New("step panicked")

	// ErrMaxRestartsExceeded indicates a SessionSupervisor exhausted its
	// restart budget and gave up.
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")
)

// ConflictError carries the expected and actual revisions for ErrConflict.
type ConflictError struct {
	ThreadID    string
	Expected    uint64
	Actual      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on thread %q: expected rev %d, actual rev %d", e.ThreadID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IllegalTransitionError carries the offending from/to status pair for
// ErrIllegalTransition.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %q to %q", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }
