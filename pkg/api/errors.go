package api

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id has no durable record.
var ErrTaskNotFound = errors.New("task not found")

// ErrRollback aborts a Subject.Transact scope without surfacing an error to
// the caller. Implementations must roll back and swallow it.
var ErrRollback = errors.New("rollback transaction")

// InvalidTransitionError reports a transition that is unknown or not allowed
// from the subject's current status. It is a configuration or programming
// error: fatal for the attempt and never retried.
type InvalidTransitionError struct {
	Transition string
	From       string
	Unknown    bool
}

func (e *InvalidTransitionError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("invalid transition: unknown transition %q", e.Transition)
	}
	return fmt.Sprintf("invalid transition: from %q by %q", e.From, e.Transition)
}

// StructuralError reports a persisted subject blob that does not match the
// expected shape. It indicates corruption or an incompatible writer and is
// fatal at storage construction time.
type StructuralError struct {
	Missing []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("invalid pipeline storage: missing keys %v", e.Missing)
}
