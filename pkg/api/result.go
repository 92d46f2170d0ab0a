package api

// Result is the outcome an action reports back to the engine. It is a closed
// three-variant value: Success carries a state delta, Failure carries a cause,
// Abort carries nothing.
type Result struct {
	kind    resultKind
	changes map[string]any
	cause   any
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultFailure
	resultAbort
)

// Success reports a completed action. changes may be nil; non-nil entries are
// merged into the subject state when the task commits, and a nil value for a
// key overwrites that key (compensations rely on this to null fields out).
func Success(changes map[string]any) Result {
	return Result{kind: resultSuccess, changes: changes}
}

// Failure reports an explicit business-rule rejection with a cause value.
func Failure(cause any) Result {
	return Result{kind: resultFailure, cause: cause}
}

// Abort reports an explicit stop with no cause.
func Abort() Result {
	return Result{kind: resultAbort}
}

func (r Result) IsSuccess() bool { return r.kind == resultSuccess }
func (r Result) IsFailure() bool { return r.kind == resultFailure }
func (r Result) IsAbort() bool   { return r.kind == resultAbort }

// Changes returns the state delta of a successful result.
func (r Result) Changes() map[string]any { return r.changes }

// Cause returns the failure cause, nil for success and abort.
func (r Result) Cause() any { return r.cause }

// Tag classifies a pipeline outcome for caller branching.
type Tag string

const (
	TagNone      Tag = ""
	TagError     Tag = ErrKindError
	TagAborted   Tag = ErrKindAborted
	TagException Tag = ErrKindException
)

// Status is the caller-visible outcome of a pipeline run. Expected business
// failures never surface as errors; callers inspect Status instead.
type Status struct {
	Success bool
	Tag     Tag
	Data    any
}

// OK builds a success status carrying data (typically the subject).
func OK(data any) Status {
	return Status{Success: true, Data: data}
}

// Failed builds a failure status with a classifying tag and a cause value.
func Failed(tag Tag, data any) Status {
	return Status{Success: false, Tag: tag, Data: data}
}

func (s Status) Failure() bool { return !s.Success }
