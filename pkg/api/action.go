package api

import "context"

// Pipeline is the read view an action receives of the pipeline driving it.
type Pipeline interface {
	// Subject returns the entity being driven through the state machine.
	Subject() Subject

	// CurrentStatus is the subject's persisted status at invocation time.
	CurrentStatus() string

	// State is the subject's persisted state map. Actions must not mutate
	// it directly; state changes flow through the Result they return.
	State() map[string]any
}

// Action is the user code behind a transition. Call is the forward step; the
// remaining capabilities are optional and discovered by interface probing.
//
// Actions must tolerate re-invocation: the engine re-runs them on retry and
// does not deduplicate their side effects.
type Action interface {
	Call(ctx context.Context, p Pipeline, t *Task) Result
}

// Undoer compensates a forward step. Undo runs against the compensating
// anti-task (source and destination swapped) and may also run for a task
// whose forward action failed midway.
type Undoer interface {
	Undo(ctx context.Context, p Pipeline, t *Task) Result
}

// Finalizer runs after the whole forward pass committed.
type Finalizer interface {
	Finalize(ctx context.Context, p Pipeline, t *Task) Result
}

// FinalizeUndoer runs after a compensation step, mirroring Finalizer for the
// rollback path.
type FinalizeUndoer interface {
	FinalizeUndo(ctx context.Context, p Pipeline, t *Task) Result
}

// Capabilities reports which optional operations an action implements.
type Capabilities struct {
	Undo         bool
	Finalize     bool
	FinalizeUndo bool
}

// CapabilitiesOf probes an action for its optional operations.
func CapabilitiesOf(a Action) Capabilities {
	var c Capabilities
	_, c.Undo = a.(Undoer)
	_, c.Finalize = a.(Finalizer)
	_, c.FinalizeUndo = a.(FinalizeUndoer)
	return c
}
