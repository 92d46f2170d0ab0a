// Package railway implements the operation queues that order a pipeline's
// work. A railway holds four queues per subject, one per operation, and a
// pair of markers: the active operation and the owning transaction. Exactly
// one operation is active at a time; Next pops from the active queue and
// closes the transaction when it runs dry.
package railway

import (
	"context"
	"fmt"

	"github.com/petrijr/sagarail/pkg/api"
)

// Operation names one of the four rails work can run on.
type Operation string

const (
	OpCall         Operation = "call"
	OpUndo         Operation = "undo"
	OpFinalize     Operation = "finalize"
	OpFinalizeUndo Operation = "finalize_undo"
)

// Operations lists every rail, in dispatch priority order.
var Operations = []Operation{OpCall, OpUndo, OpFinalize, OpFinalizeUndo}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCall, OpUndo, OpFinalize, OpFinalizeUndo:
		return true
	}
	return false
}

// switchTable lists the permitted active-operation transitions. A fresh
// railway (no active operation) may only activate call.
var switchTable = map[Operation][]Operation{
	OpCall:         {OpUndo, OpFinalize},
	OpUndo:         {OpFinalizeUndo},
	OpFinalizeUndo: {OpUndo},
	OpFinalize:     {OpCall, OpUndo},
}

// CanSwitch reports whether the active operation may move from one rail to
// another. Staying on the same rail is always allowed.
func CanSwitch(from, to Operation) bool {
	if from == to {
		return true
	}
	if from == "" {
		return to == OpCall
	}
	for _, next := range switchTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidSwitch is wrapped by SwitchTo when a rail change is not in the
// switch table.
var ErrInvalidSwitch = fmt.Errorf("railway: invalid operation switch")

func switchError(from, to Operation) error {
	if from == "" {
		from = "(none)"
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidSwitch, from, to)
}

// Queue is one operation's task list for one subject and transaction.
//
// Pop atomically removes the head task and marks it as the queue's processing
// task, so a crashed run can be resumed from the marker. Popping an empty
// queue clears any stale marker and returns nil without error.
type Queue interface {
	// Push appends a task at the tail.
	Push(ctx context.Context, t *api.Task) error

	// PushFront inserts a task at the head. Compensations use it so undo
	// tasks drain in reverse order of their forward steps.
	PushFront(ctx context.Context, t *api.Task) error

	// Pop removes and returns the head task, recording it as processing.
	// It returns nil when the queue is empty.
	Pop(ctx context.Context) (*api.Task, error)

	// PeekAll returns the queued tasks head to tail, without removing them.
	PeekAll(ctx context.Context) ([]*api.Task, error)

	// ProcessingTask returns the task last handed out by Pop, or nil.
	ProcessingTask(ctx context.Context) (*api.Task, error)

	// Clear drops all queued tasks and the processing marker.
	Clear(ctx context.Context) error
}

// Railway is a subject's set of operation queues plus the two markers that
// serialize transactions over it. A Railway instance is bound to one
// transaction id; transaction ownership is decided by compare-and-set on the
// subject's active-transaction marker.
type Railway interface {
	// ID returns the transaction id this railway instance runs under.
	ID() string

	// Queue returns the queue for an operation under this transaction.
	Queue(op Operation) Queue

	// Active returns the subject's active operation, or "" when unset.
	Active(ctx context.Context) (Operation, error)

	// SwitchTo changes the active operation. It fails with ErrInvalidSwitch
	// for rail changes outside the switch table.
	SwitchTo(ctx context.Context, op Operation) error

	// RunningTransaction returns the transaction id currently owning the
	// subject, or "" when none does.
	RunningTransaction(ctx context.Context) (string, error)

	// Next advances the railway. When another transaction owns the subject
	// it returns nil immediately. Otherwise it claims ownership if
	// unclaimed, activating the call rail on a fresh railway, and pops the
	// active queue. A nil pop finishes the transaction: all queues and
	// both markers are cleared.
	Next(ctx context.Context) (*api.Task, error)

	// Clear drops every queue and marker for the subject, regardless of
	// which transaction owns it.
	Clear(ctx context.Context) error
}

// Empty reports whether every queue of the railway is drained and no task is
// marked processing.
func Empty(ctx context.Context, r Railway) (bool, error) {
	for _, op := range Operations {
		q := r.Queue(op)
		tasks, err := q.PeekAll(ctx)
		if err != nil {
			return false, err
		}
		if len(tasks) > 0 {
			return false, nil
		}
		processing, err := q.ProcessingTask(ctx)
		if err != nil {
			return false, err
		}
		if processing != nil {
			return false, nil
		}
	}
	return true, nil
}
