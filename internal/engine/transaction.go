package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/sagarail/internal/railway"
	"github.com/petrijr/sagarail/pkg/api"
)

// transaction runs one task attempt with full commit, compensate and retry
// bookkeeping. The protocol:
//
//  1. mark the task started (or re-attempted),
//  2. schedule the safety-net cleanup job,
//  3. look up the transition, gating the allowed-from set and assigning the
//     destination for the call operation only,
//  4. commit the durable in-flight record,
//  5. chain compensations, then invoke the action inside the subject's
//     rollback scope,
//  6. interpret the result and commit the final record.
//
// Unexpected failures anywhere in 3-6 are linked to the task as exceptions:
// within the attempt budget the task is parked for a delayed retry, otherwise
// it stays failed. Either way the error propagates to the caller.
type transaction struct {
	pipeline *Pipeline
	task     *api.Task
	op       railway.Operation
}

func (tx *transaction) call(ctx context.Context) error {
	tx.task.Start()
	return tx.run(ctx)
}

func (tx *transaction) retry(ctx context.Context) error {
	tx.task.AttemptRetry()
	return tx.run(ctx)
}

func (tx *transaction) run(ctx context.Context) error {
	p := tx.pipeline
	t := tx.task

	if err := p.scheduleCleanup(ctx); err != nil {
		return tx.fault(ctx, 1, err)
	}

	spec, err := p.definition.Lookup(t.Transition)
	if err != nil {
		p.status = api.Failed(api.TagError, err)
		return err
	}

	if tx.op == railway.OpCall {
		status := p.store.Status()
		if !p.definition.CouldFire(t.Transition, status) {
			ierr := &api.InvalidTransitionError{Transition: t.Transition, From: status}
			p.status = api.Failed(api.TagError, ierr)
			return ierr
		}
		t.Source = status
		t.Destination = spec.To
	}

	if err := p.store.Commit(ctx, t); err != nil {
		return tx.fault(ctx, spec.Attempts, err)
	}

	subjectKey := p.Subject().SubjectKey()
	p.observer.OnTaskStart(ctx, subjectKey, t, string(tx.op))
	started := time.Now()

	if err := tx.chainCompensations(ctx, spec.Action); err != nil {
		return tx.fault(ctx, spec.Attempts, err)
	}

	var result api.Result
	invokeErr := p.Subject().Transact(ctx, func() error {
		res, err := tx.invoke(ctx, spec.Action)
		if err != nil {
			return err
		}
		result = res
		if !result.IsSuccess() {
			return api.ErrRollback
		}
		return nil
	})
	if invokeErr != nil {
		return tx.fault(ctx, spec.Attempts, invokeErr)
	}

	switch {
	case result.IsSuccess():
		t.AssignChanges(result.Changes())
		t.Complete()
		if err := tx.switchOnSuccess(ctx, spec.Action); err != nil {
			return tx.fault(ctx, spec.Attempts, err)
		}
		// Successful compensations keep the failure status that triggered
		// them; the caller should still observe the original outcome.
		if tx.op == railway.OpCall || tx.op == railway.OpFinalize {
			p.status = api.OK(p.Subject())
		}
	case result.IsAbort():
		t.Abort()
		if err := p.switchTo(ctx, tx.op, railway.OpUndo); err != nil {
			return tx.fault(ctx, spec.Attempts, err)
		}
		p.status = api.Failed(api.TagAborted, p.Subject())
	default:
		t.Fail()
		if err := p.switchTo(ctx, tx.op, railway.OpUndo); err != nil {
			return tx.fault(ctx, spec.Attempts, err)
		}
		p.status = api.Failed(api.TagError, result.Cause())
	}

	if err := p.store.Commit(ctx, t); err != nil {
		return tx.fault(ctx, spec.Attempts, err)
	}
	p.observer.OnTaskFinished(ctx, subjectKey, t, string(tx.op), nil, time.Since(started))
	return nil
}

// chainCompensations enqueues the task's counterparts before the action
// runs, so a failure mid-action still compensates the step itself. Forward
// steps push their anti-task to the front of the undo queue, keeping
// compensations in reverse order.
func (tx *transaction) chainCompensations(ctx context.Context, action api.Action) error {
	caps := api.CapabilitiesOf(action)
	rw := tx.pipeline.railway
	switch tx.op {
	case railway.OpCall:
		if caps.Undo {
			if err := rw.Queue(railway.OpUndo).PushFront(ctx, tx.task.Anti()); err != nil {
				return err
			}
		}
		if caps.Finalize {
			if err := rw.Queue(railway.OpFinalize).Push(ctx, tx.task); err != nil {
				return err
			}
		}
	case railway.OpUndo:
		if caps.FinalizeUndo {
			if err := rw.Queue(railway.OpFinalizeUndo).Push(ctx, tx.task); err != nil {
				return err
			}
		}
	}
	return nil
}

// invoke dispatches the action method matching the active operation. A
// missing optional capability completes as an empty success. Panics surface
// as errors so the caller treats them like any other exception.
func (tx *transaction) invoke(ctx context.Context, action api.Action) (result api.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: action %q panicked: %v", tx.task.Transition, r)
		}
	}()

	p := tx.pipeline
	switch tx.op {
	case railway.OpCall:
		return action.Call(ctx, p, tx.task), nil
	case railway.OpUndo:
		if undoer, ok := action.(api.Undoer); ok {
			return undoer.Undo(ctx, p, tx.task), nil
		}
	case railway.OpFinalize:
		if finalizer, ok := action.(api.Finalizer); ok {
			return finalizer.Finalize(ctx, p, tx.task), nil
		}
	case railway.OpFinalizeUndo:
		if fu, ok := action.(api.FinalizeUndoer); ok {
			return fu.FinalizeUndo(ctx, p, tx.task), nil
		}
	}
	return api.Success(nil), nil
}

// switchOnSuccess moves the railway along after a successful task. The
// undo and finalize_undo rails ping-pong so each compensation's follow-up
// runs right after it; finalize hands control back to call, whose drain
// check decides whether more finalize work follows.
func (tx *transaction) switchOnSuccess(ctx context.Context, action api.Action) error {
	p := tx.pipeline
	caps := api.CapabilitiesOf(action)
	switch tx.op {
	case railway.OpUndo:
		if caps.FinalizeUndo {
			return p.switchTo(ctx, tx.op, railway.OpFinalizeUndo)
		}
	case railway.OpFinalizeUndo:
		return p.switchTo(ctx, tx.op, railway.OpUndo)
	case railway.OpFinalize:
		return p.switchTo(ctx, tx.op, railway.OpCall)
	}
	return nil
}

// fault records an unexpected failure. Within the transition's attempt
// budget the task is parked for a delayed retry; otherwise it stays failed.
// The error always propagates so host supervision sees it.
func (tx *transaction) fault(ctx context.Context, attempts int, cause error) error {
	p := tx.pipeline
	t := tx.task

	t.LinkException(cause)
	if t.AttemptsCount < attempts {
		t.MarkRetry()
	}
	if err := p.store.Commit(ctx, t); err != nil {
		p.observer.OnTaskFinished(ctx, p.Subject().SubjectKey(), t, string(tx.op), cause, 0)
		p.status = api.Failed(api.TagException, cause)
		return fmt.Errorf("engine: commit failed task: %w", err)
	}
	if t.Status == api.TaskRetry {
		if err := p.scheduleRetry(ctx); err != nil {
			p.status = api.Failed(api.TagException, cause)
			return err
		}
	}
	p.observer.OnTaskFinished(ctx, p.Subject().SubjectKey(), t, string(tx.op), cause, 0)
	p.status = api.Failed(api.TagException, cause)
	return cause
}
