// Package engine drives tasks through a subject's railway: it pops the next
// task, runs its action under the per-task transaction protocol, and keeps
// switching the active operation until the railway drains or an unexpected
// failure surfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/sagarail/internal/railway"
	"github.com/petrijr/sagarail/internal/storage"
	"github.com/petrijr/sagarail/pkg/api"
)

// Options wires a pipeline's collaborators. All fields are required; the
// root package fills defaults before constructing the engine.
type Options struct {
	// Name identifies the pipeline type in scheduled job specs.
	Name string

	Definition *api.Definition
	Store      storage.Store
	Railway    railway.Railway
	Scheduler  api.JobScheduler
	Locker     api.Locker
	Observer   api.Observer

	// RetryDelay is how long to wait before a scheduled retry runs.
	RetryDelay time.Duration

	// CleanupDelay is how long a transaction may stay in flight before the
	// scheduled cleanup forces a compensating pass.
	CleanupDelay time.Duration
}

// Pipeline executes a definition's transitions against one subject. It is
// not safe for concurrent use; concurrent drivers of the same subject are
// serialized by the locker and, across processes, by the railway's
// transaction ownership.
type Pipeline struct {
	name       string
	definition *api.Definition
	store      storage.Store
	railway    railway.Railway
	scheduler  api.JobScheduler
	locker     api.Locker
	observer   api.Observer

	retryDelay   time.Duration
	cleanupDelay time.Duration

	status api.Status
}

var (
	_ api.Pipeline = (*Pipeline)(nil)
	_ api.Runner   = (*Pipeline)(nil)
)

// New builds a pipeline from fully populated options.
func New(opts Options) (*Pipeline, error) {
	if opts.Definition == nil {
		return nil, fmt.Errorf("engine: definition is required")
	}
	if opts.Store == nil || opts.Railway == nil {
		return nil, fmt.Errorf("engine: store and railway are required")
	}
	if opts.Scheduler == nil || opts.Locker == nil || opts.Observer == nil {
		return nil, fmt.Errorf("engine: scheduler, locker and observer are required")
	}
	name := opts.Name
	if name == "" {
		name = opts.Definition.Name()
	}
	return &Pipeline{
		name:         name,
		definition:   opts.Definition,
		store:        opts.Store,
		railway:      opts.Railway,
		scheduler:    opts.Scheduler,
		locker:       opts.Locker,
		observer:     opts.Observer,
		retryDelay:   opts.RetryDelay,
		cleanupDelay: opts.CleanupDelay,
		status:       api.OK(opts.Store.Subject()),
	}, nil
}

// Subject returns the entity this pipeline drives.
func (p *Pipeline) Subject() api.Subject { return p.store.Subject() }

// CurrentStatus returns the subject's persisted pipeline status.
func (p *Pipeline) CurrentStatus() string { return p.store.Status() }

// State returns the subject's persisted state map.
func (p *Pipeline) State() map[string]any { return p.store.State() }

// TransactionID returns the transaction id this pipeline instance runs
// under.
func (p *Pipeline) TransactionID() string { return p.railway.ID() }

// Status returns the outcome of the last drive. Expected business failures
// surface here, not as errors.
func (p *Pipeline) Status() api.Status { return p.status }

// WhenSuccess runs fn if the last drive succeeded.
func (p *Pipeline) WhenSuccess(fn func(data any, p *Pipeline)) *Pipeline {
	if p.status.Success {
		fn(p.status.Data, p)
	}
	return p
}

// WhenFailure runs fn if the last drive failed with the given tag.
func (p *Pipeline) WhenFailure(tag api.Tag, fn func(data any, p *Pipeline)) *Pipeline {
	if p.status.Failure() && p.status.Tag == tag {
		fn(p.status.Data, p)
	}
	return p
}

// Chain enqueues a transition onto the call queue. It does not execute
// anything; follow with Call.
func (p *Pipeline) Chain(ctx context.Context, transition string, args ...any) error {
	task := api.NewTask(transition, p.railway.ID(), args...)
	return p.railway.Queue(railway.OpCall).Push(ctx, task)
}

// ChainTryNext enqueues a transition that is skipped, rather than failing the
// run, when it is not eligible at dispatch time.
func (p *Pipeline) ChainTryNext(ctx context.Context, transition string, args ...any) error {
	task := api.NewTask(transition, p.railway.ID(), args...)
	task.TryNext = true
	return p.railway.Queue(railway.OpCall).Push(ctx, task)
}

// CouldExecute reports whether a transition may fire right now. The
// allowed-from gate applies only while the call operation is active; undo and
// finalize passes must always be able to run.
func (p *Pipeline) CouldExecute(ctx context.Context, transition string) (bool, error) {
	active, err := p.railway.Active(ctx)
	if err != nil {
		return false, err
	}
	if active != "" && active != railway.OpCall {
		return true, nil
	}
	return p.definition.CouldFire(transition, p.store.Status()), nil
}

// Call drains the railway under the subject lock, executing every task the
// active operation yields.
func (p *Pipeline) Call(ctx context.Context) error {
	return p.locker.WithLock(ctx, p.Subject().SubjectKey(), func() error {
		return p.drain(ctx)
	})
}

// Clean triggers the compensation path: if anything is queued or in flight,
// the active operation switches to undo and the railway drains. A fully
// drained railway is a no-op.
func (p *Pipeline) Clean(ctx context.Context) error {
	return p.locker.WithLock(ctx, p.Subject().SubjectKey(), func() error {
		empty, err := railway.Empty(ctx, p.railway)
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
		active, err := p.railway.Active(ctx)
		if err != nil {
			return err
		}
		if active == "" {
			// Queued but never driven: nothing ran, so nothing needs
			// compensating.
			return p.railway.Clear(ctx)
		}
		if active != railway.OpUndo {
			if err := p.switchTo(ctx, active, railway.OpUndo); err != nil {
				return err
			}
		}
		return p.drain(ctx)
	})
}

// Retry re-runs the task currently marked processing on the active queue,
// then resumes draining. Without a processing task it is a no-op.
func (p *Pipeline) Retry(ctx context.Context) error {
	return p.locker.WithLock(ctx, p.Subject().SubjectKey(), func() error {
		active, err := p.railway.Active(ctx)
		if err != nil {
			return err
		}
		if active == "" {
			return nil
		}
		queued, err := p.railway.Queue(active).ProcessingTask(ctx)
		if err != nil {
			return err
		}
		if queued == nil {
			return nil
		}
		task, err := p.loadTask(ctx, queued)
		if err != nil {
			return err
		}
		tx := &transaction{pipeline: p, task: task, op: active}
		if err := tx.retry(ctx); err != nil {
			return err
		}
		if err := p.afterTask(ctx); err != nil {
			return err
		}
		return p.drain(ctx)
	})
}

// Reset clears the railway: queues, processing markers and ownership. The
// subject's storage is untouched.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.railway.Clear(ctx)
}

// Clear resets both the railway and the subject's pipeline storage.
func (p *Pipeline) Clear(ctx context.Context) error {
	if err := p.store.Reset(ctx); err != nil {
		return err
	}
	return p.railway.Clear(ctx)
}

// drain loops railway.Next until the transaction finishes or an unexpected
// failure propagates. Business failures keep draining: the failed task has
// already switched the railway to the undo rail.
func (p *Pipeline) drain(ctx context.Context) error {
	for {
		queued, err := p.railway.Next(ctx)
		if err != nil {
			return err
		}
		if queued == nil {
			return nil
		}

		active, err := p.railway.Active(ctx)
		if err != nil {
			return err
		}
		if active == "" {
			active = railway.OpCall
		}

		task, err := p.loadTask(ctx, queued)
		if err != nil {
			return err
		}

		if active == railway.OpCall {
			eligible := p.definition.CouldFire(task.Transition, p.store.Status())
			if !eligible {
				if task.TryNext {
					continue
				}
				if err := p.railway.Clear(ctx); err != nil {
					return err
				}
				ierr := p.invalidTransition(task.Transition)
				p.status = api.Failed(api.TagError, ierr)
				return ierr
			}
		}

		tx := &transaction{pipeline: p, task: task, op: active}
		if err := tx.call(ctx); err != nil {
			return err
		}
		if err := p.afterTask(ctx); err != nil {
			return err
		}
	}
}

// afterTask moves a successfully drained call rail onto finalize. The
// finalize rail hands control back to call after every task, so this also
// drives the finalize queue one task at a time.
func (p *Pipeline) afterTask(ctx context.Context) error {
	if !p.status.Success {
		return nil
	}
	active, err := p.railway.Active(ctx)
	if err != nil {
		return err
	}
	if active != railway.OpCall {
		return nil
	}
	remaining, err := p.railway.Queue(railway.OpCall).PeekAll(ctx)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	return p.switchTo(ctx, active, railway.OpFinalize)
}

func (p *Pipeline) invalidTransition(transition string) error {
	if _, err := p.definition.Lookup(transition); err != nil {
		return err
	}
	return &api.InvalidTransitionError{Transition: transition, From: p.store.Status()}
}

// loadTask replaces a popped queue task with its durable record when one
// exists; the queue copy may be stale relative to the log.
func (p *Pipeline) loadTask(ctx context.Context, queued *api.Task) (*api.Task, error) {
	full, err := p.store.FindTask(ctx, queued.ID)
	if errors.Is(err, api.ErrTaskNotFound) {
		return queued, nil
	}
	if err != nil {
		return nil, err
	}
	return full, nil
}

func (p *Pipeline) switchTo(ctx context.Context, from, to railway.Operation) error {
	if from == to {
		return nil
	}
	if err := p.railway.SwitchTo(ctx, to); err != nil {
		return err
	}
	p.observer.OnOperationSwitch(ctx, p.Subject().SubjectKey(), string(from), string(to))
	return nil
}

func (p *Pipeline) schedule(ctx context.Context, operation string, delay time.Duration) error {
	spec := api.JobSpec{
		TransactionID: p.railway.ID(),
		Pipeline:      p.name,
		SubjectKey:    p.Subject().SubjectKey(),
		Operation:     operation,
	}
	var err error
	if delay <= 0 {
		err = p.scheduler.ScheduleNow(ctx, spec)
	} else {
		err = p.scheduler.ScheduleAfter(ctx, delay, spec)
	}
	if err != nil {
		return fmt.Errorf("engine: schedule %s job: %w", operation, err)
	}
	p.observer.OnJobScheduled(ctx, spec, delay)
	return nil
}

func (p *Pipeline) scheduleCleanup(ctx context.Context) error {
	return p.schedule(ctx, api.JobCleanup, p.cleanupDelay)
}

func (p *Pipeline) scheduleRetry(ctx context.Context) error {
	return p.schedule(ctx, api.JobRetry, p.retryDelay)
}
