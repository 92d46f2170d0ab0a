// Package worker provides an in-process job scheduler and a worker loop for
// driving pipelines in the background. The engine schedules retry and
// cleanup jobs through the api.JobScheduler contract; this package executes
// them against pipelines rebuilt by a caller-supplied resolver.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/sagarail/pkg/api"
)

// Resolver rebuilds the pipeline a job spec refers to. Implementations
// typically look the subject up by spec.SubjectKey and construct a pipeline
// bound to spec.TransactionID so the job resumes the original transaction.
type Resolver func(ctx context.Context, spec api.JobSpec) (api.Runner, error)

// Scheduler is an in-process api.JobScheduler holding jobs in memory until
// they are due. It is safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	jobs []job

	// now is swappable so tests can control job due times.
	now func() time.Time

	pollInterval time.Duration
}

type job struct {
	spec      api.JobSpec
	notBefore time.Time
}

var _ api.JobScheduler = (*Scheduler)(nil)

// NewScheduler creates an empty in-process scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		now:          time.Now,
		pollInterval: 20 * time.Millisecond,
	}
}

// ScheduleNow enqueues a job that is immediately due.
func (s *Scheduler) ScheduleNow(ctx context.Context, spec api.JobSpec) error {
	return s.ScheduleAfter(ctx, 0, spec)
}

// ScheduleAfter enqueues a job that becomes due after delay.
func (s *Scheduler) ScheduleAfter(ctx context.Context, delay time.Duration, spec api.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{spec: spec, notBefore: s.now().Add(delay)})
	return nil
}

// Len reports how many jobs are held, due or not.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// tryDequeue removes and returns the earliest due job, if any.
func (s *Scheduler) tryDequeue() (api.JobSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	best := -1
	for i, j := range s.jobs {
		if j.notBefore.After(now) {
			continue
		}
		if best == -1 || j.notBefore.Before(s.jobs[best].notBefore) {
			best = i
		}
	}
	if best == -1 {
		return api.JobSpec{}, false
	}
	spec := s.jobs[best].spec
	s.jobs = append(s.jobs[:best], s.jobs[best+1:]...)
	return spec, true
}

// Dequeue blocks, polling, until a job is due or ctx is cancelled.
func (s *Scheduler) Dequeue(ctx context.Context) (api.JobSpec, error) {
	for {
		if spec, ok := s.tryDequeue(); ok {
			return spec, nil
		}
		select {
		case <-ctx.Done():
			return api.JobSpec{}, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Worker executes jobs from a Scheduler against resolved pipelines.
type Worker struct {
	scheduler *Scheduler
	resolve   Resolver
	observer  api.Observer
}

// New creates a worker reading from scheduler and resolving pipelines
// through resolve. observer may be nil.
func New(scheduler *Scheduler, resolve Resolver, observer api.Observer) *Worker {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Worker{scheduler: scheduler, resolve: resolve, observer: observer}
}

// ProcessOne runs the earliest due job. It reports false when no job is due.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	spec, ok := w.scheduler.tryDequeue()
	if !ok {
		return false, nil
	}
	return true, w.dispatch(ctx, spec)
}

// Run processes jobs until ctx is cancelled. Job errors are reported through
// the observer and do not stop the loop; the engine has already recorded
// them on the task.
func (w *Worker) Run(ctx context.Context) error {
	for {
		spec, err := w.scheduler.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := w.dispatch(ctx, spec); err != nil {
			w.observer.OnTaskFinished(ctx, spec.SubjectKey, &api.Task{
				TransactionID: spec.TransactionID,
				Transition:    spec.Operation,
				Status:        api.TaskFailed,
			}, spec.Operation, err, 0)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, spec api.JobSpec) error {
	runner, err := w.resolve(ctx, spec)
	if err != nil {
		return fmt.Errorf("worker: resolve %s job for %s: %w", spec.Operation, spec.SubjectKey, err)
	}
	switch spec.Operation {
	case api.JobCall:
		return runner.Call(ctx)
	case api.JobRetry:
		return runner.Retry(ctx)
	case api.JobCleanup:
		return runner.Clean(ctx)
	default:
		return fmt.Errorf("worker: unknown job operation %q", spec.Operation)
	}
}
