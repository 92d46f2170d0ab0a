package api

import (
	"context"
	"time"
)

// Job operations a scheduler may be asked to run against a pipeline.
const (
	JobCall    = "call"
	JobRetry   = "retry"
	JobCleanup = "cleanup"
)

// JobSpec describes a deferred pipeline invocation. It carries everything a
// worker needs to rebuild the pipeline: which pipeline type, how to find the
// subject, which transaction the job belongs to, and what to do.
type JobSpec struct {
	TransactionID string `json:"transaction_id"`
	Pipeline      string `json:"enqueued_pipeline"`
	SubjectKey    string `json:"subject_key"`
	Operation     string `json:"operation"`
}

// JobScheduler is the boundary to the background job runtime. The engine
// schedules retries and cleanups through it but has no visibility into how
// or when the jobs execute.
type JobScheduler interface {
	ScheduleNow(ctx context.Context, spec JobSpec) error
	ScheduleAfter(ctx context.Context, delay time.Duration, spec JobSpec) error
}

// NoopScheduler discards all jobs. It is the default when no scheduler is
// configured; retries must then be driven manually via Pipeline.Retry.
type NoopScheduler struct{}

func (NoopScheduler) ScheduleNow(ctx context.Context, spec JobSpec) error { return nil }
func (NoopScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, spec JobSpec) error {
	return nil
}

// Runner is the slice of a pipeline a job worker drives. Each method matches
// one JobSpec operation.
type Runner interface {
	Call(ctx context.Context) error
	Retry(ctx context.Context) error
	Clean(ctx context.Context) error
}

// Locker provides subject-level mutual exclusion. A process-local
// implementation is sufficient for single-process deployments; across
// processes the railway's transaction-ownership check is the authoritative
// guard.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}
