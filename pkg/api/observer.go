package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the pipeline engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task execution.
type Observer interface {
	// OnTaskStart is called before a task's action is invoked, after the
	// in-flight record was committed. operation is the railway operation
	// the action runs under.
	OnTaskStart(ctx context.Context, subjectKey string, t *Task, operation string)

	// OnTaskFinished is called after a task reached a terminal state (or
	// was parked for retry). err is non-nil only for exceptions.
	OnTaskFinished(ctx context.Context, subjectKey string, t *Task, operation string, err error, duration time.Duration)

	// OnOperationSwitch is called when the railway's active operation
	// changes, e.g. call → undo on failure.
	OnOperationSwitch(ctx context.Context, subjectKey string, from, to string)

	// OnJobScheduled is called when the engine hands a retry or cleanup
	// job to the scheduler.
	OnJobScheduled(ctx context.Context, spec JobSpec, delay time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskStart(ctx context.Context, subjectKey string, t *Task, operation string) {}
func (NoopObserver) OnTaskFinished(ctx context.Context, subjectKey string, t *Task, operation string, err error, d time.Duration) {
}
func (NoopObserver) OnOperationSwitch(ctx context.Context, subjectKey string, from, to string) {}
func (NoopObserver) OnJobScheduled(ctx context.Context, spec JobSpec, delay time.Duration)     {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, subjectKey string, t *Task, operation string) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, subjectKey, t, operation)
	}
}

func (c *CompositeObserver) OnTaskFinished(ctx context.Context, subjectKey string, t *Task, operation string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskFinished(ctx, subjectKey, t, operation, err, d)
	}
}

func (c *CompositeObserver) OnOperationSwitch(ctx context.Context, subjectKey string, from, to string) {
	for _, o := range c.observers {
		o.OnOperationSwitch(ctx, subjectKey, from, to)
	}
}

func (c *CompositeObserver) OnJobScheduled(ctx context.Context, spec JobSpec, delay time.Duration) {
	for _, o := range c.observers {
		o.OnJobScheduled(ctx, spec, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, subjectKey string, t *Task, operation string) {
	o.Logger.InfoContext(ctx, "task_start",
		slog.String("subject", subjectKey),
		slog.String("task_id", t.ID),
		slog.String("transition", t.Transition),
		slog.String("operation", operation),
		slog.Int("attempt", t.AttemptsCount),
	)
}

func (o *LoggingObserver) OnTaskFinished(ctx context.Context, subjectKey string, t *Task, operation string, err error, d time.Duration) {
	attrs := []any{
		slog.String("subject", subjectKey),
		slog.String("task_id", t.ID),
		slog.String("transition", t.Transition),
		slog.String("operation", operation),
		slog.String("status", string(t.Status)),
		slog.Duration("duration", d),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		o.Logger.ErrorContext(ctx, "task_finished", attrs...)
		return
	}
	o.Logger.InfoContext(ctx, "task_finished", attrs...)
}

func (o *LoggingObserver) OnOperationSwitch(ctx context.Context, subjectKey string, from, to string) {
	o.Logger.InfoContext(ctx, "operation_switch",
		slog.String("subject", subjectKey),
		slog.String("from", from),
		slog.String("to", to),
	)
}

func (o *LoggingObserver) OnJobScheduled(ctx context.Context, spec JobSpec, delay time.Duration) {
	o.Logger.InfoContext(ctx, "job_scheduled",
		slog.String("subject", spec.SubjectKey),
		slog.String("operation", spec.Operation),
		slog.String("transaction_id", spec.TransactionID),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics is an Observer that counts task outcomes with atomic
// counters. Snapshot it at any time with Snapshot.
type BasicMetrics struct {
	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	aborted   atomic.Int64
	retried   atomic.Int64
	switches  atomic.Int64
	scheduled atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of BasicMetrics counters.
type BasicMetricsSnapshot struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Aborted   int64
	Retried   int64
	Switches  int64
	Scheduled int64
}

func (m *BasicMetrics) OnTaskStart(ctx context.Context, subjectKey string, t *Task, operation string) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnTaskFinished(ctx context.Context, subjectKey string, t *Task, operation string, err error, d time.Duration) {
	switch t.Status {
	case TaskSucceeded:
		m.succeeded.Add(1)
	case TaskAborted:
		m.aborted.Add(1)
	case TaskRetry:
		m.retried.Add(1)
	default:
		m.failed.Add(1)
	}
}

func (m *BasicMetrics) OnOperationSwitch(ctx context.Context, subjectKey string, from, to string) {
	m.switches.Add(1)
}

func (m *BasicMetrics) OnJobScheduled(ctx context.Context, spec JobSpec, delay time.Duration) {
	m.scheduled.Add(1)
}

// Snapshot returns current counter values.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		Started:   m.started.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		Aborted:   m.aborted.Load(),
		Retried:   m.retried.Load(),
		Switches:  m.switches.Load(),
		Scheduled: m.scheduled.Load(),
	}
}
