package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a single transition attempt.
type TaskStatus string

const (
	TaskNew       TaskStatus = "new"
	TaskStarted   TaskStatus = "started"
	TaskRetry     TaskStatus = "retry"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
	TaskSucceeded TaskStatus = "succeeded"
)

// Error kinds recorded on a failed task. "error" and "aborted" are explicit
// action outcomes; "exception" is an unexpected failure and is the only kind
// eligible for retry.
const (
	ErrKindError     = "error"
	ErrKindAborted   = "aborted"
	ErrKindException = "exception"
)

// TaskError is the structured failure payload attached to a task.
type TaskError struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one runtime attempt to execute a named transition. Its lifecycle is
// independent of the subject's status: a task moves
// new → started → {succeeded | failed | aborted}, with started → retry →
// started on re-attempts.
type Task struct {
	ID            string     `json:"uuid"`
	TransactionID string     `json:"transaction_uuid"`
	Transition    string     `json:"transition"`
	Args          []any      `json:"args"`
	Source        string     `json:"source,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	Status        TaskStatus `json:"status"`

	// Changes is the state delta produced by the action, applied to the
	// subject state once the task reaches succeeded. Never before.
	Changes map[string]any `json:"changes,omitempty"`

	// Cache is per-task scratch space for actions; it is dropped on
	// completion and never outlives the task.
	Cache map[string]any `json:"cache,omitempty"`

	AttemptsCount int       `json:"attempts_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`

	// TryNext marks a task that may be skipped (instead of aborting the
	// whole run) when its transition is not eligible at dispatch time.
	TryNext bool `json:"try_next"`

	Error *TaskError `json:"error,omitempty"`
}

// NewTask creates a task for one transition attempt within the given logical
// transaction.
func NewTask(transition, transactionID string, args ...any) *Task {
	if args == nil {
		args = []any{}
	}
	return &Task{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Transition:    transition,
		Args:          args,
		Status:        TaskNew,
		Cache:         map[string]any{},
		AttemptsCount: 1,
		CreatedAt:     time.Now().UTC(),
	}
}

// Start marks the task as started.
func (t *Task) Start() {
	t.Status = TaskStarted
	t.UpdatedAt = time.Now().UTC()
}

// AttemptRetry records a new attempt: the counter is incremented and the task
// returns to started.
func (t *Task) AttemptRetry() {
	t.AttemptsCount++
	t.Status = TaskStarted
	t.UpdatedAt = time.Now().UTC()
}

// MarkRetry parks the task for a delayed re-attempt.
func (t *Task) MarkRetry() {
	t.Status = TaskRetry
	t.UpdatedAt = time.Now().UTC()
}

// AssignChanges stores the pending state delta.
func (t *Task) AssignChanges(changes map[string]any) {
	t.Changes = changes
}

// Complete marks the task succeeded and drops its scratch cache.
func (t *Task) Complete() {
	t.Status = TaskSucceeded
	t.Cache = nil
	t.UpdatedAt = time.Now().UTC()
}

// Fail is the explicit terminal failure with no recorded exception.
func (t *Task) Fail() {
	t.Status = TaskFailed
	if t.Error == nil {
		t.Error = &TaskError{Kind: ErrKindError, CreatedAt: time.Now().UTC()}
	}
	t.UpdatedAt = time.Now().UTC()
}

// Abort is the explicit terminal stop with no cause.
func (t *Task) Abort() {
	t.Status = TaskAborted
	if t.Error == nil {
		t.Error = &TaskError{Kind: ErrKindAborted, CreatedAt: time.Now().UTC()}
	}
	t.UpdatedAt = time.Now().UTC()
}

// LinkException records an unexpected error and marks the task failed.
func (t *Task) LinkException(err error) {
	t.Error = &TaskError{
		Kind:      ErrKindException,
		Message:   err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	t.Status = TaskFailed
	t.UpdatedAt = time.Now().UTC()
}

// Succeeded reports whether the task reached its terminal success state.
func (t *Task) Succeeded() bool { return t.Status == TaskSucceeded }

// Terminal reports whether the task is in a terminal state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskSucceeded, TaskFailed, TaskAborted:
		return true
	}
	return false
}

// Anti returns the compensating counterpart of the task: same transition and
// arguments, source and destination swapped. It is enqueued at the front of
// the undo queue before the forward action runs, so compensations drain in
// reverse order.
func (t *Task) Anti() *Task {
	anti := NewTask(t.Transition, t.TransactionID, t.Args...)
	anti.Source = t.Destination
	anti.Destination = t.Source
	return anti
}

// CacheFetch memoizes a value in the task's scratch cache. The compute
// function runs at most once per task per key, including across retries that
// reuse the durable task record.
func (t *Task) CacheFetch(key string, compute func() any) any {
	if t.Cache == nil {
		t.Cache = map[string]any{}
	}
	if v, ok := t.Cache[key]; ok {
		return v
	}
	v := compute()
	t.Cache[key] = v
	return v
}

func (t *Task) String() string {
	return fmt.Sprintf("task %s (%s, tx %s, attempt %d, %s)",
		t.ID, t.Transition, t.TransactionID, t.AttemptsCount, t.Status)
}
