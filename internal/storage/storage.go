// Package storage persists a pipeline's view of its subject: the current
// status, the accumulated state map, and the durable log of every task that
// ran. Status and state live in the subject's pipeline storage blob; the task
// log lives either in the blob (document store) or next to it in Redis or a
// relational table.
package storage

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/petrijr/sagarail/pkg/api"
)

// Store is the persistence contract the engine drives tasks through.
//
// Commit is the only write path for status and state: the destination status
// and the state delta are applied if and only if the committed task has
// succeeded. Every commit, succeeded or not, records the task in the durable
// log and saves the subject, so an in-flight task survives a crash.
type Store interface {
	// Subject returns the entity this store wraps.
	Subject() api.Subject

	// Status returns the subject's current pipeline status, "" when unset.
	Status() string

	// State returns the subject's accumulated state map.
	State() map[string]any

	// Commit records the task in the durable log and, when the task has
	// succeeded, applies its destination status and state changes. A nil
	// change value overwrites the key, so compensations can null fields
	// out. Committing the same task twice is idempotent.
	Commit(ctx context.Context, t *api.Task) error

	// FindTask loads a task from the durable log by id. It returns
	// api.ErrTaskNotFound when no record exists.
	FindTask(ctx context.Context, id string) (*api.Task, error)

	// Reset restores the pristine pipeline storage, dropping status, state
	// and the task log, and saves the subject.
	Reset(ctx context.Context) error
}

const (
	keyStatus = "status"
	keyState  = "state"
	keyTasks  = "tasks"
)

func pristineBlob(withTasks bool) map[string]any {
	blob := map[string]any{
		keyStatus: nil,
		keyState:  map[string]any{},
	}
	if withTasks {
		blob[keyTasks] = map[string]any{}
	}
	return blob
}

// ensureBlob returns the subject's storage blob, initializing an empty one
// and validating the shape of a non-empty one. A blob written by an
// incompatible producer fails with api.StructuralError.
func ensureBlob(subject api.Subject, withTasks bool) (map[string]any, error) {
	blob := subject.PipelineStorage()
	if len(blob) == 0 {
		blob = pristineBlob(withTasks)
		subject.SetPipelineStorage(blob)
		return blob, nil
	}
	required := []string{keyStatus, keyState}
	if withTasks {
		required = append(required, keyTasks)
	}
	var missing []string
	for _, key := range required {
		if _, ok := blob[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &api.StructuralError{Missing: missing}
	}
	return blob, nil
}

func blobStatus(blob map[string]any) string {
	if s, ok := blob[keyStatus].(string); ok {
		return s
	}
	return ""
}

func blobState(blob map[string]any) map[string]any {
	if m, ok := blob[keyState].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// taskLog is the durable record of every task the pipeline ran, keyed by
// task id.
type taskLog interface {
	Put(ctx context.Context, t *api.Task) error
	Get(ctx context.Context, id string) (*api.Task, error)
	Clear(ctx context.Context) error
}

// store combines the subject blob with a task log backend.
type store struct {
	subject   api.Subject
	log       taskLog
	withTasks bool
}

var _ Store = (*store)(nil)

func newStore(subject api.Subject, log taskLog, withTasks bool) (*store, error) {
	if _, err := ensureBlob(subject, withTasks); err != nil {
		return nil, err
	}
	return &store{subject: subject, log: log, withTasks: withTasks}, nil
}

func (s *store) Subject() api.Subject { return s.subject }

func (s *store) Status() string {
	return blobStatus(s.subject.PipelineStorage())
}

func (s *store) State() map[string]any {
	return blobState(s.subject.PipelineStorage())
}

func (s *store) Commit(ctx context.Context, t *api.Task) error {
	blob, err := ensureBlob(s.subject, s.withTasks)
	if err != nil {
		return err
	}

	if t.Succeeded() {
		// The destination is applied even when empty: undoing the first
		// step of a pipeline restores the unset status.
		if t.Destination == "" {
			blob[keyStatus] = nil
		} else {
			blob[keyStatus] = t.Destination
		}
		state := blobState(blob)
		for k, v := range t.Changes {
			state[k] = v
		}
		blob[keyState] = state
	}

	if err := s.log.Put(ctx, t); err != nil {
		return err
	}
	if err := s.subject.Save(ctx); err != nil {
		return fmt.Errorf("storage: save subject %s: %w", s.subject.SubjectKey(), err)
	}
	return nil
}

func (s *store) FindTask(ctx context.Context, id string) (*api.Task, error) {
	return s.log.Get(ctx, id)
}

func (s *store) Reset(ctx context.Context) error {
	s.subject.SetPipelineStorage(pristineBlob(s.withTasks))
	if err := s.log.Clear(ctx); err != nil {
		return err
	}
	if err := s.subject.Save(ctx); err != nil {
		return fmt.Errorf("storage: save subject %s: %w", s.subject.SubjectKey(), err)
	}
	return nil
}

func encodeTaskRecord(t *api.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("storage: encode task %s: %w", t.ID, err)
	}
	return data, nil
}

func encodeRecordMap(record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("storage: encode task record: %w", err)
	}
	return data, nil
}

func decodeRecordMap(data []byte) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("storage: decode task record: %w", err)
	}
	return record, nil
}

func decodeTaskRecord(data []byte) (*api.Task, error) {
	var t api.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("storage: decode task: %w", err)
	}
	if t.Args == nil {
		t.Args = []any{}
	}
	return &t, nil
}
