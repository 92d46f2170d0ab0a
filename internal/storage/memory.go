package storage

import (
	"context"
	"fmt"

	"github.com/petrijr/sagarail/pkg/api"
)

// NewMemoryStore wraps a subject whose pipeline storage blob carries the task
// log inline under the "tasks" key. It fits document-style subjects where the
// whole blob is saved as one JSON column or attribute.
func NewMemoryStore(subject api.Subject) (Store, error) {
	return newStore(subject, &embeddedLog{subject: subject}, true)
}

// embeddedLog keeps task records inside the subject blob itself, as plain
// JSON-compatible maps so the blob stays serializable by the subject's own
// persistence.
type embeddedLog struct {
	subject api.Subject
}

var _ taskLog = (*embeddedLog)(nil)

func (l *embeddedLog) tasks() map[string]any {
	blob := l.subject.PipelineStorage()
	if m, ok := blob[keyTasks].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	blob[keyTasks] = m
	return m
}

func (l *embeddedLog) Put(ctx context.Context, t *api.Task) error {
	data, err := encodeTaskRecord(t)
	if err != nil {
		return err
	}
	record, err := decodeRecordMap(data)
	if err != nil {
		return err
	}
	l.tasks()[t.ID] = record
	return nil
}

func (l *embeddedLog) Get(ctx context.Context, id string) (*api.Task, error) {
	record, ok := l.tasks()[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	data, err := encodeRecordMap(record)
	if err != nil {
		return nil, err
	}
	return decodeTaskRecord(data)
}

func (l *embeddedLog) Clear(ctx context.Context) error {
	l.subject.PipelineStorage()[keyTasks] = map[string]any{}
	return nil
}
