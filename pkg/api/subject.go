package api

import "context"

// Subject is the domain entity a pipeline drives. The core only requires a
// JSON-like storage blob it can read, mutate and write back, plus a
// transactional scope that undoes the action's subject mutations on error.
type Subject interface {
	// SubjectKey identifies the subject for queue scoping and locking,
	// e.g. "Mail:42". It must be stable across processes.
	SubjectKey() string

	// PipelineStorage returns the storage blob. A nil or empty map means
	// the subject has no pipeline record yet.
	PipelineStorage() map[string]any

	// SetPipelineStorage replaces the storage blob in memory.
	SetPipelineStorage(blob map[string]any)

	// Save flushes the subject (including the blob) to its backing store.
	Save(ctx context.Context) error

	// Transact runs fn in a rollback-capable scope: if fn returns an
	// error, any mutation it made to the subject is rolled back. The
	// error is returned as-is, except ErrRollback which is swallowed.
	Transact(ctx context.Context, fn func() error) error
}
