package sagarail

import (
	"context"
	"sync"

	"github.com/petrijr/sagarail/pkg/api"
)

// MutexLocker serializes drivers of the same subject key within a single
// process. Cross-process exclusion comes from the queue backend's ownership
// markers; this only prevents goroutines of one process from interleaving.
type MutexLocker struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

var _ api.Locker = (*MutexLocker)(nil)

// NewMutexLocker creates a locker with no held keys.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{gates: make(map[string]chan struct{})}
}

func (l *MutexLocker) gate(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	gate, ok := l.gates[key]
	if !ok {
		gate = make(chan struct{}, 1)
		l.gates[key] = gate
	}
	return gate
}

// WithLock runs fn while holding the key's lock, or returns ctx.Err() if the
// context ends first.
func (l *MutexLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	gate := l.gate(key)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-gate }()
	return fn()
}
