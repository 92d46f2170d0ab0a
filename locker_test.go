package sagarail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexLockerSerializesSameKey(t *testing.T) {
	locker := NewMutexLocker()
	ctx := context.Background()

	var inside, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "Mail:1", func() error {
				mu.Lock()
				inside++
				if inside > peak {
					peak = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, peak)
}

func TestMutexLockerDifferentKeysDoNotBlock(t *testing.T) {
	locker := NewMutexLocker()
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = locker.WithLock(ctx, "Mail:1", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan struct{})
	go func() {
		_ = locker.WithLock(ctx, "Mail:2", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestMutexLockerHonorsContext(t *testing.T) {
	locker := NewMutexLocker()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = locker.WithLock(context.Background(), "Mail:1", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := locker.WithLock(ctx, "Mail:1", func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
