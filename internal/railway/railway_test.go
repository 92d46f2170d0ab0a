package railway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"

	"github.com/petrijr/sagarail/pkg/api"
)

// railwayFactory builds a railway bound to a subject and transaction. The
// same factory must return railways sharing backend state, so ownership
// contention can be exercised.
type railwayFactory func(subjectKey, transactionID string) Railway

var subjectSeq atomic.Int64

// uniqueSubject avoids key collisions against shared external backends.
func uniqueSubject() string {
	return fmt.Sprintf("TestSubject:%d:%d", os.Getpid(), subjectSeq.Add(1))
}

func newMemoryFactory(t *testing.T) railwayFactory {
	t.Helper()
	hub := NewHub()
	return hub.Railway
}

func newSQLiteFactory(t *testing.T) railwayFactory {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// A pooled :memory: DSN would open independent databases.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	rw, err := NewSQLiteRailways(db)
	if err != nil {
		t.Fatalf("NewSQLiteRailways failed: %v", err)
	}
	return rw.Railway
}

func newPostgresFactory(t *testing.T) railwayFactory {
	t.Helper()

	dsn := os.Getenv("SAGARAIL_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAGARAIL_POSTGRES_DSN not set; skipping postgres railway tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	rw, err := NewPostgresRailways(db)
	if err != nil {
		t.Fatalf("NewPostgresRailways failed: %v", err)
	}
	return rw.Railway
}

func newRedisFactory(t *testing.T) railwayFactory {
	t.Helper()

	addr := os.Getenv("SAGARAIL_REDIS_ADDR")
	if addr == "" {
		t.Skip("SAGARAIL_REDIS_ADDR not set; skipping redis railway tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return NewRedisRailways(client).Railway
}

// backends defers factory construction to the subtest: the env-gated
// postgres and redis setups call t.Skip, which must hit the subtest's t, not
// the parent's.
func backends() map[string]func(t *testing.T) railwayFactory {
	return map[string]func(t *testing.T) railwayFactory{
		"memory":   newMemoryFactory,
		"sqlite":   newSQLiteFactory,
		"postgres": newPostgresFactory,
		"redis":    newRedisFactory,
	}
}

func runBackends(t *testing.T, test func(t *testing.T, factory railwayFactory)) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			test(t, build(t))
		})
	}
}

// The memory and sqlite backends need no external service, so they must run
// even when the postgres and redis subtests skip on missing env vars.
func TestRunBackendsExecutesLocalBackends(t *testing.T) {
	var ran atomic.Int64
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		if factory == nil {
			t.Fatal("expected a usable factory")
		}
		ran.Add(1)
	})
	if got := ran.Load(); got < 2 {
		t.Fatalf("expected at least the memory and sqlite backends to run, got %d", got)
	}
}

func mustPush(t *testing.T, q Queue, task *api.Task) {
	t.Helper()
	if err := q.Push(context.Background(), task); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")
		q := rw.Queue(OpCall)

		for _, name := range []string{"first", "second", "third"} {
			mustPush(t, q, api.NewTask(name, "tx-1"))
		}

		for _, want := range []string{"first", "second", "third"} {
			got, err := q.Pop(ctx)
			if err != nil {
				t.Fatalf("Pop failed: %v", err)
			}
			if got == nil || got.Transition != want {
				t.Fatalf("expected %q, got %+v", want, got)
			}
		}

		empty, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop on empty queue failed: %v", err)
		}
		if empty != nil {
			t.Fatalf("expected nil from empty queue, got %+v", empty)
		}
	})
}

func TestQueuePushFrontReversesOrder(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")
		q := rw.Queue(OpUndo)

		// PushFront builds a LIFO stack: compensations must run in reverse
		// order of their forward steps.
		for _, name := range []string{"step1", "step2", "step3"} {
			if err := q.PushFront(ctx, api.NewTask(name, "tx-1")); err != nil {
				t.Fatalf("PushFront failed: %v", err)
			}
		}

		for _, want := range []string{"step3", "step2", "step1"} {
			got, err := q.Pop(ctx)
			if err != nil {
				t.Fatalf("Pop failed: %v", err)
			}
			if got == nil || got.Transition != want {
				t.Fatalf("expected %q, got %+v", want, got)
			}
		}
	})
}

func TestQueueConcurrentPushKeepsEveryTask(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")
		q := rw.Queue(OpCall)

		const writers = 8
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- q.Push(ctx, api.NewTask(fmt.Sprintf("push%d", i), "tx-1"))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Push failed: %v", err)
			}
		}

		tasks, err := q.PeekAll(ctx)
		if err != nil {
			t.Fatalf("PeekAll failed: %v", err)
		}
		if len(tasks) != writers {
			t.Fatalf("expected %d queued tasks, got %d", writers, len(tasks))
		}
		seen := make(map[string]bool, writers)
		for _, task := range tasks {
			seen[task.Transition] = true
		}
		if len(seen) != writers {
			t.Fatalf("expected %d distinct tasks, got %d", writers, len(seen))
		}
	})
}

func TestQueuePopMarksProcessing(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")
		q := rw.Queue(OpCall)

		mustPush(t, q, api.NewTask("only", "tx-1"))

		popped, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		processing, err := q.ProcessingTask(ctx)
		if err != nil {
			t.Fatalf("ProcessingTask failed: %v", err)
		}
		if processing == nil || processing.ID != popped.ID {
			t.Fatalf("expected processing marker %q, got %+v", popped.ID, processing)
		}

		// Popping the now-empty queue clears the stale marker.
		if _, err := q.Pop(ctx); err != nil {
			t.Fatalf("Pop on empty queue failed: %v", err)
		}
		processing, err = q.ProcessingTask(ctx)
		if err != nil {
			t.Fatalf("ProcessingTask failed: %v", err)
		}
		if processing != nil {
			t.Fatalf("expected cleared processing marker, got %+v", processing)
		}
	})
}

func TestQueuePeekAllIsNonDestructive(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")
		q := rw.Queue(OpFinalize)

		mustPush(t, q, api.NewTask("a", "tx-1"))
		mustPush(t, q, api.NewTask("b", "tx-1"))

		for i := 0; i < 2; i++ {
			tasks, err := q.PeekAll(ctx)
			if err != nil {
				t.Fatalf("PeekAll failed: %v", err)
			}
			if len(tasks) != 2 || tasks[0].Transition != "a" || tasks[1].Transition != "b" {
				t.Fatalf("unexpected peek result: %+v", tasks)
			}
		}
	})
}

func TestNextClaimsTransactionAndActivatesCall(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")

		mustPush(t, rw.Queue(OpCall), api.NewTask("go", "tx-1"))

		task, err := rw.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if task == nil || task.Transition != "go" {
			t.Fatalf("expected queued task, got %+v", task)
		}

		active, err := rw.Active(ctx)
		if err != nil {
			t.Fatalf("Active failed: %v", err)
		}
		if active != OpCall {
			t.Fatalf("expected active operation %q, got %q", OpCall, active)
		}

		owner, err := rw.RunningTransaction(ctx)
		if err != nil {
			t.Fatalf("RunningTransaction failed: %v", err)
		}
		if owner != "tx-1" {
			t.Fatalf("expected owner tx-1, got %q", owner)
		}
	})
}

func TestNextSkipsWhenOtherTransactionOwnsSubject(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		subject := uniqueSubject()
		first := factory(subject, "tx-1")
		second := factory(subject, "tx-2")

		mustPush(t, first.Queue(OpCall), api.NewTask("one", "tx-1"))
		mustPush(t, first.Queue(OpCall), api.NewTask("two", "tx-1"))
		mustPush(t, second.Queue(OpCall), api.NewTask("intruder", "tx-2"))

		if task, err := first.Next(ctx); err != nil || task == nil {
			t.Fatalf("expected first transaction to claim, got %+v, %v", task, err)
		}

		task, err := second.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if task != nil {
			t.Fatalf("expected nil for non-owning transaction, got %+v", task)
		}

		// The owner keeps draining, and the intruder's queue is untouched.
		if task, err := first.Next(ctx); err != nil || task == nil || task.Transition != "two" {
			t.Fatalf("expected owner to keep its queue, got %+v, %v", task, err)
		}
		remaining, err := second.Queue(OpCall).PeekAll(ctx)
		if err != nil {
			t.Fatalf("PeekAll failed: %v", err)
		}
		if len(remaining) != 1 {
			t.Fatalf("expected intruder queue intact, got %+v", remaining)
		}
	})
}

func TestNextFinishesTransactionWhenDrained(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")

		mustPush(t, rw.Queue(OpCall), api.NewTask("only", "tx-1"))

		if task, err := rw.Next(ctx); err != nil || task == nil {
			t.Fatalf("expected task, got %+v, %v", task, err)
		}
		if task, err := rw.Next(ctx); err != nil || task != nil {
			t.Fatalf("expected drain, got %+v, %v", task, err)
		}

		owner, err := rw.RunningTransaction(ctx)
		if err != nil {
			t.Fatalf("RunningTransaction failed: %v", err)
		}
		if owner != "" {
			t.Fatalf("expected released transaction, owner is %q", owner)
		}
		active, err := rw.Active(ctx)
		if err != nil {
			t.Fatalf("Active failed: %v", err)
		}
		if active != "" {
			t.Fatalf("expected cleared active operation, got %q", active)
		}
		empty, err := Empty(ctx, rw)
		if err != nil {
			t.Fatalf("Empty failed: %v", err)
		}
		if !empty {
			t.Fatalf("expected all queues cleared after finish")
		}
	})
}

func TestSwitchToValidation(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")

		if err := rw.SwitchTo(ctx, OpUndo); !errors.Is(err, ErrInvalidSwitch) {
			t.Fatalf("expected ErrInvalidSwitch for fresh railway to undo, got %v", err)
		}
		if err := rw.SwitchTo(ctx, OpCall); err != nil {
			t.Fatalf("SwitchTo call failed: %v", err)
		}
		if err := rw.SwitchTo(ctx, OpCall); err != nil {
			t.Fatalf("SwitchTo same operation failed: %v", err)
		}
		if err := rw.SwitchTo(ctx, OpFinalize); err != nil {
			t.Fatalf("SwitchTo finalize failed: %v", err)
		}
		if err := rw.SwitchTo(ctx, OpFinalizeUndo); !errors.Is(err, ErrInvalidSwitch) {
			t.Fatalf("expected ErrInvalidSwitch for finalize to finalize_undo, got %v", err)
		}

		if err := rw.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
	})
}

func TestRailwayClearDropsEverything(t *testing.T) {
	runBackends(t, func(t *testing.T, factory railwayFactory) {
		ctx := context.Background()
		rw := factory(uniqueSubject(), "tx-1")

		mustPush(t, rw.Queue(OpCall), api.NewTask("a", "tx-1"))
		mustPush(t, rw.Queue(OpUndo), api.NewTask("b", "tx-1"))
		if task, err := rw.Next(ctx); err != nil || task == nil {
			t.Fatalf("expected task, got %+v, %v", task, err)
		}

		if err := rw.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}

		empty, err := Empty(ctx, rw)
		if err != nil {
			t.Fatalf("Empty failed: %v", err)
		}
		if !empty {
			t.Fatalf("expected empty railway after Clear")
		}
		owner, err := rw.RunningTransaction(ctx)
		if err != nil {
			t.Fatalf("RunningTransaction failed: %v", err)
		}
		if owner != "" {
			t.Fatalf("expected no owner after Clear, got %q", owner)
		}
	})
}

func TestCanSwitchTable(t *testing.T) {
	cases := []struct {
		from, to Operation
		want     bool
	}{
		{"", OpCall, true},
		{"", OpUndo, false},
		{OpCall, OpUndo, true},
		{OpCall, OpFinalize, true},
		{OpCall, OpFinalizeUndo, false},
		{OpUndo, OpFinalizeUndo, true},
		{OpUndo, OpCall, false},
		{OpFinalizeUndo, OpUndo, true},
		{OpFinalize, OpCall, true},
		{OpFinalize, OpUndo, true},
		{OpFinalize, OpFinalizeUndo, false},
		{OpUndo, OpUndo, true},
	}
	for _, tc := range cases {
		if got := CanSwitch(tc.from, tc.to); got != tc.want {
			t.Errorf("CanSwitch(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
