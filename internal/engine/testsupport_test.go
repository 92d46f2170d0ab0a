package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/petrijr/sagarail/internal/railway"
	"github.com/petrijr/sagarail/internal/storage"
	"github.com/petrijr/sagarail/pkg/api"
)

// mail is the test subject: an in-memory record with copy-on-write rollback,
// standing in for a row with a JSON pipeline-storage column.
type mail struct {
	ID    int
	Title string
	Body  string

	blob  map[string]any
	saves int
}

var _ api.Subject = (*mail)(nil)

func (m *mail) SubjectKey() string                     { return fmt.Sprintf("Mail:%d", m.ID) }
func (m *mail) PipelineStorage() map[string]any        { return m.blob }
func (m *mail) SetPipelineStorage(blob map[string]any) { m.blob = blob }

func (m *mail) Save(ctx context.Context) error {
	m.saves++
	return nil
}

func (m *mail) Transact(ctx context.Context, fn func() error) error {
	snapshot, err := json.Marshal(m.blob)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		var restored map[string]any
		if uerr := json.Unmarshal(snapshot, &restored); uerr != nil {
			return uerr
		}
		m.blob = restored
		if errors.Is(err, api.ErrRollback) {
			return nil
		}
		return err
	}
	return nil
}

// Fixed timestamps keep state assertions exact.
const (
	receivedStamp = "2026-08-31T10:00:00Z"
	readStamp     = "2026-08-31T10:05:00Z"
	deletedStamp  = "2026-08-31T10:10:00Z"
)

// Body sizes above these thresholds make the corresponding step fail, which
// is how the rollback scenarios force a compensation mid-chain.
const (
	openBodyLimit    = 500
	receiveBodyLimit = 2000
)

type receiveAction struct{}

func (receiveAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	m := p.Subject().(*mail)
	if len(m.Body) > receiveBodyLimit {
		return api.Failure("mailbox refuses oversized body")
	}
	return api.Success(map[string]any{"received_at": receivedStamp})
}

func (receiveAction) Undo(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Success(map[string]any{"received_at": nil})
}

type openAction struct{}

func (openAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	m := p.Subject().(*mail)
	if len(m.Body) > openBodyLimit {
		return api.Failure("body too large to render")
	}
	return api.Success(map[string]any{"read_at": readStamp})
}

func (openAction) Undo(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Success(map[string]any{"read_at": nil})
}

type unreadAction struct{}

func (unreadAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Success(map[string]any{"read_at": nil})
}

type deleteAction struct{}

func (deleteAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Success(map[string]any{"deleted_at": deletedStamp})
}

// flakyAction panics until it has been attempted failUntil times, then
// succeeds. It exercises the exception retry budget.
type flakyAction struct {
	failUntil int
	calls     int
}

func (a *flakyAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	a.calls++
	if a.calls < a.failUntil {
		panic("transient downstream outage")
	}
	return api.Success(map[string]any{"delivered_at": receivedStamp})
}

// archiveAction exercises the finalize rail: the follow-up runs only after
// the forward pass committed.
type archiveAction struct {
	log *[]string
}

func (a archiveAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	*a.log = append(*a.log, "call")
	return api.Success(map[string]any{"archived_at": deletedStamp})
}

func (a archiveAction) Finalize(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	*a.log = append(*a.log, "finalize")
	return api.Success(map[string]any{"notified": true})
}

// provisionAction exercises the undo / finalize_undo ping-pong.
type provisionAction struct {
	log *[]string
}

func (a provisionAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	*a.log = append(*a.log, "call")
	return api.Success(map[string]any{"provisioned": true})
}

func (a provisionAction) Undo(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	*a.log = append(*a.log, "undo")
	return api.Success(map[string]any{"provisioned": nil})
}

func (a provisionAction) FinalizeUndo(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	*a.log = append(*a.log, "finalize_undo")
	return api.Success(nil)
}

// failingAction always rejects, driving the run onto the undo rail.
type failingAction struct{}

func (failingAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Failure("downstream rejected the request")
}

type abortAction struct{}

func (abortAction) Call(ctx context.Context, p api.Pipeline, t *api.Task) api.Result {
	return api.Abort()
}

func mailDefinition(t *testing.T) *api.Definition {
	t.Helper()
	def, err := api.NewDefinition("MailPipeline", map[string]api.TransitionSpec{
		"receive": {Action: receiveAction{}, From: []string{""}, To: "new"},
		"open":    {Action: openAction{}, From: []string{"new"}, To: "read"},
		"unread":  {Action: unreadAction{}, From: []string{"read"}, To: "new"},
		"delete":  {Action: deleteAction{}, From: []string{"read", "new"}, To: "deleted"},
	})
	if err != nil {
		t.Fatalf("NewDefinition failed: %v", err)
	}
	return def
}

// recordingScheduler captures scheduled jobs instead of running them.
type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

type scheduledJob struct {
	spec  api.JobSpec
	delay time.Duration
}

func (s *recordingScheduler) ScheduleNow(ctx context.Context, spec api.JobSpec) error {
	return s.ScheduleAfter(ctx, 0, spec)
}

func (s *recordingScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, spec api.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{spec: spec, delay: delay})
	return nil
}

func (s *recordingScheduler) byOperation(operation string) []scheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduledJob
	for _, job := range s.jobs {
		if job.spec.Operation == operation {
			out = append(out, job)
		}
	}
	return out
}

// passLocker runs fn directly; engine tests are single-goroutine.
type passLocker struct{}

func (passLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	return fn()
}

type testEnv struct {
	mail      *mail
	hub       *railway.Hub
	store     storage.Store
	scheduler *recordingScheduler
	metrics   *api.BasicMetrics
}

func newMailPipeline(t *testing.T, def *api.Definition, m *mail) (*Pipeline, *testEnv) {
	t.Helper()

	env := &testEnv{
		mail:      m,
		hub:       railway.NewHub(),
		scheduler: &recordingScheduler{},
		metrics:   &api.BasicMetrics{},
	}
	store, err := storage.NewMemoryStore(m)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	env.store = store

	p, err := New(Options{
		Name:         def.Name(),
		Definition:   def,
		Store:        store,
		Railway:      env.hub.Railway(m.SubjectKey(), uuid.NewString()),
		Scheduler:    env.scheduler,
		Locker:       passLocker{},
		Observer:     env.metrics,
		RetryDelay:   5 * time.Minute,
		CleanupDelay: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, env
}

// resume builds a second pipeline over the same backends and transaction,
// the way a worker process picks a job back up.
func resume(t *testing.T, def *api.Definition, env *testEnv, transactionID string) *Pipeline {
	t.Helper()
	p, err := New(Options{
		Name:         def.Name(),
		Definition:   def,
		Store:        env.store,
		Railway:      env.hub.Railway(env.mail.SubjectKey(), transactionID),
		Scheduler:    env.scheduler,
		Locker:       passLocker{},
		Observer:     env.metrics,
		RetryDelay:   5 * time.Minute,
		CleanupDelay: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func chainAll(t *testing.T, p *Pipeline, transitions ...string) {
	t.Helper()
	for _, name := range transitions {
		if err := p.Chain(context.Background(), name); err != nil {
			t.Fatalf("Chain(%s) failed: %v", name, err)
		}
	}
}

func oversized(times int) string {
	return strings.Repeat("No, God, please, Noooo ", times)
}
