package sagarail

import (
	"database/sql"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagarail/internal/engine"
	"github.com/petrijr/sagarail/internal/railway"
	"github.com/petrijr/sagarail/internal/storage"
	"github.com/petrijr/sagarail/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task                 = api.Task
	PipelineView         = api.Pipeline
	TaskStatus           = api.TaskStatus
	TaskError            = api.TaskError
	Result               = api.Result
	Status               = api.Status
	Tag                  = api.Tag
	Action               = api.Action
	Undoer               = api.Undoer
	Finalizer            = api.Finalizer
	FinalizeUndoer       = api.FinalizeUndoer
	Capabilities         = api.Capabilities
	Definition           = api.Definition
	TransitionSpec       = api.TransitionSpec
	Subject              = api.Subject
	JobScheduler         = api.JobScheduler
	JobSpec              = api.JobSpec
	Runner               = api.Runner
	Locker               = api.Locker
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopScheduler        = api.NoopScheduler

	InvalidTransitionError = api.InvalidTransitionError
	StructuralError        = api.StructuralError

	// Pipeline drives one subject through a definition's transitions.
	Pipeline = engine.Pipeline
)

// Re-export constructors and result helpers.

var (
	NewTask              = api.NewTask
	NewDefinition        = api.NewDefinition
	CapabilitiesOf       = api.CapabilitiesOf
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Success = api.Success
	Failure = api.Failure
	Abort   = api.Abort

	ErrTaskNotFound = api.ErrTaskNotFound
	ErrRollback     = api.ErrRollback
)

// Re-export task statuses and outcome tags for convenience.

const (
	TaskNew       = api.TaskNew
	TaskStarted   = api.TaskStarted
	TaskRetry     = api.TaskRetry
	TaskFailed    = api.TaskFailed
	TaskAborted   = api.TaskAborted
	TaskSucceeded = api.TaskSucceeded

	TagError     = api.TagError
	TagAborted   = api.TagAborted
	TagException = api.TagException

	JobCall    = api.JobCall
	JobRetry   = api.JobRetry
	JobCleanup = api.JobCleanup
)

// Default scheduling knobs, matching the usual "give transient failures time
// to clear" and "force compensation after a day in flight" policies.
const (
	DefaultRetryDelay   = 5 * time.Minute
	DefaultCleanupDelay = 24 * time.Hour
)

// Config tunes a pipeline instance. The zero value is usable: every field
// falls back to a default.
type Config struct {
	// TransactionID resumes an existing transaction. Leave empty to start
	// a fresh one.
	TransactionID string

	// Scheduler receives retry and cleanup jobs. Defaults to a scheduler
	// that discards them; retries must then be driven manually.
	Scheduler JobScheduler

	// Locker serializes drivers of the same subject within this process.
	Locker Locker

	Observer Observer

	RetryDelay   time.Duration
	CleanupDelay time.Duration
}

func (c Config) withDefaults() (Config, error) {
	defaults := Config{
		TransactionID: uuid.NewString(),
		Scheduler:     api.NoopScheduler{},
		Locker:        NewMutexLocker(),
		Observer:      api.NoopObserver{},
		RetryDelay:    DefaultRetryDelay,
		CleanupDelay:  DefaultCleanupDelay,
	}
	if err := mergo.Merge(&c, defaults); err != nil {
		return Config{}, err
	}
	return c, nil
}

func newPipeline(def *Definition, store storage.Store, rw railway.Railway, cfg Config) (*Pipeline, error) {
	return engine.New(engine.Options{
		Name:         def.Name(),
		Definition:   def,
		Store:        store,
		Railway:      rw,
		Scheduler:    cfg.Scheduler,
		Locker:       cfg.Locker,
		Observer:     cfg.Observer,
		RetryDelay:   cfg.RetryDelay,
		CleanupDelay: cfg.CleanupDelay,
	})
}

// Hub is the in-process queue backend. Pipelines sharing a Hub contend for
// subjects the way they would against a shared Redis or SQL server; use one
// Hub per process.
type Hub struct {
	railways *railway.Hub
}

// NewHub creates an empty in-process backend.
func NewHub() *Hub {
	return &Hub{railways: railway.NewHub()}
}

// NewMemoryPipeline builds a pipeline whose queues live in hub and whose
// task log lives inside the subject's storage blob.
func NewMemoryPipeline(def *Definition, subject Subject, hub *Hub, cfg Config) (*Pipeline, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewMemoryStore(subject)
	if err != nil {
		return nil, err
	}
	rw := hub.railways.Railway(subject.SubjectKey(), cfg.TransactionID)
	return newPipeline(def, store, rw, cfg)
}

// NewRedisPipeline builds a pipeline backed by Redis lists and hashes.
func NewRedisPipeline(client redis.UniversalClient, def *Definition, subject Subject, cfg Config) (*Pipeline, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewRedisStore(client, subject)
	if err != nil {
		return nil, err
	}
	rw := railway.NewRedisRailways(client).Railway(subject.SubjectKey(), cfg.TransactionID)
	return newPipeline(def, store, rw, cfg)
}

// NewSQLitePipeline builds a pipeline backed by SQLite tables, creating the
// schema if missing. Open db with a registered sqlite driver, e.g.
// modernc.org/sqlite.
func NewSQLitePipeline(db *sql.DB, def *Definition, subject Subject, cfg Config) (*Pipeline, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStore(db, subject)
	if err != nil {
		return nil, err
	}
	railways, err := railway.NewSQLiteRailways(db)
	if err != nil {
		return nil, err
	}
	return newPipeline(def, store, railways.Railway(subject.SubjectKey(), cfg.TransactionID), cfg)
}

// NewPostgresPipeline builds a pipeline backed by PostgreSQL tables,
// creating the schema if missing. Open db with a registered pgx driver, e.g.
// github.com/jackc/pgx/v5/stdlib.
func NewPostgresPipeline(db *sql.DB, def *Definition, subject Subject, cfg Config) (*Pipeline, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewPostgresStore(db, subject)
	if err != nil {
		return nil, err
	}
	railways, err := railway.NewPostgresRailways(db)
	if err != nil {
		return nil, err
	}
	return newPipeline(def, store, railways.Railway(subject.SubjectKey(), cfg.TransactionID), cfg)
}
