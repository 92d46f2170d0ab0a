package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/sagarail/pkg/api"
)

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS task_log (
	subject_key TEXT NOT NULL,
	uuid        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	PRIMARY KEY (subject_key, uuid)
);
`

const postgresLogSchema = `
CREATE TABLE IF NOT EXISTS task_log (
	subject_key TEXT  NOT NULL,
	uuid        TEXT  NOT NULL,
	payload     BYTEA NOT NULL,
	PRIMARY KEY (subject_key, uuid)
);
`

// NewSQLiteStore wraps a subject whose task log lives in a SQLite table. The
// schema is created if missing.
func NewSQLiteStore(db *sql.DB, subject api.Subject) (Store, error) {
	if _, err := db.Exec(sqliteLogSchema); err != nil {
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	log := &sqlLog{
		db:         db,
		subjectKey: subject.SubjectKey(),
		upsert: `INSERT INTO task_log (subject_key, uuid, payload) VALUES (?, ?, ?)
			ON CONFLICT (subject_key, uuid) DO UPDATE SET payload = excluded.payload`,
		query: `SELECT payload FROM task_log WHERE subject_key = ? AND uuid = ?`,
		clear: `DELETE FROM task_log WHERE subject_key = ?`,
	}
	return newStore(subject, log, false)
}

// NewPostgresStore wraps a subject whose task log lives in a PostgreSQL
// table. The schema is created if missing.
func NewPostgresStore(db *sql.DB, subject api.Subject) (Store, error) {
	if _, err := db.Exec(postgresLogSchema); err != nil {
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	log := &sqlLog{
		db:         db,
		subjectKey: subject.SubjectKey(),
		upsert: `INSERT INTO task_log (subject_key, uuid, payload) VALUES ($1, $2, $3)
			ON CONFLICT (subject_key, uuid) DO UPDATE SET payload = excluded.payload`,
		query: `SELECT payload FROM task_log WHERE subject_key = $1 AND uuid = $2`,
		clear: `DELETE FROM task_log WHERE subject_key = $1`,
	}
	return newStore(subject, log, false)
}

type sqlLog struct {
	db         *sql.DB
	subjectKey string
	upsert     string
	query      string
	clear      string
}

var _ taskLog = (*sqlLog)(nil)

func (l *sqlLog) Put(ctx context.Context, t *api.Task) error {
	data, err := encodeTaskRecord(t)
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, l.upsert, l.subjectKey, t.ID, data); err != nil {
		return fmt.Errorf("storage: write task %s: %w", t.ID, err)
	}
	return nil
}

func (l *sqlLog) Get(ctx context.Context, id string) (*api.Task, error) {
	var payload []byte
	err := l.db.QueryRowContext(ctx, l.query, l.subjectKey, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read task %s: %w", id, err)
	}
	return decodeTaskRecord(payload)
}

func (l *sqlLog) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, l.clear, l.subjectKey); err != nil {
		return fmt.Errorf("storage: clear task log: %w", err)
	}
	return nil
}
