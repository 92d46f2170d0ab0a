package railway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/sagarail/pkg/api"
)

// Dialect selects placeholder syntax for the shared SQL railway. Queries are
// written with ? placeholders and rebound to $n for PostgreSQL.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLRailways hands out railways backed by a relational database. Queues are
// rows in a position-ordered table: Push appends past the maximum position,
// PushFront inserts before the minimum, and Pop removes the lowest position
// in a transaction that also records the processing marker.
type SQLRailways struct {
	db      *sql.DB
	dialect Dialect
}

func newSQLRailways(db *sql.DB, dialect Dialect, schema string) (*SQLRailways, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("railway: init schema: %w", err)
	}
	return &SQLRailways{db: db, dialect: dialect}, nil
}

// Railway returns the railway for a subject, bound to the given transaction
// id.
func (s *SQLRailways) Railway(subjectKey, transactionID string) Railway {
	return &sqlRailway{db: s.db, dialect: s.dialect, subjectKey: subjectKey, txid: transactionID}
}

type sqlRailway struct {
	db         *sql.DB
	dialect    Dialect
	subjectKey string
	txid       string
}

var _ Railway = (*sqlRailway)(nil)

func (r *sqlRailway) ID() string { return r.txid }

func (r *sqlRailway) Queue(op Operation) Queue {
	return &sqlQueue{
		db:         r.db,
		dialect:    r.dialect,
		subjectKey: r.subjectKey,
		op:         op,
		txid:       r.txid,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readMarkers(ctx context.Context, db execer, dialect Dialect, subjectKey string) (Operation, string, error) {
	var op, tx string
	err := db.QueryRowContext(ctx, dialect.rebind(`
		SELECT active_operation, active_transaction
		FROM railway_markers
		WHERE subject_key = ?`), subjectKey).Scan(&op, &tx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("railway: read markers: %w", err)
	}
	return Operation(op), tx, nil
}

func (r *sqlRailway) Active(ctx context.Context) (Operation, error) {
	op, _, err := readMarkers(ctx, r.db, r.dialect, r.subjectKey)
	return op, err
}

func (r *sqlRailway) SwitchTo(ctx context.Context, op Operation) error {
	current, _, err := readMarkers(ctx, r.db, r.dialect, r.subjectKey)
	if err != nil {
		return err
	}
	if !CanSwitch(current, op) {
		return switchError(current, op)
	}
	_, err = r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO railway_markers (subject_key, active_operation, active_transaction)
		VALUES (?, ?, '')
		ON CONFLICT (subject_key) DO UPDATE SET active_operation = excluded.active_operation`),
		r.subjectKey, string(op))
	if err != nil {
		return fmt.Errorf("railway: switch operation: %w", err)
	}
	return nil
}

func (r *sqlRailway) RunningTransaction(ctx context.Context) (string, error) {
	_, tx, err := readMarkers(ctx, r.db, r.dialect, r.subjectKey)
	return tx, err
}

func (r *sqlRailway) Next(ctx context.Context) (*api.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("railway: begin: %w", err)
	}
	defer tx.Rollback()

	// Claim the subject if no transaction owns it. The insert seeds the
	// marker row; the update wins it only when the owner slot is empty.
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO railway_markers (subject_key, active_operation, active_transaction)
		VALUES (?, '', '')
		ON CONFLICT (subject_key) DO NOTHING`), r.subjectKey); err != nil {
		return nil, fmt.Errorf("railway: seed markers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
		UPDATE railway_markers SET active_transaction = ?
		WHERE subject_key = ? AND active_transaction = ''`), r.txid, r.subjectKey); err != nil {
		return nil, fmt.Errorf("railway: claim transaction: %w", err)
	}

	activeOp, activeTx, err := readMarkers(ctx, tx, r.dialect, r.subjectKey)
	if err != nil {
		return nil, err
	}
	if activeTx != r.txid {
		return nil, tx.Commit()
	}
	if activeOp == "" {
		activeOp = OpCall
		if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
			UPDATE railway_markers SET active_operation = ?
			WHERE subject_key = ?`), string(OpCall), r.subjectKey); err != nil {
			return nil, fmt.Errorf("railway: activate call rail: %w", err)
		}
	}

	task, err := popTask(ctx, tx, r.dialect, r.subjectKey, activeOp, r.txid)
	if err != nil {
		return nil, err
	}
	if task == nil {
		if err := clearSubject(ctx, tx, r.dialect, r.subjectKey); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}
	return task, tx.Commit()
}

func (r *sqlRailway) Clear(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("railway: begin: %w", err)
	}
	defer tx.Rollback()
	if err := clearSubject(ctx, tx, r.dialect, r.subjectKey); err != nil {
		return err
	}
	return tx.Commit()
}

func clearSubject(ctx context.Context, db execer, dialect Dialect, subjectKey string) error {
	for _, stmt := range []string{
		`DELETE FROM railway_tasks WHERE subject_key = ?`,
		`DELETE FROM railway_processing WHERE subject_key = ?`,
		`DELETE FROM railway_markers WHERE subject_key = ?`,
	} {
		if _, err := db.ExecContext(ctx, dialect.rebind(stmt), subjectKey); err != nil {
			return fmt.Errorf("railway: clear subject: %w", err)
		}
	}
	return nil
}

// popTask removes the lowest-position task of a queue and records it as the
// processing task. An empty queue drops a stale marker instead and returns
// nil.
func popTask(ctx context.Context, db execer, dialect Dialect, subjectKey string, op Operation, txid string) (*api.Task, error) {
	var payload []byte
	err := db.QueryRowContext(ctx, dialect.rebind(`
		DELETE FROM railway_tasks
		WHERE subject_key = ? AND operation = ? AND txid = ? AND position = (
			SELECT position FROM railway_tasks
			WHERE subject_key = ? AND operation = ? AND txid = ?
			ORDER BY position LIMIT 1
		)
		RETURNING payload`),
		subjectKey, string(op), txid, subjectKey, string(op), txid).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.ExecContext(ctx, dialect.rebind(`
			DELETE FROM railway_processing
			WHERE subject_key = ? AND operation = ? AND txid = ?`),
			subjectKey, string(op), txid); err != nil {
			return nil, fmt.Errorf("railway: drop processing marker: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("railway: pop task: %w", err)
	}

	if _, err := db.ExecContext(ctx, dialect.rebind(`
		INSERT INTO railway_processing (subject_key, operation, txid, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_key, operation, txid) DO UPDATE SET payload = excluded.payload`),
		subjectKey, string(op), txid, payload); err != nil {
		return nil, fmt.Errorf("railway: mark processing: %w", err)
	}
	return DecodeTask(payload)
}

type sqlQueue struct {
	db         *sql.DB
	dialect    Dialect
	subjectKey string
	op         Operation
	txid       string
}

var _ Queue = (*sqlQueue)(nil)

// push computes the next position and inserts in one statement. A concurrent
// push into the same scope can still compute the same position; the loser's
// insert hits the primary key, affects no rows, and is recomputed.
func (q *sqlQueue) push(ctx context.Context, t *api.Task, front bool) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	position := `COALESCE(MAX(position), 0) + 1`
	if front {
		position = `COALESCE(MIN(position), 0) - 1`
	}
	query := q.dialect.rebind(`
		INSERT INTO railway_tasks (subject_key, operation, txid, position, payload)
		SELECT ?, ?, ?, `+position+`, ?
		FROM railway_tasks
		WHERE subject_key = ? AND operation = ? AND txid = ?
		ON CONFLICT (subject_key, operation, txid, position) DO NOTHING`)
	for attempt := 0; attempt < 8; attempt++ {
		res, err := q.db.ExecContext(ctx, query,
			q.subjectKey, string(q.op), q.txid, data,
			q.subjectKey, string(q.op), q.txid)
		if err != nil {
			return fmt.Errorf("railway: push task: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("railway: push task: %w", err)
		}
		if inserted == 1 {
			return nil
		}
	}
	return fmt.Errorf("railway: push task: position contention for %s/%s/%s", q.subjectKey, q.op, q.txid)
}

func (q *sqlQueue) Push(ctx context.Context, t *api.Task) error {
	return q.push(ctx, t, false)
}

func (q *sqlQueue) PushFront(ctx context.Context, t *api.Task) error {
	return q.push(ctx, t, true)
}

func (q *sqlQueue) Pop(ctx context.Context) (*api.Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("railway: begin: %w", err)
	}
	defer tx.Rollback()
	task, err := popTask(ctx, tx, q.dialect, q.subjectKey, q.op, q.txid)
	if err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

func (q *sqlQueue) PeekAll(ctx context.Context) ([]*api.Task, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(`
		SELECT payload FROM railway_tasks
		WHERE subject_key = ? AND operation = ? AND txid = ?
		ORDER BY position`),
		q.subjectKey, string(q.op), q.txid)
	if err != nil {
		return nil, fmt.Errorf("railway: peek tasks: %w", err)
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("railway: peek tasks: %w", err)
		}
		t, err := DecodeTask(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("railway: peek tasks: %w", err)
	}
	return out, nil
}

func (q *sqlQueue) ProcessingTask(ctx context.Context) (*api.Task, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT payload FROM railway_processing
		WHERE subject_key = ? AND operation = ? AND txid = ?`),
		q.subjectKey, string(q.op), q.txid).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("railway: read processing task: %w", err)
	}
	return DecodeTask(payload)
}

func (q *sqlQueue) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM railway_tasks WHERE subject_key = ? AND operation = ? AND txid = ?`,
		`DELETE FROM railway_processing WHERE subject_key = ? AND operation = ? AND txid = ?`,
	} {
		if _, err := q.db.ExecContext(ctx, q.dialect.rebind(stmt),
			q.subjectKey, string(q.op), q.txid); err != nil {
			return fmt.Errorf("railway: clear queue: %w", err)
		}
	}
	return nil
}
