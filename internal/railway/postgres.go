package railway

import "database/sql"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS railway_tasks (
	subject_key TEXT   NOT NULL,
	operation   TEXT   NOT NULL,
	txid        TEXT   NOT NULL,
	position    BIGINT NOT NULL,
	payload     BYTEA  NOT NULL,
	PRIMARY KEY (subject_key, operation, txid, position)
);
CREATE TABLE IF NOT EXISTS railway_processing (
	subject_key TEXT  NOT NULL,
	operation   TEXT  NOT NULL,
	txid        TEXT  NOT NULL,
	payload     BYTEA NOT NULL,
	PRIMARY KEY (subject_key, operation, txid)
);
CREATE TABLE IF NOT EXISTS railway_markers (
	subject_key        TEXT PRIMARY KEY,
	active_operation   TEXT NOT NULL DEFAULT '',
	active_transaction TEXT NOT NULL DEFAULT ''
);
`

// NewPostgresRailways initializes the railway tables in the given PostgreSQL
// DB. The caller is expected to have opened db with a registered pgx driver,
// e.g. github.com/jackc/pgx/v5/stdlib.
func NewPostgresRailways(db *sql.DB) (*SQLRailways, error) {
	return newSQLRailways(db, DialectPostgres, postgresSchema)
}
