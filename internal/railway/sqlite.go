package railway

import "database/sql"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS railway_tasks (
	subject_key TEXT    NOT NULL,
	operation   TEXT    NOT NULL,
	txid        TEXT    NOT NULL,
	position    INTEGER NOT NULL,
	payload     BLOB    NOT NULL,
	PRIMARY KEY (subject_key, operation, txid, position)
);
CREATE TABLE IF NOT EXISTS railway_processing (
	subject_key TEXT NOT NULL,
	operation   TEXT NOT NULL,
	txid        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	PRIMARY KEY (subject_key, operation, txid)
);
CREATE TABLE IF NOT EXISTS railway_markers (
	subject_key        TEXT PRIMARY KEY,
	active_operation   TEXT NOT NULL DEFAULT '',
	active_transaction TEXT NOT NULL DEFAULT ''
);
`

// NewSQLiteRailways initializes the railway tables in the given SQLite DB.
// The caller is expected to have opened db with a registered sqlite driver,
// e.g. modernc.org/sqlite.
func NewSQLiteRailways(db *sql.DB) (*SQLRailways, error) {
	return newSQLRailways(db, DialectSQLite, sqliteSchema)
}
