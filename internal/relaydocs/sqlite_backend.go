package relaydocs

import (
	_ "github.com/mattn/go-sqlite3"
)

// Path ":memory:" keeps the database in process; the single connection
// keeps it from splitting across the pool.
var sqliteDialect = sqlDialect{
	driver: "sqlite3",
	create: `CREATE TABLE IF NOT EXISTS %[1]s (
		state_key TEXT PRIMARY KEY,
		revision INTEGER NOT NULL,
		snapshot TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	load: `SELECT snapshot FROM %[1]s WHERE state_key = ?`,
	save: `INSERT INTO %[1]s (state_key, revision, snapshot, saved_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key) DO UPDATE
		SET revision = excluded.revision, snapshot = excluded.snapshot, saved_at = CURRENT_TIMESTAMP
		WHERE revision <= excluded.revision`,
	singleConn: true,
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	return newSQLStateBackend(sqliteDialect, path)
}
