package relaydocs

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver: "postgres",
	create: `CREATE TABLE IF NOT EXISTS %[1]s (
		state_key TEXT PRIMARY KEY,
		revision BIGINT NOT NULL,
		snapshot TEXT NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	load: `SELECT snapshot FROM %[1]s WHERE state_key = $1`,
	save: `INSERT INTO %[1]s AS s (state_key, revision, snapshot, saved_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (state_key) DO UPDATE
		SET revision = EXCLUDED.revision, snapshot = EXCLUDED.snapshot, saved_at = NOW()
		WHERE s.revision <= EXCLUDED.revision`,
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	return newSQLStateBackend(postgresDialect, dsn)
}
