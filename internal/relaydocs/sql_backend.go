package relaydocs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
)

const (
	defaultSnapshotTable = "relaydocs_state"
	defaultSnapshotKey   = "default"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements one database/sql driver needs. Each
// statement is a format string taking the quoted table name as %[1]s.
type sqlDialect struct {
	driver string
	create string
	load   string
	// save upserts (key, revision, snapshot) and leaves a row holding a
	// newer revision untouched.
	save string
	// singleConn pins the pool to one connection.
	singleConn bool
}

// SQLStateBackend keeps the whole snapshot in one row per key, tagged with
// the snapshot's last revision so an older writer cannot replace a newer
// snapshot.
type SQLStateBackend struct {
	dialect sqlDialect
	dsn     string
	table   string
	key     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStateBackend(dialect sqlDialect, dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty %s dsn", records.ErrInvalidInput, dialect.driver)
	}
	return &SQLStateBackend{
		dialect: dialect,
		dsn:     dsn,
		table:   defaultSnapshotTable,
		key:     defaultSnapshotKey,
		openDB:  sql.Open,
	}, nil
}

func (b *SQLStateBackend) statement(format string) string {
	return fmt.Sprintf(format, quoteIdentifier(b.table))
}

func (b *SQLStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.statement(b.dialect.load), b.key).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load %s snapshot: %w", b.dialect.driver, err)
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", b.dialect.driver, err)
	}
	return &snapshot, nil
}

func (b *SQLStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, b.statement(b.dialect.save), b.key, state.LastRevision.UnixNano(), string(payload)); err != nil {
		return fmt.Errorf("save %s snapshot: %w", b.dialect.driver, err)
	}
	return nil
}

func (b *SQLStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.singleConn {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.statement(b.dialect.create)); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s snapshot table: %w", b.dialect.driver, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}
