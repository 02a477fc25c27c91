package relaydocs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
)

const (
	defaultNotifyChannel = "relaydocs_events"
	// pg_notify rejects payloads of 8000 bytes or more.
	maxNotifyPayload = 7900
)

// PostgresNotifyBridge replicates change events between store replicas:
// local events go out through pg_notify and events from other replicas
// arrive on a pq.Listener and are applied with Store.ApplyReplicated.
type PostgresNotifyBridge struct {
	store   *Store
	dsn     string
	channel string
	logger  logging.Logger
	openDB  sqlOpenFunc

	minReconnect time.Duration
	maxReconnect time.Duration
}

func NewPostgresNotifyBridge(store *Store, dsn, channel string, log logging.Logger) (*PostgresNotifyBridge, error) {
	dsn = strings.TrimSpace(dsn)
	if store == nil || dsn == "" {
		return nil, records.ErrInvalidInput
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultNotifyChannel
	}
	return &PostgresNotifyBridge{
		store:        store,
		dsn:          dsn,
		channel:      channel,
		logger:       logging.OrNop(log).With("component", "pg_bridge", "channel", channel),
		openDB:       sql.Open,
		minReconnect: 500 * time.Millisecond,
		maxReconnect: 30 * time.Second,
	}, nil
}

// Run blocks until ctx is done.
func (b *PostgresNotifyBridge) Run(ctx context.Context) error {
	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	listener := pq.NewListener(b.dsn, b.minReconnect, b.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			b.logger.Warn("listener connection problem", "event", int(ev), "error", err)
		case pq.ListenerEventReconnected:
			b.logger.Info("listener reconnected")
		}
	})
	defer listener.Close()
	if err := listener.Listen(b.channel); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}

	sub := b.store.Subscribe()
	defer sub.Close()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	b.logger.Info("postgres notify bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if evt.Origin != b.store.Origin() {
				continue
			}
			if err := b.publish(ctx, db, evt); err != nil {
				b.logger.Warn("pg_notify failed", "entity", evt.Entity, "id", evt.ID, "error", err)
			}
		case n := <-listener.Notify:
			// nil after a reconnect; notifications sent meanwhile are lost.
			if n == nil {
				b.logger.Warn("listener reconnected, replicas may have diverged until the next write")
				continue
			}
			b.receive(n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					b.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (b *PostgresNotifyBridge) publish(ctx context.Context, db *sql.DB, evt records.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("event payload of %d bytes exceeds notify limit", len(payload))
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload))
	return err
}

func (b *PostgresNotifyBridge) receive(raw string) {
	var evt records.ChangeEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		b.logger.Warn("discarding malformed notification", "error", err)
		return
	}
	if err := b.store.ApplyReplicated(evt); err != nil {
		b.logger.Warn("failed to apply replicated event", "entity", evt.Entity, "id", evt.ID, "error", err)
	}
}
