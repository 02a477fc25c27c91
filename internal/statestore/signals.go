package statestore

import "github.com/agentworkforce/relaydocs/internal/records"

type SignalKind string

const (
	// SignalSessionInvalidated means the credentials were rejected. It is
	// never retried.
	SignalSessionInvalidated SignalKind = "session_invalidated"
	// SignalOffline carries the consecutive failure count in Attempt.
	SignalOffline SignalKind = "offline"
	SignalOnline  SignalKind = "online"
	SignalWarning SignalKind = "warning"
)

type Signal struct {
	Kind    SignalKind
	Attempt int
	Message string
	Err     error
}

// Change is the data-changed notification sent after every apply. A full
// refresh carries Refresh=true and no entity.
type Change struct {
	Refresh    bool
	Entity     records.EntityType
	ID         string
	Event      records.EventKind
	Generation uint64
}
