package storeclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

// Local serves RemoteStore from an in-process shared store. It returns the
// same error values the HTTP client classifies to.
type Local struct {
	store *relaydocs.Store
}

func NewLocal(store *relaydocs.Store) *Local {
	return &Local{store: store}
}

func (l *Local) List(ctx context.Context, entity records.EntityType, containerID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := l.store.List(entity, relaydocs.ListFilter{ContainerID: strings.TrimSpace(containerID)})
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (l *Local) Create(ctx context.Context, entity records.EntityType, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	created, err := l.store.Create(entity, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(created)
}

func (l *Local) Update(ctx context.Context, entity records.EntityType, id string, patch any, ifMatch string) (json.RawMessage, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ifMatch) == "" {
		ifMatch = "*"
	}
	updated, err := l.store.Update(entity, id, payload, ifMatch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updated)
}

func (l *Local) Delete(ctx context.Context, entity records.EntityType, id string) error {
	_, err := l.store.Delete(entity, id)
	return err
}

func (l *Local) Lock(ctx context.Context, id, owner string, lockType records.LockType) (records.Document, error) {
	return l.store.LockDocument(id, relaydocs.LockRequest{Owner: owner, Type: lockType})
}

func (l *Local) Unlock(ctx context.Context, id string, req UnlockRequest) (records.Document, error) {
	return l.store.UnlockDocument(id, relaydocs.UnlockRequest{Owner: req.Owner, Type: req.Type, Force: req.Force})
}

func (l *Local) ListLockedBy(ctx context.Context, owner string) ([]records.Document, error) {
	return l.store.DocumentsLockedBy(owner), nil
}
