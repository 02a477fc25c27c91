package relaydocs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	ContainerID string
	LockedBy    string
}

// collection is the type-erased view of one table, used by the HTTP layer.
type collection interface {
	list(filter ListFilter) []any
	get(id string) (any, bool)
	create(body []byte, id string, stamp time.Time) (any, error)
	update(id string, body []byte, ifMatch string, stamp time.Time) (any, any, error)
	remove(id string) (any, bool)
	// put stores a value replicated from another store instance as is.
	put(payload []byte) (string, time.Time, error)
	len() int
}

// table stores one typed collection keyed by id.
type table[T any, PT interface {
	*T
	records.Entity
}] struct {
	entity records.EntityType
	items  map[string]T
	// containerOf returns the owning container id for filtering.
	containerOf func(T) string
	// prepare runs on every created or updated value before it is stored;
	// existing is nil on create.
	prepare func(existing *T, next *T) error
}

func newTable[T any, PT interface {
	*T
	records.Entity
}](entity records.EntityType, containerOf func(T) string) *table[T, PT] {
	return &table[T, PT]{
		entity:      entity,
		items:       map[string]T{},
		containerOf: containerOf,
	}
}

func (t *table[T, PT]) list(filter ListFilter) []any {
	ids := make([]string, 0, len(t.items))
	for id, item := range t.items {
		if filter.ContainerID != "" && t.containerOf != nil && t.containerOf(item) != filter.ContainerID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.items[id])
	}
	return out
}

func (t *table[T, PT]) get(id string) (any, bool) {
	item, ok := t.items[id]
	if !ok {
		return nil, false
	}
	return item, true
}

func (t *table[T, PT]) create(body []byte, id string, stamp time.Time) (any, error) {
	var next T
	if err := json.Unmarshal(body, &next); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", records.ErrInvalidInput, t.entity, err)
	}
	ptr := PT(&next)
	if given := strings.TrimSpace(ptr.GetID()); given != "" {
		id = given
	}
	if _, exists := t.items[id]; exists {
		return nil, &ConflictError{Entity: t.entity, ID: id}
	}
	ptr.SetID(id)
	ptr.SetUpdatedAt(stamp)
	if t.prepare != nil {
		if err := t.prepare(nil, &next); err != nil {
			return nil, err
		}
	}
	t.items[id] = next
	return next, nil
}

// update merges body onto the stored value. It returns the previous and
// the new value.
func (t *table[T, PT]) update(id string, body []byte, ifMatch string, stamp time.Time) (any, any, error) {
	existing, ok := t.items[id]
	if !ok {
		return nil, nil, records.ErrNotFound
	}
	current := PT(&existing).GetUpdatedAt()
	if ifMatch != "*" {
		expected, err := records.ParseRevision(ifMatch)
		if err != nil {
			return nil, nil, err
		}
		if !expected.Equal(current) {
			return nil, nil, &ConflictError{
				Entity:           t.entity,
				ID:               id,
				ExpectedRevision: records.RevisionString(expected),
				CurrentRevision:  records.RevisionString(current),
			}
		}
	}
	next, err := cloneValue(existing)
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(body, &next); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s patch: %v", records.ErrInvalidInput, t.entity, err)
	}
	ptr := PT(&next)
	ptr.SetID(id)
	ptr.SetUpdatedAt(stamp)
	if t.prepare != nil {
		if err := t.prepare(&existing, &next); err != nil {
			return nil, nil, err
		}
	}
	t.items[id] = next
	return existing, next, nil
}

func (t *table[T, PT]) remove(id string) (any, bool) {
	existing, ok := t.items[id]
	if !ok {
		return nil, false
	}
	delete(t.items, id)
	return existing, true
}

func (t *table[T, PT]) put(payload []byte) (string, time.Time, error) {
	var next T
	if err := json.Unmarshal(payload, &next); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode %s: %v", records.ErrInvalidInput, t.entity, err)
	}
	ptr := PT(&next)
	id := strings.TrimSpace(ptr.GetID())
	if id == "" {
		return "", time.Time{}, fmt.Errorf("%w: %s payload without id", records.ErrInvalidInput, t.entity)
	}
	if existing, ok := t.items[id]; ok && !ptr.GetUpdatedAt().After(PT(&existing).GetUpdatedAt()) {
		return id, ptr.GetUpdatedAt(), nil
	}
	t.items[id] = next
	return id, ptr.GetUpdatedAt(), nil
}

func (t *table[T, PT]) len() int {
	return len(t.items)
}

func (t *table[T, PT]) snapshot() map[string]T {
	out := make(map[string]T, len(t.items))
	for id, item := range t.items {
		out[id] = item
	}
	return out
}

func (t *table[T, PT]) restore(items map[string]T) {
	t.items = make(map[string]T, len(items))
	for id, item := range items {
		t.items[id] = item
	}
}

func cloneValue[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
