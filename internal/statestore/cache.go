package statestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// PushOutcome reports what applyPush did with one event.
type PushOutcome string

const (
	OutcomeApplied   PushOutcome = "applied"
	OutcomeDuplicate PushOutcome = "duplicate"
	OutcomeStale     PushOutcome = "stale"
	OutcomeIgnored   PushOutcome = "ignored"
	OutcomeInvalid   PushOutcome = "invalid"
)

// entityCache is the type-erased view of one cached collection.
type entityCache interface {
	decodeAll(raw []json.RawMessage) (map[string]any, error)
	replace(items map[string]any)
	applyPush(evt records.ChangeEvent, container string) (PushOutcome, error)
	fold(payload []byte) (string, error)
	foldValue(v any) (id string, matched, applied bool)
	remove(id string) bool
	len() int
}

// cache holds one collection keyed by id.
type cache[T any, PT interface {
	*T
	records.Entity
}] struct {
	items       map[string]T
	containerOf func(T) string
	clone       func(T) T
}

func newCache[T any, PT interface {
	*T
	records.Entity
}](containerOf func(T) string, clone func(T) T) *cache[T, PT] {
	return &cache[T, PT]{items: map[string]T{}, containerOf: containerOf, clone: clone}
}

func (c *cache[T, PT]) decode(payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", records.ErrInvalidInput, err)
	}
	if PT(&v).GetID() == "" {
		return v, fmt.Errorf("%w: record without id", records.ErrInvalidInput)
	}
	return v, nil
}

func (c *cache[T, PT]) decodeAll(raw []json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, item := range raw {
		v, err := c.decode(item)
		if err != nil {
			return nil, err
		}
		out[PT(&v).GetID()] = v
	}
	return out, nil
}

func (c *cache[T, PT]) replace(items map[string]any) {
	next := make(map[string]T, len(items))
	for id, v := range items {
		next[id] = v.(T)
	}
	c.items = next
}

func (c *cache[T, PT]) inScope(v T, container string) bool {
	if container == "" || c.containerOf == nil {
		return true
	}
	return c.containerOf(v) == container
}

// applyPush folds one push event. Updates apply only when strictly newer
// than the held value; an equal updatedAt is a duplicate delivery.
func (c *cache[T, PT]) applyPush(evt records.ChangeEvent, container string) (PushOutcome, error) {
	if evt.Event == records.EventDelete {
		if _, ok := c.items[evt.ID]; !ok {
			return OutcomeDuplicate, nil
		}
		delete(c.items, evt.ID)
		return OutcomeApplied, nil
	}

	incoming, err := c.decode(evt.Payload)
	if err != nil {
		return OutcomeInvalid, err
	}
	id := PT(&incoming).GetID()
	held, exists := c.items[id]

	if !c.inScope(incoming, container) {
		// Moved out of the active container.
		if exists && !PT(&incoming).GetUpdatedAt().Before(PT(&held).GetUpdatedAt()) {
			delete(c.items, id)
			return OutcomeApplied, nil
		}
		return OutcomeIgnored, nil
	}

	switch evt.Event {
	case records.EventCreate:
		if exists {
			return OutcomeDuplicate, nil
		}
	case records.EventUpdate:
		if exists {
			heldAt := PT(&held).GetUpdatedAt()
			incomingAt := PT(&incoming).GetUpdatedAt()
			if incomingAt.Equal(heldAt) {
				return OutcomeDuplicate, nil
			}
			if incomingAt.Before(heldAt) {
				return OutcomeStale, fmt.Errorf("%w: %s held %s, got %s", records.ErrStale, id,
					records.RevisionString(heldAt), records.RevisionString(incomingAt))
			}
		}
	default:
		return OutcomeInvalid, fmt.Errorf("%w: unknown event %q", records.ErrInvalidInput, evt.Event)
	}
	c.items[id] = incoming
	return OutcomeApplied, nil
}

// fold replaces the held value with an authoritative server response.
func (c *cache[T, PT]) fold(payload []byte) (string, error) {
	v, err := c.decode(payload)
	if err != nil {
		return "", err
	}
	id := PT(&v).GetID()
	c.items[id] = v
	return id, nil
}

// foldValue stores v unless the held value carries a later updatedAt.
// matched reports whether v belongs to this collection.
func (c *cache[T, PT]) foldValue(v any) (id string, matched, applied bool) {
	var value T
	switch typed := v.(type) {
	case T:
		value = typed
	case PT:
		if typed == nil {
			return "", false, false
		}
		value = *typed
	default:
		return "", false, false
	}
	id = PT(&value).GetID()
	if id == "" {
		return "", false, false
	}
	if held, ok := c.items[id]; ok && PT(&held).GetUpdatedAt().After(PT(&value).GetUpdatedAt()) {
		return id, true, false
	}
	c.items[id] = value
	return id, true, true
}

func (c *cache[T, PT]) remove(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

func (c *cache[T, PT]) len() int {
	return len(c.items)
}

func (c *cache[T, PT]) get(id string) (T, bool) {
	v, ok := c.items[id]
	if ok && c.clone != nil {
		v = c.clone(v)
	}
	return v, ok
}

func (c *cache[T, PT]) updatedAt(id string) (time.Time, bool) {
	v, ok := c.items[id]
	if !ok {
		return time.Time{}, false
	}
	return PT(&v).GetUpdatedAt(), true
}

// copyMap returns a detached copy of the collection.
func (c *cache[T, PT]) copyMap() map[string]T {
	out := make(map[string]T, len(c.items))
	for id, v := range c.items {
		if c.clone != nil {
			v = c.clone(v)
		}
		out[id] = v
	}
	return out
}

// sorted returns values ordered by id.
func (c *cache[T, PT]) sorted(keep func(T) bool) []T {
	ids := make([]string, 0, len(c.items))
	for id, v := range c.items {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v := c.items[id]
		if c.clone != nil {
			v = c.clone(v)
		}
		out = append(out, v)
	}
	return out
}
