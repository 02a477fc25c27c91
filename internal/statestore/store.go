// Package statestore is the client-side mirror of the shared record store.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
)

type MutateOp string

const (
	OpCreate MutateOp = "create"
	OpUpdate MutateOp = "update"
	OpDelete MutateOp = "delete"
)

// Snapshot is a detached copy of the cache.
type Snapshot struct {
	Generation      uint64
	ActiveContainer string
	Documents       map[string]records.Document
	Containers      map[string]records.Container
	Layouts         map[string]records.Layout
	Deadlines       map[string]records.Deadline
	Annotations     map[string]records.Annotation
	// Degraded lists non-critical collections that failed on the last fetch.
	Degraded []records.EntityType
}

type Options struct {
	Logger logging.Logger
	// SubscriberBuffer sizes each Subscribe channel. Defaults to 64.
	SubscriberBuffer int
}

// Store is the LocalStateStore: an in-memory mirror of every shared
// collection, fed by fetches and push events and guarded by a fetch
// generation counter.
type Store struct {
	remote storeclient.RemoteStore
	logger logging.Logger

	mu              sync.RWMutex
	generation      uint64
	activeContainer string
	documents       *cache[records.Document, *records.Document]
	containers      *cache[records.Container, *records.Container]
	layouts         *cache[records.Layout, *records.Layout]
	deadlines       *cache[records.Deadline, *records.Deadline]
	annotations     *cache[records.Annotation, *records.Annotation]
	caches          map[records.EntityType]entityCache
	degraded        []records.EntityType
	offlineAttempts int

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]chan Change
	subBuffer   int
	signals     chan Signal
}

// Critical collections fail the whole fetch; the rest degrade to empty.
var criticalEntities = map[records.EntityType]bool{
	records.EntityDocument:  true,
	records.EntityContainer: true,
}

func New(remote storeclient.RemoteStore, opts Options) *Store {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	s := &Store{
		remote: remote,
		logger: logging.OrNop(opts.Logger).With("component", "statestore"),
		documents: newCache[records.Document](
			func(d records.Document) string { return d.ContainerID },
			func(d records.Document) records.Document { return d.Clone() },
		),
		containers: newCache[records.Container](nil, nil),
		layouts:    newCache[records.Layout](func(l records.Layout) string { return l.ContainerID }, nil),
		deadlines:  newCache[records.Deadline](func(d records.Deadline) string { return d.ContainerID }, nil),
		annotations: newCache[records.Annotation](
			func(a records.Annotation) string { return a.ContainerID },
			cloneAnnotation,
		),
		subscribers: map[int]chan Change{},
		subBuffer:   opts.SubscriberBuffer,
		signals:     make(chan Signal, 32),
	}
	s.caches = map[records.EntityType]entityCache{
		records.EntityDocument:   s.documents,
		records.EntityContainer:  s.containers,
		records.EntityLayout:     s.layouts,
		records.EntityDeadline:   s.deadlines,
		records.EntityAnnotation: s.annotations,
	}
	return s
}

func cloneAnnotation(a records.Annotation) records.Annotation {
	out := a
	out.Errors = append([]string(nil), a.Errors...)
	out.Warnings = append([]string(nil), a.Warnings...)
	return out
}

// Signals delivers session, connectivity and warning signals. Sends never
// block; a full buffer drops the signal.
func (s *Store) Signals() <-chan Signal {
	return s.signals
}

// Subscribe returns a data-changed channel and its cancel function.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Change, s.subBuffer)
	s.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Store) signal(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		s.logger.Warn("signal dropped", "kind", sig.Kind)
	}
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Store) ActiveContainer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeContainer
}

// SetActiveContainer scopes the cache to one container and refetches. The
// generation bump makes any in-flight fetch for the old scope inert.
func (s *Store) SetActiveContainer(ctx context.Context, containerID string) error {
	s.mu.Lock()
	s.activeContainer = containerID
	s.generation++
	s.mu.Unlock()
	return s.Fetch(ctx, false)
}

type fetchResult struct {
	entity records.EntityType
	items  map[string]any
	err    error
}

// Fetch reloads every collection in parallel. The result is applied only
// if no newer fetch started meanwhile; a superseded fetch returns an error
// wrapping records.ErrStale and changes nothing, even when it failed.
func (s *Store) Fetch(ctx context.Context, background bool) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	container := s.activeContainer
	s.mu.Unlock()

	if background {
		ctx = storeclient.Background(ctx)
	}
	started := time.Now()

	entities := records.AllEntityTypes()
	results := make([]fetchResult, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		i, entity := i, entity
		g.Go(func() error {
			scope := container
			if entity == records.EntityContainer {
				scope = ""
			}
			res := fetchResult{entity: entity}
			raw, err := s.remote.List(gctx, entity, scope)
			if err == nil {
				res.items, err = s.caches[entity].decodeAll(raw)
			}
			res.err = err
			results[i] = res
			if err != nil && criticalEntities[entity] {
				return fmt.Errorf("fetch %s: %w", entity, err)
			}
			return nil
		})
	}
	fetchErr := g.Wait()

	s.mu.Lock()
	if s.generation != gen {
		current := s.generation
		s.mu.Unlock()
		metrics.RecordFetch("superseded", 0)
		s.logger.Debug("fetch result discarded", "generation", gen, "current", current)
		return fmt.Errorf("%w: fetch generation %d superseded by %d", records.ErrStale, gen, current)
	}
	if fetchErr != nil {
		attempts := s.noteFailureLocked(fetchErr)
		s.mu.Unlock()
		metrics.RecordFetch("failed", 0)
		s.surface(fetchErr, attempts)
		return fetchErr
	}

	var degraded []records.EntityType
	for _, res := range results {
		if res.err != nil {
			degraded = append(degraded, res.entity)
			s.caches[res.entity].replace(nil)
			continue
		}
		s.caches[res.entity].replace(res.items)
	}
	s.degraded = degraded
	wasOffline := s.offlineAttempts > 0
	s.offlineAttempts = 0
	s.mu.Unlock()

	metrics.RecordFetch("ok", time.Since(started).Seconds())
	for _, res := range results {
		if res.err != nil {
			s.logger.Warn("collection degraded", "entity", res.entity, "error", res.err)
			s.signal(Signal{Kind: SignalWarning, Message: fmt.Sprintf("%s unavailable", res.entity), Err: res.err})
		}
	}
	if wasOffline {
		s.signal(Signal{Kind: SignalOnline})
	}
	s.notify(Change{Refresh: true, Generation: gen})
	return nil
}

// noteFailureLocked counts consecutive network failures.
func (s *Store) noteFailureLocked(err error) int {
	if records.Classify(err) == records.ClassNetwork {
		s.offlineAttempts++
		return s.offlineAttempts
	}
	return 0
}

// surface turns a classified failure into a signal. Domain errors are left
// to the caller.
func (s *Store) surface(err error, attempts int) {
	switch records.Classify(err) {
	case records.ClassAuth:
		s.logger.Warn("session invalidated", "error", err)
		s.signal(Signal{Kind: SignalSessionInvalidated, Err: err})
	case records.ClassNetwork:
		s.logger.Warn("store offline", "attempt", attempts, "error", err)
		s.signal(Signal{Kind: SignalOffline, Attempt: attempts, Err: err})
	case records.ClassConflict, records.ClassValidation, records.ClassNotFound:
	default:
		s.logger.Error("store request failed", "error", err)
		s.signal(Signal{Kind: SignalWarning, Message: err.Error(), Err: err})
	}
}

// ApplyPushEvent folds one push event into the cache.
func (s *Store) ApplyPushEvent(evt records.ChangeEvent) (PushOutcome, error) {
	s.mu.Lock()
	c, ok := s.caches[evt.Entity]
	if !ok {
		s.mu.Unlock()
		metrics.RecordPushEvent(string(evt.Entity), string(OutcomeInvalid))
		return OutcomeInvalid, fmt.Errorf("%w: unknown entity %q", records.ErrInvalidInput, evt.Entity)
	}
	outcome, err := c.applyPush(evt, s.activeContainer)
	gen := s.generation
	s.mu.Unlock()

	metrics.RecordPushEvent(string(evt.Entity), string(outcome))
	if outcome == OutcomeApplied {
		s.notify(Change{Entity: evt.Entity, ID: evt.ID, Event: evt.Event, Generation: gen})
	} else if outcome == OutcomeInvalid {
		s.logger.Warn("invalid push event", "entity", evt.Entity, "id", evt.ID, "error", err)
	}
	return outcome, err
}

// Mutate writes through to the shared store and folds the server response
// into the cache. The response replaces the held value directly.
func (s *Store) Mutate(ctx context.Context, entity records.EntityType, op MutateOp, id string, data any, ifMatch string) (json.RawMessage, error) {
	c, ok := s.caches[entity]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity %q", records.ErrInvalidInput, entity)
	}
	var (
		resp json.RawMessage
		err  error
	)
	switch op {
	case OpCreate:
		resp, err = s.remote.Create(ctx, entity, data)
	case OpUpdate:
		resp, err = s.remote.Update(ctx, entity, id, data, ifMatch)
	case OpDelete:
		err = s.remote.Delete(ctx, entity, id)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", records.ErrInvalidInput, op)
	}
	if err != nil {
		s.mu.Lock()
		attempts := s.noteFailureLocked(err)
		s.mu.Unlock()
		s.surface(err, attempts)
		return nil, err
	}

	s.mu.Lock()
	event := records.EventUpdate
	switch op {
	case OpDelete:
		event = records.EventDelete
		c.remove(id)
	default:
		if op == OpCreate {
			event = records.EventCreate
		}
		folded, foldErr := c.fold(resp)
		if foldErr != nil {
			s.mu.Unlock()
			return resp, foldErr
		}
		id = folded
	}
	gen := s.generation
	s.mu.Unlock()

	s.notify(Change{Entity: entity, ID: id, Event: event, Generation: gen})
	return resp, nil
}

// UpdateDocument is Mutate for a document patch, decoded.
func (s *Store) UpdateDocument(ctx context.Context, id string, patch any, ifMatch string) (records.Document, error) {
	resp, err := s.Mutate(ctx, records.EntityDocument, OpUpdate, id, patch, ifMatch)
	if err != nil {
		return records.Document{}, err
	}
	var doc records.Document
	if err := json.Unmarshal(resp, &doc); err != nil {
		return records.Document{}, err
	}
	return doc, nil
}

// ApplyExternalUpdate folds a record another component already wrote to
// the shared store. v is one of the records types or a pointer to one. A
// held value with a later updatedAt is kept and no change is announced.
func (s *Store) ApplyExternalUpdate(v any) error {
	s.mu.Lock()
	var (
		entity  records.EntityType
		id      string
		ok      bool
		applied bool
	)
	for _, candidate := range records.AllEntityTypes() {
		if id, ok, applied = s.caches[candidate].foldValue(v); ok {
			entity = candidate
			break
		}
	}
	gen := s.generation
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unsupported record %T", records.ErrInvalidInput, v)
	}
	if !applied {
		return nil
	}
	s.notify(Change{Entity: entity, ID: id, Event: records.EventUpdate, Generation: gen})
	return nil
}

func (s *Store) Document(id string) (records.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documents.get(id)
}

// Documents returns every cached document sorted by id.
func (s *Store) Documents() []records.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documents.sorted(nil)
}

func (s *Store) DocumentsLockedBy(owner string) []records.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documents.sorted(func(d records.Document) bool { return d.LockedBy(owner) })
}

func (s *Store) Container(id string) (records.Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containers.get(id)
}

// Annotations returns the annotations attached to a document.
func (s *Store) Annotations(documentID string) []records.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.annotations.sorted(func(a records.Annotation) bool { return a.DocumentID == documentID })
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Generation:      s.generation,
		ActiveContainer: s.activeContainer,
		Documents:       s.documents.copyMap(),
		Containers:      s.containers.copyMap(),
		Layouts:         s.layouts.copyMap(),
		Deadlines:       s.deadlines.copyMap(),
		Annotations:     s.annotations.copyMap(),
		Degraded:        append([]records.EntityType(nil), s.degraded...),
	}
}

// Remote exposes the shared store client for components that mutate lock
// fields directly and fold the result back with ApplyExternalUpdate.
func (s *Store) Remote() storeclient.RemoteStore {
	return s.remote
}

// IsStale reports whether err is a superseded fetch or stale push.
func IsStale(err error) bool {
	return errors.Is(err, records.ErrStale)
}
