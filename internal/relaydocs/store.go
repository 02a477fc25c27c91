package relaydocs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
)

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrStoreClosed    = errors.New("store closed")
)

// ConflictError reports a failed create (id taken) or a failed If-Match
// precondition on update.
type ConflictError struct {
	Entity           records.EntityType
	ID               string
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	if e.ExpectedRevision == "" && e.CurrentRevision == "" {
		return fmt.Sprintf("%s %s already exists", e.Entity, e.ID)
	}
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == records.ErrRevisionConflict
}

type StoreOptions struct {
	StateBackend StateBackend
	Logger       logging.Logger
	// Now overrides the clock used for updatedAt stamps.
	Now       func() time.Time
	HubBuffer int
	// Origin identifies this replica on emitted events. Defaults to a uuid.
	Origin string
}

type LockRequest struct {
	Owner string           `json:"owner"`
	Type  records.LockType `json:"type"`
}

type UnlockRequest struct {
	Owner string `json:"owner"`
	// Type, when set, must match the held lock type unless Force is set.
	Type  records.LockType `json:"type,omitempty"`
	Force bool             `json:"force,omitempty"`
}

// Store is the shared record store. All mutations and event publication
// happen under mu so subscribers observe events in commit order.
type Store struct {
	mu sync.RWMutex

	documents   *table[records.Document, *records.Document]
	containers  *table[records.Container, *records.Container]
	layouts     *table[records.Layout, *records.Layout]
	deadlines   *table[records.Deadline, *records.Deadline]
	annotations *table[records.Annotation, *records.Annotation]
	collections map[records.EntityType]collection

	lastRevision time.Time
	now          func() time.Time
	origin       string
	hub          *Hub
	stateBackend StateBackend
	logger       logging.Logger

	closeOnce sync.Once
	closed    bool
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		origin = uuid.NewString()
	}
	log := logging.OrNop(opts.Logger).With("component", "store")
	s := &Store{
		documents: newTable[records.Document, *records.Document](records.EntityDocument, func(d records.Document) string {
			return d.ContainerID
		}),
		containers: newTable[records.Container, *records.Container](records.EntityContainer, nil),
		layouts: newTable[records.Layout, *records.Layout](records.EntityLayout, func(l records.Layout) string {
			return l.ContainerID
		}),
		deadlines: newTable[records.Deadline, *records.Deadline](records.EntityDeadline, func(d records.Deadline) string {
			return d.ContainerID
		}),
		annotations: newTable[records.Annotation, *records.Annotation](records.EntityAnnotation, func(a records.Annotation) string {
			return a.ContainerID
		}),
		now:          now,
		origin:       origin,
		hub:          NewHub(opts.HubBuffer, log),
		stateBackend: opts.StateBackend,
		logger:       log,
	}
	s.documents.prepare = prepareDocument
	s.collections = map[records.EntityType]collection{
		records.EntityDocument:   s.documents,
		records.EntityContainer:  s.containers,
		records.EntityLayout:     s.layouts,
		records.EntityDeadline:   s.deadlines,
		records.EntityAnnotation: s.annotations,
	}
	if err := s.load(); err != nil {
		s.logger.Error("failed to load persisted state", "error", err)
	}
	return s
}

// prepareDocument keeps lock fields out of generic writes: on create they
// must be consistent, on update they are carried over from the stored
// record. Locks only change through LockDocument and UnlockDocument.
func prepareDocument(existing *records.Document, next *records.Document) error {
	if existing != nil {
		next.LockOwnerID = existing.LockOwnerID
		next.LockType = existing.LockType
	}
	if err := next.CheckLockInvariant(); err != nil {
		return err
	}
	if strings.TrimSpace(next.FilePath) == "" {
		return fmt.Errorf("%w: document %s requires filePath", records.ErrInvalidInput, next.ID)
	}
	if len(next.PageRanges) > 0 {
		next.SetPageRanges(next.PageRanges)
	}
	return nil
}

func (s *Store) Origin() string {
	return s.origin
}

func (s *Store) Hub() *Hub {
	return s.hub
}

func (s *Store) Subscribe() *Subscription {
	return s.hub.Subscribe()
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.hub.Close()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) collection(entity records.EntityType) (collection, error) {
	c, ok := s.collections[entity]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", records.ErrInvalidInput, entity)
	}
	return c, nil
}

func (s *Store) List(entity records.EntityType, filter ListFilter) ([]any, error) {
	c, err := s.collection(entity)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(filter.LockedBy) != "" {
		if entity != records.EntityDocument {
			return nil, fmt.Errorf("%w: lockedBy filter applies to documents only", records.ErrInvalidInput)
		}
		docs := s.DocumentsLockedBy(filter.LockedBy)
		out := make([]any, 0, len(docs))
		for _, doc := range docs {
			if filter.ContainerID != "" && doc.ContainerID != filter.ContainerID {
				continue
			}
			out = append(out, doc)
		}
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.list(filter), nil
}

func (s *Store) Get(entity records.EntityType, id string) (any, error) {
	c, err := s.collection(entity)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := c.get(id)
	if !ok {
		return nil, records.ErrNotFound
	}
	return item, nil
}

func (s *Store) GetDocument(id string) (records.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents.items[id]
	if !ok {
		return records.Document{}, records.ErrNotFound
	}
	return doc.Clone(), nil
}

// Create stores a new record. A missing id is replaced by a fresh uuid.
func (s *Store) Create(entity records.EntityType, body []byte) (any, error) {
	c, err := s.collection(entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	created, err := c.create(body, uuid.NewString(), s.nextRevisionLocked())
	if err != nil {
		return nil, err
	}
	s.recordWriteLocked(records.EventCreate, entity, entityID(created), created)
	return created, nil
}

// Update merges patch onto the stored record. ifMatch must equal the stored
// updatedAt revision, or be "*".
func (s *Store) Update(entity records.EntityType, id string, patch []byte, ifMatch string) (any, error) {
	c, err := s.collection(entity)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ifMatch) == "" {
		return nil, fmt.Errorf("%w: missing If-Match precondition", records.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	_, next, err := c.update(id, patch, ifMatch, s.nextRevisionLocked())
	if err != nil {
		return nil, err
	}
	s.recordWriteLocked(records.EventUpdate, entity, id, next)
	return next, nil
}

func (s *Store) Delete(entity records.EntityType, id string) (any, error) {
	c, err := s.collection(entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	removed, ok := c.remove(id)
	if !ok {
		return nil, records.ErrNotFound
	}
	s.recordWriteLocked(records.EventDelete, entity, id, removed)
	return removed, nil
}

// LockDocument acquires or refreshes a lock. It succeeds when the document
// is unlocked or already held by req.Owner, and never displaces another
// owner's lock.
func (s *Store) LockDocument(id string, req LockRequest) (records.Document, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" || !req.Type.Valid() {
		return records.Document{}, fmt.Errorf("%w: lock requires owner and type USER or SYSTEM", records.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return records.Document{}, ErrStoreClosed
	}
	doc, ok := s.documents.items[id]
	if !ok {
		metrics.RecordLockOperation("server_lock", "not_found")
		return records.Document{}, records.ErrNotFound
	}
	if doc.IsLocked() && doc.LockOwnerID != owner {
		metrics.RecordLockOperation("server_lock", "conflict")
		return doc.Clone(), &records.LockConflictError{DocumentID: id, HeldBy: doc.LockOwnerID, HeldType: doc.LockType}
	}
	if doc.LockOwnerID == owner && doc.LockType == req.Type {
		metrics.RecordLockOperation("server_lock", "unchanged")
		return doc.Clone(), nil
	}
	next := doc.Clone()
	next.LockOwnerID = owner
	next.LockType = req.Type
	next.UpdatedAt = s.nextRevisionLocked()
	s.documents.items[id] = next
	s.recordWriteLocked(records.EventUpdate, records.EntityDocument, id, next)
	metrics.RecordLockOperation("server_lock", "acquired")
	return next.Clone(), nil
}

// UnlockDocument clears a lock held by req.Owner. An unlocked document is a
// no-op success. A lock held by anyone else is never cleared, even with
// Force; Force only waives the lock type check.
func (s *Store) UnlockDocument(id string, req UnlockRequest) (records.Document, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return records.Document{}, fmt.Errorf("%w: unlock requires owner", records.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return records.Document{}, ErrStoreClosed
	}
	doc, ok := s.documents.items[id]
	if !ok {
		metrics.RecordLockOperation("server_unlock", "not_found")
		return records.Document{}, records.ErrNotFound
	}
	if !doc.IsLocked() {
		metrics.RecordLockOperation("server_unlock", "unchanged")
		return doc.Clone(), nil
	}
	if doc.LockOwnerID != owner || (!req.Force && req.Type != records.LockNone && req.Type != doc.LockType) {
		metrics.RecordLockOperation("server_unlock", "conflict")
		return doc.Clone(), &records.LockConflictError{DocumentID: id, HeldBy: doc.LockOwnerID, HeldType: doc.LockType}
	}
	next := doc.Clone()
	next.LockOwnerID = ""
	next.LockType = records.LockNone
	next.UpdatedAt = s.nextRevisionLocked()
	s.documents.items[id] = next
	s.recordWriteLocked(records.EventUpdate, records.EntityDocument, id, next)
	metrics.RecordLockOperation("server_unlock", "released")
	return next.Clone(), nil
}

func (s *Store) DocumentsLockedBy(owner string) []records.Document {
	owner = strings.TrimSpace(owner)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.Document
	for _, item := range s.documents.list(ListFilter{}) {
		doc := item.(records.Document)
		if owner != "" && doc.LockOwnerID == owner {
			out = append(out, doc.Clone())
		}
	}
	return out
}

// ApplyReplicated folds an event committed by another replica into this
// store and republishes it locally. Events from this replica are ignored.
func (s *Store) ApplyReplicated(evt records.ChangeEvent) error {
	if evt.Origin == s.origin {
		return nil
	}
	c, err := s.collection(evt.Entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	switch evt.Event {
	case records.EventCreate, records.EventUpdate:
		_, stamp, err := c.put(evt.Payload)
		if err != nil {
			return err
		}
		if stamp.After(s.lastRevision) {
			s.lastRevision = stamp
		}
	case records.EventDelete:
		c.remove(evt.ID)
	default:
		return fmt.Errorf("%w: unknown event %q", records.ErrInvalidInput, evt.Event)
	}
	s.hub.Publish(evt)
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist replicated event", "entity", evt.Entity, "id", evt.ID, "error", err)
	}
	return nil
}

// Counts returns the number of records per collection.
func (s *Store) Counts() map[records.EntityType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[records.EntityType]int, len(s.collections))
	for entity, c := range s.collections {
		out[entity] = c.len()
	}
	return out
}

// nextRevisionLocked returns a UTC stamp strictly after every stamp issued
// so far, so updatedAt orders writes even when the clock stalls.
func (s *Store) nextRevisionLocked() time.Time {
	stamp := s.now().UTC()
	if !stamp.After(s.lastRevision) {
		stamp = s.lastRevision.Add(time.Nanosecond)
	}
	s.lastRevision = stamp
	return stamp
}

func (s *Store) recordWriteLocked(kind records.EventKind, entity records.EntityType, id string, value any) {
	metrics.RecordServerMutation(string(entity), string(kind))
	evt, err := records.NewChangeEvent(kind, entity, id, value)
	if err != nil {
		s.logger.Error("failed to encode change event", "entity", entity, "id", id, "error", err)
	} else {
		evt.Origin = s.origin
		s.hub.Publish(evt)
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist state", "entity", entity, "id", id, "error", err)
	}
}

func (s *Store) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents.restore(snapshot.Documents)
	s.containers.restore(snapshot.Containers)
	s.layouts.restore(snapshot.Layouts)
	s.deadlines.restore(snapshot.Deadlines)
	s.annotations.restore(snapshot.Annotations)
	s.lastRevision = snapshot.LastRevision.UTC()
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		LastRevision: s.lastRevision,
		Documents:    s.documents.snapshot(),
		Containers:   s.containers.snapshot(),
		Layouts:      s.layouts.snapshot(),
		Deadlines:    s.deadlines.snapshot(),
		Annotations:  s.annotations.snapshot(),
	}
	return s.stateBackend.Save(&snapshot)
}

func entityID(value any) string {
	switch v := value.(type) {
	case records.Document:
		return v.ID
	case records.Container:
		return v.ID
	case records.Layout:
		return v.ID
	case records.Deadline:
		return v.ID
	case records.Annotation:
		return v.ID
	}
	return ""
}
