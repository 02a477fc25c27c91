package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
)

type fakeRemote struct {
	mu      sync.Mutex
	items   map[records.EntityType][]any
	listErr map[records.EntityType]error
	// listHook, when set, runs before every List and may block.
	listHook func(ctx context.Context, entity records.EntityType) error
	updates  []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: map[records.EntityType][]any{}, listErr: map[records.EntityType]error{}}
}

func (f *fakeRemote) set(entity records.EntityType, items ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[entity] = items
}

func (f *fakeRemote) List(ctx context.Context, entity records.EntityType, containerID string) ([]json.RawMessage, error) {
	if f.listHook != nil {
		if err := f.listHook(ctx, entity); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[entity]; err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, item := range f.items[entity] {
		raw, _ := json.Marshal(item)
		out = append(out, raw)
	}
	return out, nil
}

func (f *fakeRemote) Create(ctx context.Context, entity records.EntityType, body any) (json.RawMessage, error) {
	return json.Marshal(body)
}

func (f *fakeRemote) Update(ctx context.Context, entity records.EntityType, id string, patch any, ifMatch string) (json.RawMessage, error) {
	f.mu.Lock()
	f.updates = append(f.updates, id)
	f.mu.Unlock()
	if ifMatch == "conflict" {
		return nil, &storeclient.ConflictError{Entity: entity, ID: id}
	}
	return json.Marshal(patch)
}

func (f *fakeRemote) Delete(ctx context.Context, entity records.EntityType, id string) error {
	return nil
}

func (f *fakeRemote) Lock(ctx context.Context, id, owner string, lockType records.LockType) (records.Document, error) {
	return records.Document{}, errors.New("not used")
}

func (f *fakeRemote) Unlock(ctx context.Context, id string, req storeclient.UnlockRequest) (records.Document, error) {
	return records.Document{}, errors.New("not used")
}

func (f *fakeRemote) ListLockedBy(ctx context.Context, owner string) ([]records.Document, error) {
	return nil, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func doc(id string, at time.Time) records.Document {
	return records.Document{ID: id, FilePath: "/vol/" + id + ".indd", ContainerID: "c1", UpdatedAt: at}
}

func pushEvent(t *testing.T, kind records.EventKind, entity records.EntityType, id string, payload any) records.ChangeEvent {
	t.Helper()
	evt, err := records.NewChangeEvent(kind, entity, id, payload)
	require.NoError(t, err)
	return evt
}

func TestFetchLoadsAllCollections(t *testing.T) {
	remote := newFakeRemote()
	remote.set(records.EntityDocument, doc("d1", t0), doc("d2", t0))
	remote.set(records.EntityContainer, records.Container{ID: "c1", UpdatedAt: t0})
	remote.set(records.EntityLayout, records.Layout{ID: "l1", ContainerID: "c1", UpdatedAt: t0})
	s := New(remote, Options{})

	changes, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Fetch(context.Background(), false))
	snap := s.Snapshot()
	assert.Len(t, snap.Documents, 2)
	assert.Len(t, snap.Containers, 1)
	assert.Len(t, snap.Layouts, 1)
	assert.Empty(t, snap.Degraded)

	select {
	case c := <-changes:
		assert.True(t, c.Refresh)
	case <-time.After(time.Second):
		t.Fatal("expected refresh notification")
	}
}

func TestFetchNonCriticalFailureDegrades(t *testing.T) {
	remote := newFakeRemote()
	remote.set(records.EntityDocument, doc("d1", t0))
	remote.set(records.EntityDeadline, records.Deadline{ID: "dl1", ContainerID: "c1", UpdatedAt: t0})
	remote.listErr[records.EntityDeadline] = &storeclient.HTTPError{StatusCode: 500}
	s := New(remote, Options{})

	require.NoError(t, s.Fetch(context.Background(), true))
	snap := s.Snapshot()
	assert.Len(t, snap.Documents, 1)
	assert.Empty(t, snap.Deadlines)
	assert.Equal(t, []records.EntityType{records.EntityDeadline}, snap.Degraded)

	sig := <-s.Signals()
	assert.Equal(t, SignalWarning, sig.Kind)
}

func TestFetchCriticalFailureKeepsPriorSnapshot(t *testing.T) {
	remote := newFakeRemote()
	remote.set(records.EntityDocument, doc("d1", t0))
	s := New(remote, Options{})
	require.NoError(t, s.Fetch(context.Background(), false))

	remote.listErr[records.EntityDocument] = fmt.Errorf("%w: dial tcp", records.ErrNetworkUnavailable)
	err := s.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, records.ClassNetwork, records.Classify(err))

	_, ok := s.Document("d1")
	assert.True(t, ok, "failed fetch must not clear the snapshot")

	sig := <-s.Signals()
	assert.Equal(t, SignalOffline, sig.Kind)
	assert.Equal(t, 1, sig.Attempt)

	require.Error(t, s.Fetch(context.Background(), false))
	sig = <-s.Signals()
	assert.Equal(t, 2, sig.Attempt)

	delete(remote.listErr, records.EntityDocument)
	require.NoError(t, s.Fetch(context.Background(), false))
	sig = <-s.Signals()
	assert.Equal(t, SignalOnline, sig.Kind)
}

func TestFetchAuthFailureInvalidatesSession(t *testing.T) {
	remote := newFakeRemote()
	remote.listErr[records.EntityContainer] = &storeclient.HTTPError{StatusCode: 401, Code: "token_expired"}
	s := New(remote, Options{})

	err := s.Fetch(context.Background(), false)
	require.ErrorIs(t, err, records.ErrAuthExpired)
	sig := <-s.Signals()
	assert.Equal(t, SignalSessionInvalidated, sig.Kind)
}

func TestLateFetchIsDiscardedEvenOnError(t *testing.T) {
	for _, failLate := range []bool{false, true} {
		t.Run(fmt.Sprintf("failLate=%v", failLate), func(t *testing.T) {
			remote := newFakeRemote()
			remote.set(records.EntityDocument, doc("old", t0))
			s := New(remote, Options{})

			release := make(chan struct{})
			entered := make(chan struct{})
			var once sync.Once
			var calls sync.Map
			remote.listHook = func(ctx context.Context, entity records.EntityType) error {
				if entity != records.EntityDocument {
					return nil
				}
				// Only the first fetch's document request blocks.
				if _, loaded := calls.LoadOrStore("first", true); !loaded {
					once.Do(func() { close(entered) })
					<-release
					if failLate {
						return &storeclient.HTTPError{StatusCode: 401}
					}
				}
				return nil
			}

			lateDone := make(chan error, 1)
			go func() { lateDone <- s.Fetch(context.Background(), false) }()
			<-entered

			remote.set(records.EntityDocument, doc("new", t0))
			require.NoError(t, s.Fetch(context.Background(), false))

			remote.set(records.EntityDocument, doc("late-but-wrong", t0))
			close(release)
			err := <-lateDone
			require.ErrorIs(t, err, records.ErrStale)

			snap := s.Snapshot()
			assert.Contains(t, snap.Documents, "new")
			assert.NotContains(t, snap.Documents, "late-but-wrong")
			select {
			case sig := <-s.Signals():
				t.Fatalf("superseded fetch emitted signal %v", sig.Kind)
			default:
			}
		})
	}
}

func TestApplyPushEventStalenessGuard(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	_, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", doc("d1", t0.Add(time.Second))))
	require.NoError(t, err)

	older := doc("d1", t0)
	older.State = 9
	outcome, err := s.ApplyPushEvent(pushEvent(t, records.EventUpdate, records.EntityDocument, "d1", older))
	assert.Equal(t, OutcomeStale, outcome)
	assert.ErrorIs(t, err, records.ErrStale)

	same := doc("d1", t0.Add(time.Second))
	same.State = 9
	outcome, err = s.ApplyPushEvent(pushEvent(t, records.EventUpdate, records.EntityDocument, "d1", same))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	held, _ := s.Document("d1")
	assert.Equal(t, 0, held.State)

	newer := doc("d1", t0.Add(2*time.Second))
	newer.State = 3
	outcome, err = s.ApplyPushEvent(pushEvent(t, records.EventUpdate, records.EntityDocument, "d1", newer))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	held, _ = s.Document("d1")
	assert.Equal(t, 3, held.State)
}

func TestApplyPushEventStalenessGuardAllEntities(t *testing.T) {
	cases := []struct {
		entity records.EntityType
		newer  any
		older  any
	}{
		{records.EntityContainer, records.Container{ID: "x", Name: "new", UpdatedAt: t0.Add(time.Second)}, records.Container{ID: "x", Name: "old", UpdatedAt: t0}},
		{records.EntityLayout, records.Layout{ID: "x", Name: "new", UpdatedAt: t0.Add(time.Second)}, records.Layout{ID: "x", Name: "old", UpdatedAt: t0}},
		{records.EntityDeadline, records.Deadline{ID: "x", Name: "new", UpdatedAt: t0.Add(time.Second)}, records.Deadline{ID: "x", Name: "old", UpdatedAt: t0}},
		{records.EntityAnnotation, records.Annotation{ID: "x", Body: "new", UpdatedAt: t0.Add(time.Second)}, records.Annotation{ID: "x", Body: "old", UpdatedAt: t0}},
	}
	for _, tc := range cases {
		t.Run(string(tc.entity), func(t *testing.T) {
			s := New(newFakeRemote(), Options{})
			_, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, tc.entity, "x", tc.newer))
			require.NoError(t, err)
			before := s.Snapshot()

			outcome, _ := s.ApplyPushEvent(pushEvent(t, records.EventUpdate, tc.entity, "x", tc.older))
			assert.Equal(t, OutcomeStale, outcome)
			assert.Equal(t, before, s.Snapshot())
		})
	}
}

func TestApplyPushEventCreateIsIdempotentAndDeleteUnconditional(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	outcome, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", doc("d1", t0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", doc("d1", t0.Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	held, _ := s.Document("d1")
	assert.Equal(t, t0, held.UpdatedAt)

	outcome, err = s.ApplyPushEvent(records.ChangeEvent{Event: records.EventDelete, Entity: records.EntityDocument, ID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	_, ok := s.Document("d1")
	assert.False(t, ok)
}

func TestApplyPushEventOutsideActiveContainer(t *testing.T) {
	remote := newFakeRemote()
	s := New(remote, Options{})
	require.NoError(t, s.SetActiveContainer(context.Background(), "c1"))

	other := doc("d9", t0)
	other.ContainerID = "c2"
	outcome, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d9", other))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	_, err = s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", doc("d1", t0)))
	require.NoError(t, err)
	moved := doc("d1", t0.Add(time.Second))
	moved.ContainerID = "c2"
	outcome, err = s.ApplyPushEvent(pushEvent(t, records.EventUpdate, records.EntityDocument, "d1", moved))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	_, ok := s.Document("d1")
	assert.False(t, ok)
}

func TestApplyPushEventRejectsGarbage(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	outcome, err := s.ApplyPushEvent(records.ChangeEvent{Event: records.EventUpdate, Entity: records.EntityDocument, ID: "d1", Payload: json.RawMessage(`{`)})
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.ErrorIs(t, err, records.ErrInvalidInput)

	outcome, err = s.ApplyPushEvent(records.ChangeEvent{Event: records.EventUpdate, Entity: "widgets", ID: "w"})
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.Error(t, err)
}

func TestMutateFoldsServerResponse(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	_, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", doc("d1", t0.Add(time.Hour))))
	require.NoError(t, err)

	// The server response replaces the held value even if it looks older.
	resp := doc("d1", t0)
	resp.State = 4
	updated, err := s.UpdateDocument(context.Background(), "d1", resp, "*")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.State)
	held, _ := s.Document("d1")
	assert.Equal(t, 4, held.State)

	_, err = s.Mutate(context.Background(), records.EntityDocument, OpDelete, "d1", nil, "")
	require.NoError(t, err)
	_, ok := s.Document("d1")
	assert.False(t, ok)
}

func TestMutateConflictPropagatesVerbatim(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	_, err := s.UpdateDocument(context.Background(), "d1", doc("d1", t0), "conflict")
	var conflict *storeclient.ConflictError
	require.ErrorAs(t, err, &conflict)
	select {
	case sig := <-s.Signals():
		t.Fatalf("conflict must not raise a signal, got %v", sig.Kind)
	default:
	}
}

func TestApplyExternalUpdate(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	changes, cancel := s.Subscribe()
	defer cancel()

	locked := doc("d1", t0)
	locked.LockOwnerID = "client-a"
	locked.LockType = records.LockUser
	require.NoError(t, s.ApplyExternalUpdate(locked))
	require.NoError(t, s.ApplyExternalUpdate(&records.Annotation{ID: "a1", DocumentID: "d1", UpdatedAt: t0}))
	assert.Error(t, s.ApplyExternalUpdate("nope"))

	assert.Len(t, s.DocumentsLockedBy("client-a"), 1)
	assert.Len(t, s.Annotations("d1"), 1)
	c := <-changes
	assert.Equal(t, records.EntityDocument, c.Entity)
	assert.Equal(t, "d1", c.ID)
}

func TestApplyExternalUpdateKeepsNewerHeldValue(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	newer := doc("d1", t0.Add(2*time.Second))
	newer.State = 3
	_, err := s.ApplyPushEvent(pushEvent(t, records.EventCreate, records.EntityDocument, "d1", newer))
	require.NoError(t, err)

	changes, cancel := s.Subscribe()
	defer cancel()

	older := doc("d1", t0)
	older.LockOwnerID = "client-a"
	older.LockType = records.LockUser
	require.NoError(t, s.ApplyExternalUpdate(older))

	held, _ := s.Document("d1")
	assert.Equal(t, 3, held.State)
	assert.Empty(t, held.LockOwnerID)
	select {
	case c := <-changes:
		t.Fatalf("unexpected change for kept value: %+v", c)
	default:
	}

	same := doc("d1", t0.Add(2*time.Second))
	same.LockOwnerID = "client-a"
	same.LockType = records.LockUser
	require.NoError(t, s.ApplyExternalUpdate(same))
	held, _ = s.Document("d1")
	assert.Equal(t, "client-a", held.LockOwnerID)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := New(newFakeRemote(), Options{})
	d := doc("d1", t0)
	d.SetPageRanges([]records.PageRange{{Start: 1, End: 4}})
	require.NoError(t, s.ApplyExternalUpdate(d))

	snap := s.Snapshot()
	got := snap.Documents["d1"]
	got.PageRanges[0].End = 99
	held, _ := s.Document("d1")
	assert.Equal(t, 4, held.PageRanges[0].End)
}
