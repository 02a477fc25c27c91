package verify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/reconciler"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/agentworkforce/relaydocs/internal/statestore"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

type hookInspector struct {
	hook func(path string)
	err  error
}

func (h *hookInspector) Inspect(ctx context.Context, path string) (workflow.Inspection, error) {
	if h.hook != nil {
		h.hook(path)
	}
	return workflow.Inspection{}, h.err
}

type stack struct {
	shared    *relaydocs.Store
	cache     *statestore.Store
	oracle    *reconciler.MemoryOracle
	rec       *reconciler.Reconciler
	machine   *workflow.Machine
	inspector *hookInspector
	verifier  *Verifier
}

func newStack(t *testing.T, docs ...records.Document) *stack {
	t.Helper()
	shared := relaydocs.NewStore()
	t.Cleanup(shared.Close)
	remote := storeclient.NewLocal(shared)
	ctx := context.Background()
	for _, d := range docs {
		_, err := remote.Create(ctx, records.EntityDocument, d)
		require.NoError(t, err)
	}
	cache := statestore.New(remote, statestore.Options{})
	require.NoError(t, cache.Fetch(ctx, false))
	oracle := reconciler.NewMemoryOracle()
	rec := reconciler.New(cache, remote, oracle, reconciler.Options{Owner: "alice"})
	inspector := &hookInspector{}
	machine, err := workflow.New(workflow.DefaultTable(), workflow.DefaultRegistry(inspector), cache, workflow.Options{})
	require.NoError(t, err)
	v := New(cache, machine, rec, oracle, Options{
		Owner:          "alice",
		ReleaseTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	return &stack{shared: shared, cache: cache, oracle: oracle, rec: rec, machine: machine, inspector: inspector, verifier: v}
}

func (s *stack) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.verifier.Run(ctx)
}

func waitReport(t *testing.T, v *Verifier) Report {
	t.Helper()
	select {
	case r := <-v.Reports():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no verification report")
		return Report{}
	}
}

func TestVerificationHoldsSystemLockWhileValidating(t *testing.T) {
	s := newStack(t, records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3})
	var during records.Document
	s.inspector.hook = func(string) {
		during, _ = s.shared.GetDocument("d1")
	}
	s.start(t)

	require.NoError(t, s.verifier.Enqueue("d1"))
	r := waitReport(t, s.verifier)
	require.NoError(t, r.Err)
	assert.Equal(t, workflow.OutcomePass, r.Result.Outcome)
	assert.True(t, r.HostReleased)

	assert.Equal(t, "alice", during.LockOwnerID)
	assert.Equal(t, records.LockSystem, during.LockType)
	after, err := s.shared.GetDocument("d1")
	require.NoError(t, err)
	assert.False(t, after.IsLocked())

	stored, ok := s.machine.Results().Lookup("d1", workflow.KindFileVerified)
	require.True(t, ok)
	assert.Equal(t, workflow.OutcomePass, stored.Outcome)
}

func TestVerificationSkipsBusyDocuments(t *testing.T) {
	s := newStack(t,
		records.Document{ID: "locked", FilePath: "/vol/a.indd"},
		records.Document{ID: "open", FilePath: "/vol/b.indd"},
	)
	_, err := storeclient.NewLocal(s.shared).Lock(context.Background(), "locked", "bob", records.LockUser)
	require.NoError(t, err)
	require.NoError(t, s.cache.Fetch(context.Background(), false))
	s.oracle.Open("/vol/b.indd")
	s.start(t)

	require.NoError(t, s.verifier.Enqueue("locked"))
	assert.ErrorIs(t, waitReport(t, s.verifier).Err, ErrBusy)
	require.NoError(t, s.verifier.Enqueue("open"))
	assert.ErrorIs(t, waitReport(t, s.verifier).Err, ErrBusy)

	doc, err := s.shared.GetDocument("locked")
	require.NoError(t, err)
	assert.Equal(t, "bob", doc.LockOwnerID)
}

type failingRunner struct {
	table *workflow.Table
}

func (f failingRunner) RunValidator(ctx context.Context, doc records.Document, kind workflow.ValidatorKind) (workflow.Result, records.Document, error) {
	panic("validator exploded")
}

func (f failingRunner) Table() *workflow.Table { return f.table }

func TestVerificationReleasesLockOnPanic(t *testing.T) {
	s := newStack(t, records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3})
	v := New(s.cache, failingRunner{table: workflow.DefaultTable()}, s.rec, s.oracle, Options{Owner: "alice"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	require.NoError(t, v.Enqueue("d1"))
	r := waitReport(t, v)
	assert.ErrorContains(t, r.Err, "panicked")
	doc, err := s.shared.GetDocument("d1")
	require.NoError(t, err)
	assert.False(t, doc.IsLocked())
}

func TestVerificationWaitsForHostRelease(t *testing.T) {
	s := newStack(t, records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3})
	s.inspector.hook = func(path string) {
		s.oracle.Open(path)
		time.AfterFunc(20*time.Millisecond, func() { s.oracle.Close(path) })
	}
	s.start(t)

	require.NoError(t, s.verifier.Enqueue("d1"))
	r := waitReport(t, s.verifier)
	require.NoError(t, r.Err)
	assert.True(t, r.HostReleased)
	assert.GreaterOrEqual(t, r.Duration, 20*time.Millisecond)
}

func TestVerificationHostReleaseTimeout(t *testing.T) {
	s := newStack(t, records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3})
	s.inspector.hook = func(path string) { s.oracle.Open(path) }
	s.start(t)

	require.NoError(t, s.verifier.Enqueue("d1"))
	r := waitReport(t, s.verifier)
	require.NoError(t, r.Err)
	assert.False(t, r.HostReleased)
}

func TestTriggerMidRunQueuesOneRerun(t *testing.T) {
	s := newStack(t, records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3})
	var runs atomic.Int32
	release := make(chan struct{})
	s.inspector.hook = func(string) {
		if runs.Add(1) == 1 {
			<-release
		}
	}
	s.start(t)

	require.NoError(t, s.verifier.Enqueue("d1"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.verifier.Enqueue("d1"))
	require.NoError(t, s.verifier.Enqueue("d1"))
	close(release)

	require.NoError(t, waitReport(t, s.verifier).Err)
	require.NoError(t, waitReport(t, s.verifier).Err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestWatchEnqueuesOnlyVerifiedStates(t *testing.T) {
	s := newStack(t,
		records.Document{ID: "d1", FilePath: "/vol/a.indd", State: 3},
		records.Document{ID: "d2", FilePath: "/vol/b.indd", State: 1},
	)
	s.start(t)
	changes := make(chan workflow.StateChange, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.verifier.Watch(ctx, changes)

	changes <- workflow.StateChange{DocumentID: "d2", Previous: 0, Current: 1}
	changes <- workflow.StateChange{DocumentID: "d1", Previous: 2, Current: 3}
	r := waitReport(t, s.verifier)
	assert.Equal(t, "d1", r.DocumentID)
	select {
	case extra := <-s.verifier.Reports():
		t.Fatalf("unexpected report for %s", extra.DocumentID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnqueueReportsFullQueue(t *testing.T) {
	s := newStack(t)
	v := New(s.cache, s.machine, s.rec, s.oracle, Options{Owner: "alice", QueueSize: 1})
	require.NoError(t, v.Enqueue("a"))
	require.NoError(t, v.Enqueue("a"))
	assert.True(t, errors.Is(v.Enqueue("b"), ErrQueueFull))
}
