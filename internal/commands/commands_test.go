package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/reconciler"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/agentworkforce/relaydocs/internal/statestore"
	"github.com/agentworkforce/relaydocs/internal/storeclient"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

type env struct {
	shared   *relaydocs.Store
	cache    *statestore.Store
	oracle   *reconciler.MemoryOracle
	registry *Registry
}

func newEnv(t *testing.T, docs ...records.Document) *env {
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
	machine, err := workflow.New(workflow.DefaultTable(), workflow.DefaultRegistry(nil), cache, workflow.Options{})
	require.NoError(t, err)

	reg := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg, Deps{Locker: rec, Workflow: machine, Refresher: cache, Files: oracle}))
	return &env{shared: shared, cache: cache, oracle: oracle, registry: reg}
}

func (e *env) request(t *testing.T, id, actor string, args map[string]string) Request {
	t.Helper()
	doc, ok := e.cache.Document(id)
	require.True(t, ok)
	return Request{Document: doc, Actor: Actor{ID: actor}, Args: args}
}

func TestBuiltinsAreRegistered(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, []ID{DocumentLock, DocumentTransition, DocumentUnlock, DocumentValidate, StoreRefresh}, e.registry.IDs())
	assert.Error(t, e.registry.Register(StoreRefresh, nil))
}

func TestLockAndUnlockCommands(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd"})
	e.oracle.Open("/vol/a.indd")
	ctx := context.Background()

	resp := e.registry.Dispatch(ctx, DocumentLock, e.request(t, "d1", "alice", nil))
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "locked cover", resp.Message)

	resp = e.registry.Dispatch(ctx, DocumentLock, e.request(t, "d1", "bob", nil))
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, records.ErrLockConflict)
	assert.Equal(t, "someone else is using this document (alice)", resp.Message)

	resp = e.registry.Dispatch(ctx, DocumentUnlock, e.request(t, "d1", "bob", nil))
	assert.ErrorIs(t, resp.Err, records.ErrLockConflict)

	resp = e.registry.Dispatch(ctx, DocumentUnlock, e.request(t, "d1", "alice", nil))
	require.True(t, resp.Success, resp.Message)
	doc, err := e.shared.GetDocument("d1")
	require.NoError(t, err)
	assert.False(t, doc.IsLocked())
}

func TestLockCommandRefusesFileThatIsNotOpen(t *testing.T) {
	e := newEnv(t,
		records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd"},
		records.Document{ID: "d2", Name: "back", FilePath: "/vol/b.indd"},
	)
	ctx := context.Background()

	resp := e.registry.Dispatch(ctx, DocumentLock, e.request(t, "d1", "alice", nil))
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, records.ErrInvalidInput)
	assert.Contains(t, resp.Message, "open cover before locking it")
	doc, err := e.shared.GetDocument("d1")
	require.NoError(t, err)
	assert.False(t, doc.IsLocked())

	// Locks taken for other actors are not reaped by this client.
	resp = e.registry.Dispatch(ctx, DocumentLock, e.request(t, "d2", "bob", nil))
	require.True(t, resp.Success, resp.Message)
	doc, err = e.shared.GetDocument("d2")
	require.NoError(t, err)
	assert.Equal(t, "bob", doc.LockOwnerID)
}

func TestLockCommandNotesReleaseWhenOpenStateUnknown(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd"})
	reg := NewRegistry(nil)
	rec := reconciler.New(e.cache, storeclient.NewLocal(e.shared), e.oracle, reconciler.Options{Owner: "alice"})
	require.NoError(t, RegisterBuiltins(reg, Deps{Locker: rec, Files: unknownFiles{}}))

	resp := reg.Dispatch(context.Background(), DocumentLock, e.request(t, "d1", "alice", nil))
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "locked cover; it is released at the next reconcile unless the file is open", resp.Message)
}

type unknownFiles struct{}

func (unknownFiles) IsOpen(ctx context.Context, path string) (bool, error) {
	return false, errors.New("lock state unavailable")
}

func TestUnlockRefusesSystemLocks(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd"})
	_, err := storeclient.NewLocal(e.shared).Lock(context.Background(), "d1", "alice", records.LockSystem)
	require.NoError(t, err)
	require.NoError(t, e.cache.Fetch(context.Background(), false))

	resp := e.registry.Dispatch(context.Background(), DocumentUnlock, e.request(t, "d1", "alice", nil))
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, records.ErrInvalidInput)
}

func TestTransitionCommand(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd"})
	ctx := context.Background()

	resp := e.registry.Dispatch(ctx, DocumentTransition, e.request(t, "d1", "alice", map[string]string{"state": "layout"}))
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, records.ErrValidationFailed)

	resp = e.registry.Dispatch(ctx, DocumentTransition, e.request(t, "d1", "alice", map[string]string{"state": "nowhere"}))
	assert.ErrorIs(t, resp.Err, records.ErrInvalidInput)

	_, err := e.cache.UpdateDocument(ctx, "d1", map[string]any{"layoutId": "l1"}, "")
	require.NoError(t, err)
	resp = e.registry.Dispatch(ctx, DocumentTransition, e.request(t, "d1", "alice", map[string]string{"state": "1"}))
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "moved cover to layout", resp.Message)
}

func TestValidateCommandReportsSkipDistinctly(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/nonexistent-volume/jobs/a.indd", State: 3})
	resp := e.registry.Dispatch(context.Background(), DocumentValidate, e.request(t, "d1", "alice", nil))
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, records.ErrValidationSkipped)
	assert.NotErrorIs(t, resp.Err, records.ErrValidationFailed)
	assert.Equal(t, "file_verified: skipped", resp.Message)
}

func TestValidateCommandWithExplicitValidator(t *testing.T) {
	e := newEnv(t, records.Document{ID: "d1", Name: "cover", FilePath: "/vol/a.indd", Markers: records.MarkerOnHold})
	resp := e.registry.Dispatch(context.Background(), DocumentValidate, e.request(t, "d1", "alice", map[string]string{"validator": "markers"}))
	assert.ErrorIs(t, resp.Err, records.ErrValidationFailed)
	assert.Contains(t, resp.Message, "document is on hold")

	resp = e.registry.Dispatch(context.Background(), DocumentValidate, e.request(t, "d1", "alice", map[string]string{"validator": "spelling"}))
	assert.ErrorIs(t, resp.Err, records.ErrInvalidInput)
}

func TestDispatchUnknownAndPanickingCommands(t *testing.T) {
	e := newEnv(t)
	resp := e.registry.Dispatch(context.Background(), "document.print", Request{})
	assert.ErrorIs(t, resp.Err, ErrUnknownCommand)

	require.NoError(t, e.registry.Register("boom", func(context.Context, Request) Response { panic("boom") }))
	resp = e.registry.Dispatch(context.Background(), "boom", Request{})
	assert.False(t, resp.Success)
	assert.Error(t, resp.Err)
}

func TestRefreshCommand(t *testing.T) {
	e := newEnv(t)
	_, err := storeclient.NewLocal(e.shared).Create(context.Background(), records.EntityDocument, records.Document{ID: "late", FilePath: "/vol/late.indd"})
	require.NoError(t, err)

	resp := e.registry.Dispatch(context.Background(), StoreRefresh, Request{})
	require.True(t, resp.Success)
	_, ok := e.cache.Document("late")
	assert.True(t, ok)
}
