package engine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/commands"
	"github.com/agentworkforce/relaydocs/internal/config"
	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/realtime"
	"github.com/agentworkforce/relaydocs/internal/reconciler"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

type fixture struct {
	shared *relaydocs.Store
	oracle *reconciler.MemoryOracle
	engine *Engine
}

func newFixture(t *testing.T, secret string, docs ...records.Document) *fixture {
	t.Helper()
	shared := relaydocs.NewStore()
	srv := httptest.NewServer(httpapi.NewServer(shared))
	t.Cleanup(func() {
		shared.Close()
		srv.Close()
	})
	for _, d := range docs {
		_, err := shared.Create(records.EntityDocument, mustJSON(t, d))
		require.NoError(t, err)
	}

	cfg := config.DefaultAgent()
	cfg.ClientID = "alice"
	cfg.Store.BaseURL = srv.URL
	cfg.Store.TokenSecret = secret
	cfg.Store.MaxRetries = 0
	cfg.Reconcile.Debounce = 20 * time.Millisecond
	cfg.Realtime.BaseBackoff = 50 * time.Millisecond
	cfg.Realtime.RecoveryDelay = 50 * time.Millisecond
	cfg.Verify.Enabled = false

	oracle := reconciler.NewMemoryOracle()
	e, err := New(Options{Config: cfg, Oracle: oracle})
	require.NoError(t, err)
	return &fixture{shared: shared, oracle: oracle, engine: e}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.engine.Start(ctx))
	t.Cleanup(f.engine.Stop)
	require.Eventually(t, func() bool {
		return f.engine.Channel.State() == realtime.StateOpen
	}, 5*time.Second, 20*time.Millisecond)
}

func (f *fixture) lockedBy(t *testing.T, id string) string {
	t.Helper()
	doc, err := f.shared.GetDocument(id)
	require.NoError(t, err)
	return doc.LockOwnerID
}

func TestEngineLocksOpenDocumentAndReleasesOnStop(t *testing.T) {
	f := newFixture(t, "dev-secret", records.Document{ID: "d1", FilePath: "/Volumes/Jobs/a.indd"})
	f.start(t)

	f.oracle.Open("/Volumes/Jobs/a.indd")
	f.engine.Recon.Trigger()
	require.Eventually(t, func() bool { return f.lockedBy(t, "d1") == "alice" }, 5*time.Second, 20*time.Millisecond)

	f.engine.Stop()
	assert.Empty(t, f.lockedBy(t, "d1"))
}

func TestEngineStartupReleasesOrphanedLocks(t *testing.T) {
	f := newFixture(t, "dev-secret", records.Document{ID: "d1", FilePath: "/Volumes/Jobs/a.indd"})
	_, err := f.shared.LockDocument("d1", relaydocs.LockRequest{Owner: "alice", Type: records.LockSystem})
	require.NoError(t, err)

	f.start(t)
	assert.Empty(t, f.lockedBy(t, "d1"))
}

func TestEnginePushEventsReachCache(t *testing.T) {
	f := newFixture(t, "dev-secret")
	f.start(t)

	_, err := f.shared.Create(records.EntityDocument, []byte(`{"id":"d9","filePath":"/Volumes/Jobs/new.indd"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.engine.Store.Document("d9")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngineCommandsUseSharedStore(t *testing.T) {
	f := newFixture(t, "dev-secret", records.Document{ID: "d1", FilePath: "/Volumes/Jobs/a.indd"})
	f.oracle.Open("/Volumes/Jobs/a.indd")
	f.start(t)

	doc, ok := f.engine.Store.Document("d1")
	require.True(t, ok)
	resp := f.engine.Commands.Dispatch(context.Background(), commands.DocumentLock, commands.Request{
		Document: doc,
		Actor:    commands.Actor{ID: "alice"},
	})
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "alice", f.lockedBy(t, "d1"))

	status := f.engine.Status()
	assert.Equal(t, "alice", status.ClientID)
	assert.Equal(t, 1, status.Documents)
	require.Len(t, status.Locked, 1)
}

func TestEngineStartFailsOnRejectedToken(t *testing.T) {
	f := newFixture(t, "wrong-secret")
	err := f.engine.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, records.ClassAuth, records.Classify(err))
}
