package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

func startRealtimeServer(t *testing.T, cfg ServerConfig) (*relaydocs.Store, string) {
	t.Helper()
	store := relaydocs.NewStore()
	srv := httptest.NewServer(NewServerWithConfig(store, cfg))
	t.Cleanup(func() {
		store.Close()
		srv.Close()
	})
	return store, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
}

func dialRealtime(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) records.Frame {
	t.Helper()
	var f records.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func TestRealtimeDeliversSubscribedEvents(t *testing.T) {
	store, url := startRealtimeServer(t, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRealtime(t, ctx, url)
	token := mustTestJWT(t, "dev-secret", "client-a", []string{ScopeRecordsRead}, time.Hour)
	require.NoError(t, wsjson.Write(ctx, conn, records.Frame{Type: records.FrameAuth, Token: token}))
	assert.Equal(t, records.FrameReady, readFrame(t, ctx, conn).Type)

	require.NoError(t, wsjson.Write(ctx, conn, records.Frame{Type: records.FrameSubscribe, Channel: "documents"}))
	subscribed := readFrame(t, ctx, conn)
	assert.Equal(t, records.FrameSubscribed, subscribed.Type)

	_, err := store.Create(records.EntityContainer, []byte(`{"id":"c1"}`))
	require.NoError(t, err)
	_, err = store.Create(records.EntityDocument, []byte(`{"id":"d1","filePath":"/a.indd"}`))
	require.NoError(t, err)

	evt := readFrame(t, ctx, conn)
	assert.Equal(t, records.FrameEvent, evt.Type)
	assert.Equal(t, records.EntityDocument, evt.Entity, "unsubscribed channels are filtered")
	assert.Equal(t, records.EventCreate, evt.Event)
	assert.Equal(t, "d1", evt.ID)

	require.NoError(t, wsjson.Write(ctx, conn, records.Frame{Type: records.FramePing}))
	assert.Equal(t, records.FramePong, readFrame(t, ctx, conn).Type)
}

func TestRealtimeRejectsBadTokenWithPolicyViolation(t *testing.T) {
	_, url := startRealtimeServer(t, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRealtime(t, ctx, url)
	token := mustTestJWT(t, "other-secret", "client-a", []string{ScopeRecordsRead}, time.Hour)
	require.NoError(t, wsjson.Write(ctx, conn, records.Frame{Type: records.FrameAuth, Token: token}))

	var f records.Frame
	err := wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestRealtimeRequiresAuthFrameFirst(t *testing.T) {
	_, url := startRealtimeServer(t, ServerConfig{AuthTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRealtime(t, ctx, url)
	var f records.Frame
	err := wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestRealtimeClosesGoingAwayWhenStoreCloses(t *testing.T) {
	store, url := startRealtimeServer(t, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRealtime(t, ctx, url)
	token := mustTestJWT(t, "dev-secret", "client-a", []string{ScopeRecordsRead}, time.Hour)
	require.NoError(t, wsjson.Write(ctx, conn, records.Frame{Type: records.FrameAuth, Token: token}))
	require.Equal(t, records.FrameReady, readFrame(t, ctx, conn).Type)

	store.Close()
	var f records.Frame
	err := wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
