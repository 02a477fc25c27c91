package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

func TestChannelAgainstServer(t *testing.T) {
	dialers := map[string]Dialer{
		"nhooyr":  NhooyrDialer{},
		"gorilla": GorillaDialer{},
	}
	for name, dialer := range dialers {
		t.Run(name, func(t *testing.T) {
			store := relaydocs.NewStore()
			srv := httptest.NewServer(httpapi.NewServer(store))
			defer srv.Close()
			defer store.Close()

			token, err := httpapi.MintToken("dev-secret", "client-a", []string{httpapi.ScopeRecordsRead}, time.Hour, time.Now())
			require.NoError(t, err)

			c := newTestChannel(t, dialer, func(o *Options) {
				o.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
				o.Token = func() string { return token }
				o.HeartbeatInterval = 20 * time.Millisecond
				o.PongTimeout = time.Second
			})
			defer c.Stop()
			got := make(chan records.ChangeEvent, 8)
			_, err = c.Subscribe("documents", func(evt records.ChangeEvent) { got <- evt })
			require.NoError(t, err)
			require.NoError(t, c.Start(context.Background()))
			waitOpen(t, c)

			// The subscribe frame races the first mutation; retry until delivered.
			var evt records.ChangeEvent
			require.Eventually(t, func() bool {
				if _, err := store.Create(records.EntityDocument, []byte(`{"filePath":"/vol/a.indd"}`)); err != nil {
					return false
				}
				select {
				case evt = <-got:
					return true
				case <-time.After(50 * time.Millisecond):
					return false
				}
			}, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, records.EventCreate, evt.Event)
			assert.Equal(t, records.EntityDocument, evt.Entity)

			store.Close()
			evtClose := waitEvent(t, c, EventDataRefreshRequested)
			assert.Equal(t, EventDataRefreshRequested, evtClose.Kind)
		})
	}
}

func TestChannelRejectedTokenIsPolicyViolation(t *testing.T) {
	store := relaydocs.NewStore()
	srv := httptest.NewServer(httpapi.NewServer(store))
	defer srv.Close()
	defer store.Close()

	c := newTestChannel(t, NhooyrDialer{}, func(o *Options) {
		o.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
		o.Token = func() string { return "garbage" }
		o.BaseBackoff = time.Hour
	})
	require.NoError(t, c.Start(context.Background()))
	evt := waitEvent(t, c, EventAuthRejected)
	assert.Equal(t, ClosePolicyViolation, evt.Code)
}
