package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
)

func documentEvent(id string) records.Frame {
	return records.EventFrame(records.ChangeEvent{
		Event:   records.EventUpdate,
		Entity:  records.EntityDocument,
		ID:      id,
		Payload: json.RawMessage(`{"id":"` + id + `"}`),
	})
}

func TestConnectSendsAuthThenSubscribes(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	_, err := c.Subscribe("documents", func(records.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	require.Eventually(t, func() bool { return len(d.transport(0).written) >= 2 }, time.Second, 5*time.Millisecond)
	frames := d.transport(0).frames()
	assert.Equal(t, records.FrameAuth, frames[0].Type)
	assert.Equal(t, "tok", frames[0].Token)
	assert.Equal(t, records.Frame{Type: records.FrameSubscribe, Channel: "documents"}, frames[1])
}

func TestAuthFrameRetriedOnceWhenNotReady(t *testing.T) {
	d := &fakeDialer{configure: func(n int, tr *fakeTransport) {
		if n == 1 {
			tr.notReady.Store(1)
		}
	}}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)
	assert.Equal(t, 1, d.count())
}

func TestSubscribeIsReferenceCounted(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(evt records.ChangeEvent) {
			mu.Lock()
			got = append(got, tag+":"+evt.ID)
			mu.Unlock()
		}
	}
	unsubA, err := c.Subscribe("documents", record("a"))
	require.NoError(t, err)
	unsubB, err := c.Subscribe("documents", record("b"))
	require.NoError(t, err)
	_, err = c.Subscribe("layouts", record("l"))
	require.NoError(t, err)

	tr := d.transport(0)
	tr.push(documentEvent("d1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a:d1", "b:d1"}, got)

	unsubA()
	unsubA()
	assert.Equal(t, []string{"documents", "layouts"}, c.Channels())
	unsubB()
	assert.Equal(t, []string{"layouts"}, c.Channels())

	var subscribes, unsubscribes int
	for _, f := range tr.frames() {
		switch f.Type {
		case records.FrameSubscribe:
			subscribes++
		case records.FrameUnsubscribe:
			unsubscribes++
			assert.Equal(t, "documents", f.Channel)
		}
	}
	assert.Equal(t, 2, subscribes)
	assert.Equal(t, 1, unsubscribes)
}

func TestGoingAwayReconnectsAndRequestsRefresh(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	_, err := c.Subscribe("documents", func(records.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	d.transport(0).closeWith(CloseGoingAway)
	waitEvent(t, c, EventDataRefreshRequested)
	assert.Equal(t, 2, d.count())

	require.Eventually(t, func() bool { return len(d.transport(1).written) >= 2 }, time.Second, 5*time.Millisecond)
	frames := d.transport(1).frames()
	assert.Equal(t, records.Frame{Type: records.FrameSubscribe, Channel: "documents"}, frames[1])
}

func TestAbnormalCloseDoesNotSelfReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	d.transport(0).closeWith(CloseAbnormal)
	evt := waitEvent(t, c, EventDisconnected)
	assert.Equal(t, CloseAbnormal, evt.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, StateOpen, c.State())
	waitEvent(t, c, EventDataRefreshRequested)
}

func TestCloseOfSupersededGenerationIsIgnored(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)
	staleGen := c.Generation()

	require.NoError(t, c.Reconnect(context.Background()))
	require.Equal(t, 2, d.count())
	for len(c.Events()) > 0 {
		<-c.Events()
	}

	for _, code := range []int{CloseGoingAway, CloseAbnormal, ClosePolicyViolation, CloseTryAgainLater} {
		c.handleClose(staleGen, &CloseError{Code: code})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 0, c.ConsecutiveErrors())
	assert.Empty(t, c.Events())
}

func TestPolicyViolationBacksOffAndDataEventResetsErrors(t *testing.T) {
	d := &fakeDialer{configure: func(n int, tr *fakeTransport) {
		tr.rejectAuth = n <= 2
	}}
	c := newTestChannel(t, d, nil)
	_, err := c.Subscribe("documents", func(records.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	waitEvent(t, c, EventAuthRejected)
	waitOpen(t, c)
	assert.Equal(t, 3, d.count())
	assert.Equal(t, 2, c.ConsecutiveErrors())

	d.transport(2).push(documentEvent("d1"))
	require.Eventually(t, func() bool { return c.ConsecutiveErrors() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCooldownSuspendsReconnects(t *testing.T) {
	d := &fakeDialer{failures: 100}
	c := newTestChannel(t, d, func(o *Options) {
		o.BaseBackoff = time.Millisecond
		o.CooldownAfter = 3
		o.Cooldown = time.Hour
	})
	require.NoError(t, c.Start(context.Background()))

	waitEvent(t, c, EventCooldown)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, d.count())

	err := c.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrCoolingDown)
	assert.Equal(t, 3, d.count())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	c := New(Options{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	want := []time.Duration{100, 100, 200, 400, 800, 1000, 1000}
	for errs, w := range want {
		c.consecutiveErrors = errs
		assert.Equal(t, w*time.Millisecond, c.backoffLocked(), "errors=%d", errs)
	}
}

func TestMissedPongClosesAsAbnormal(t *testing.T) {
	d := &fakeDialer{configure: func(n int, tr *fakeTransport) { tr.dropPongs = true }}
	c := newTestChannel(t, d, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
		o.PongTimeout = 25 * time.Millisecond
	})
	require.NoError(t, c.Start(context.Background()))

	evt := waitEvent(t, c, EventDisconnected)
	assert.Equal(t, CloseAbnormal, evt.Code)
	assert.Equal(t, "heartbeat timeout", evt.Reason)
	assert.Equal(t, 1, d.count())
}

func TestHeartbeatKeepsHealthyConnectionOpen(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, func(o *Options) {
		o.HeartbeatInterval = 5 * time.Millisecond
		o.PongTimeout = 20 * time.Millisecond
	})
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 1, d.count())
}

func TestReconnectReturnsImmediatelyWhileReconnecting(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, 1, d.count())

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func TestDisconnectClearsSubscriptionsAndStopsReconnects(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	_, err := c.Subscribe("documents", func(records.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	c.Disconnect()
	assert.Empty(t, c.Channels())
	assert.Equal(t, StateDisconnected, c.State())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestHandlerPanicIsContained(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(t, d, nil)
	require.NoError(t, c.Start(context.Background()))
	waitOpen(t, c)

	delivered := make(chan struct{}, 1)
	_, err := c.Subscribe("documents", func(evt records.ChangeEvent) {
		if evt.ID == "boom" {
			panic("handler failure")
		}
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	d.transport(0).push(documentEvent("boom"))
	d.transport(0).push(documentEvent("ok"))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("events after a panicking handler were not delivered")
	}
	assert.Equal(t, StateOpen, c.State())
}
