package relaydocs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydocs/internal/records"
)

func TestHubMarksSlowSubscriberLagging(t *testing.T) {
	hub := NewHub(1, nil)
	defer hub.Close()
	slow := hub.Subscribe()
	fast := hub.Subscribe()

	hub.Publish(records.ChangeEvent{Event: records.EventCreate, Entity: records.EntityDocument, ID: "a"})
	<-fast.C
	hub.Publish(records.ChangeEvent{Event: records.EventCreate, Entity: records.EntityDocument, ID: "b"})

	assert.True(t, slow.Lagging())
	assert.False(t, slow.Lagging(), "flag resets after read")
	assert.False(t, fast.Lagging())
	evt := <-slow.C
	assert.Equal(t, "a", evt.ID)
}

func TestHubCloseClosesSubscriptions(t *testing.T) {
	hub := NewHub(4, nil)
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.Len())
	hub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	late := hub.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	hub := NewHub(4, nil)
	defer hub.Close()
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Len())
}
