package api

import (
	"context"
	"encoding/json"
	"testing"

	"chatrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeQueued(t *testing.T, b []byte) models.Frame {
	t.Helper()
	var f models.Frame
	require.NoError(t, json.Unmarshal(b, &f))
	return f
}

func TestHubBroadcastReachesEverySession(t *testing.T) {
	hub := NewHub()
	a, b := newSession("a", "test", 4), newSession("b", "test", 4)
	hub.Add(a)
	hub.Add(b)
	require.Equal(t, 2, hub.Count())

	f, err := models.NewFrame(models.EventMessageDeleted, models.MessageDeleted{MessageID: "m1"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), f))

	for _, s := range []*Session{a, b} {
		got := decodeQueued(t, <-s.send)
		assert.Equal(t, models.EventMessageDeleted, got.Event)
		assert.JSONEq(t, `{"messageId":"m1"}`, string(got.Data))
	}
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	hub := NewHub()
	s := newSession("a", "test", 1)
	hub.Add(s)
	hub.Remove(s)
	hub.Remove(s)
	assert.Equal(t, 0, hub.Count())

	_, open := <-s.send
	assert.False(t, open)
	assert.False(t, s.Send(models.ErrorFrame("late")), "closed sessions drop frames")
}

func TestSessionDropsWhenQueueFull(t *testing.T) {
	s := newSession("a", "test", 1)
	assert.True(t, s.Send(models.ErrorFrame("one")))
	assert.False(t, s.Send(models.ErrorFrame("two")))
	assert.Equal(t, models.EventError, decodeQueued(t, <-s.send).Event)
}

func TestHubCloseClosesSessions(t *testing.T) {
	hub := NewHub()
	sessions := []*Session{newSession("a", "test", 1), newSession("b", "test", 1)}
	for _, s := range sessions {
		hub.Add(s)
	}
	hub.Close()
	assert.Equal(t, 0, hub.Count())
	for _, s := range sessions {
		assert.True(t, s.isClosed())
	}
}
