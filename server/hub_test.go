package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quad.social/location"
)

type fakePresence struct {
	mu      sync.Mutex
	touches []string
}

func (p *fakePresence) TouchLastActive(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches = append(p.touches, userID)
	return nil
}

func (p *fakePresence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.touches)
}

func testHub(presence Presence, registry *location.Registry, heartbeat time.Duration) *Hub {
	return NewHub(presence, registry, NewMetrics(false, registry), heartbeat, zerolog.Nop())
}

func TestHub_PushDeliversToEverySession(t *testing.T) {
	hub := testHub(nil, location.NewRegistry(), time.Minute)

	s1 := hub.Register("u1")
	s2 := hub.Register("u1")
	other := hub.Register("u2")
	defer hub.Unregister(s1)
	defer hub.Unregister(s2)
	defer hub.Unregister(other)

	hub.Push("u1", "location:update", location.Update{FriendID: "f"})

	for _, s := range []*Session{s1, s2} {
		select {
		case ev := <-s.Events:
			assert.Equal(t, "location:update", ev.Type)
		default:
			t.Fatalf("session %s received nothing", s.ID)
		}
	}
	assert.Empty(t, other.Events, "other users see nothing")
}

func TestHub_PushToUnknownUserIsNoop(t *testing.T) {
	hub := testHub(nil, location.NewRegistry(), time.Minute)
	hub.Push("nobody", "location:update", nil)
}

func TestHub_PushSkipsFullBuffers(t *testing.T) {
	hub := testHub(nil, location.NewRegistry(), time.Minute)
	s := hub.Register("u1")
	defer hub.Unregister(s)

	for i := 0; i < cap(s.Events)+5; i++ {
		hub.Push("u1", "location:update", nil)
	}
	assert.Len(t, s.Events, cap(s.Events))
}

func TestHub_LastUnregisterDropsWatcherSubscriptions(t *testing.T) {
	registry := location.NewRegistry()
	hub := testHub(nil, registry, time.Minute)

	s1 := hub.Register("u1")
	s2 := hub.Register("u1")
	registry.Track("u1", "friend", time.Minute)

	hub.Unregister(s1)
	assert.True(t, registry.Watching("u1", "friend"), "a second session keeps the subscription")

	hub.Unregister(s2)
	assert.False(t, registry.Watching("u1", "friend"))
	assert.Equal(t, 0, hub.SessionCount())
}

func TestHub_UnregisterKeepsOthersSubscriptionsToUser(t *testing.T) {
	registry := location.NewRegistry()
	hub := testHub(nil, registry, time.Minute)

	s := hub.Register("u1")
	registry.Track("watcher", "u1", time.Minute)

	hub.Unregister(s)
	assert.True(t, registry.Watching("watcher", "u1"))
}

func TestHub_HeartbeatRefreshesPresence(t *testing.T) {
	presence := &fakePresence{}
	hub := testHub(presence, location.NewRegistry(), 20*time.Millisecond)

	s := hub.Register("u1")
	defer hub.Unregister(s)

	require.Equal(t, 1, presence.count(), "register touches immediately")
	assert.Eventually(t, func() bool {
		return presence.count() >= 3
	}, time.Second, 10*time.Millisecond)
}

func TestHub_UnregisterStopsHeartbeat(t *testing.T) {
	presence := &fakePresence{}
	hub := testHub(presence, location.NewRegistry(), 20*time.Millisecond)

	s := hub.Register("u1")
	hub.Unregister(s)

	// a tick already in flight may still land
	time.Sleep(30 * time.Millisecond)
	n := presence.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, presence.count())
}

func TestSession_KillIdempotent(t *testing.T) {
	hub := testHub(nil, location.NewRegistry(), time.Minute)
	s := hub.Register("u1")

	hub.Unregister(s)
	hub.Unregister(s)

	select {
	case <-s.Kill():
	default:
		t.Fatal("kill channel not closed")
	}
}
