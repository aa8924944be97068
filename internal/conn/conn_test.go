package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keeper/internal/session"
	"github.com/dreamware/keeper/internal/testutil/keepertest"
	"github.com/dreamware/keeper/internal/testutil/testlog"
	"github.com/dreamware/keeper/internal/wire"
)

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func nextSession(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for {
		ev := next(t, events)
		if ev.Kind == EventSession {
			return ev
		}
	}
}

func connect(t *testing.T, addr string) (*Conn, <-chan Event) {
	t.Helper()
	c, events, err := Connect(addr, time.Second, WithReconnectBackOff(10*time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ev := nextSession(t, events)
	require.Equal(t, session.StateConnected, ev.State)
	require.Equal(t, ev.SessionID, c.SessionID())
	return c, events
}

func TestConnectValidatesArguments(t *testing.T) {
	_, _, err := Connect(" ", time.Second)
	assert.Error(t, err)
	_, _, err = Connect("127.0.0.1:1", 0)
	assert.Error(t, err)
}

func TestOperations(t *testing.T) {
	testlog.Start(t)
	srv := keepertest.Start(t)
	c, _ := connect(t, srv.Addr())
	ctx := context.Background()

	p, err := c.Create(ctx, "/a", []byte("hello"), false, false)
	require.NoError(t, err)
	assert.Equal(t, "/a", p)

	stat, err := c.Exists(ctx, "/a", false)
	require.NoError(t, err)
	require.NotNil(t, stat)
	stat, err = c.Exists(ctx, "/b", false)
	require.NoError(t, err)
	assert.Nil(t, stat)

	data, _, err := c.Get(ctx, "/a", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	st, err := c.Set(ctx, "/a", []byte("bye"), -1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.Version)

	_, err = c.Create(ctx, "/a/b", nil, false, false)
	require.NoError(t, err)
	kids, err := c.Children(ctx, "/a", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, kids)

	assert.ErrorIs(t, c.Delete(ctx, "/a", -1), wire.ErrNotEmpty)
	_, err = c.Create(ctx, "/x/y", nil, false, false)
	assert.ErrorIs(t, err, wire.ErrNoParent)
}

func TestWatchEventsAreDeliveredOnce(t *testing.T) {
	testlog.Start(t)
	srv := keepertest.Start(t)
	c, events := connect(t, srv.Addr())
	ctx := context.Background()

	_, err := c.Create(ctx, "/w", nil, false, false)
	require.NoError(t, err)
	_, err = c.Children(ctx, "/w", true)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/w/1", nil, false, false)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/w/2", nil, false, false)
	require.NoError(t, err)

	ev := next(t, events)
	assert.Equal(t, EventWatch, ev.Kind)
	assert.Equal(t, wire.EventNodeChildrenChanged, ev.Type)
	assert.Equal(t, "/w", ev.Path)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestExpiryEstablishesNewSession(t *testing.T) {
	testlog.Start(t)
	srv := keepertest.Start(t)
	c, events := connect(t, srv.Addr())
	old := c.SessionID()

	require.True(t, srv.Expire(old))
	ev := nextSession(t, events)
	assert.Equal(t, session.StateExpired, ev.State)
	assert.Equal(t, old, ev.SessionID)

	ev = nextSession(t, events)
	assert.Equal(t, session.StateConnected, ev.State)
	assert.NotEqual(t, old, ev.SessionID)
	assert.Equal(t, ev.SessionID, c.SessionID())
}

func TestDisconnectAndReconnect(t *testing.T) {
	testlog.Start(t)
	srv := keepertest.Start(t, keepertest.Persistent())
	c, events := connect(t, srv.Addr())
	sid := c.SessionID()

	srv.Stop()
	ev := nextSession(t, events)
	assert.Equal(t, session.StateDisconnected, ev.State)

	_, err := c.Exists(context.Background(), "/", false)
	assert.ErrorIs(t, err, wire.ErrConnectionLoss)

	srv.Restart()
	ev = nextSession(t, events)
	assert.Equal(t, session.StateConnected, ev.State)
	assert.Equal(t, sid, ev.SessionID, "persistent server keeps the session")
}

func TestClosedConnRejectsOperations(t *testing.T) {
	testlog.Start(t)
	srv := keepertest.Start(t)
	c, events := connect(t, srv.Addr())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Exists(context.Background(), "/", false)
	assert.ErrorIs(t, err, wire.ErrClosed)

	for range events {
	}
	assert.Eventually(t, func() bool {
		return srv.Server().Stats().Sessions == 0
	}, time.Second, 10*time.Millisecond)
}
