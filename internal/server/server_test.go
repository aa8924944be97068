package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/storage"
	"github.com/dreamware/keeper/internal/testutil/testlog"
	"github.com/dreamware/keeper/internal/wire"
)

type harness struct {
	t   *testing.T
	srv *Server
	ts  *httptest.Server
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	testlog.Start(t)
	cfg := config.DefaultServerConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.MinSessionTimeout = 50 * time.Millisecond
	cfg.MaxPollWait = time.Second

	srv, err := New(store, cfg)
	require.NoError(t, err)
	return attach(t, srv)
}

func attach(t *testing.T, srv *Server) *harness {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return &harness{t: t, srv: srv, ts: ts}
}

func (h *harness) post(path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return wire.PostJSON(ctx, h.ts.Client(), h.ts.URL+path, body, out)
}

func (h *harness) open(timeout time.Duration) string {
	var resp wire.OpenSessionResponse
	require.NoError(h.t, h.post("/v1/session/open", wire.OpenSessionRequest{TimeoutMS: timeout.Milliseconds()}, &resp))
	require.NotEmpty(h.t, resp.SessionID)
	return resp.SessionID
}

func (h *harness) create(sid, path string, ephemeral bool) error {
	return h.post("/v1/nodes/create", wire.CreateRequest{SessionID: sid, Path: path, Ephemeral: ephemeral}, nil)
}

func (h *harness) poll(sid string, ack uint64, wait time.Duration) []wire.Event {
	var resp wire.PollResponse
	require.NoError(h.t, h.post("/v1/session/poll", wire.PollRequest{SessionID: sid, Ack: ack, WaitMS: wait.Milliseconds()}, &resp))
	return resp.Events
}

func TestSessionOpenClampsTimeout(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())

	var resp wire.OpenSessionResponse
	require.NoError(t, h.post("/v1/session/open", wire.OpenSessionRequest{TimeoutMS: 1}, &resp))
	assert.Equal(t, int64(50), resp.TimeoutMS)

	require.NoError(t, h.post("/v1/session/open", wire.OpenSessionRequest{TimeoutMS: 10 * 60 * 1000}, &resp))
	assert.Equal(t, int64(60_000), resp.TimeoutMS)
}

func TestNodeLifecycle(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	sid := h.open(time.Minute)

	require.NoError(t, h.create(sid, "/collections", false))
	assert.ErrorIs(t, h.create(sid, "/collections", false), wire.ErrNodeExists)
	assert.ErrorIs(t, h.create(sid, "/a/b", false), wire.ErrNoParent)
	assert.ErrorIs(t, h.create(sid, "no-slash", false), wire.ErrInvalidPath)

	var ex wire.ExistsResponse
	require.NoError(t, h.post("/v1/nodes/exists", wire.PathRequest{SessionID: sid, Path: "/collections"}, &ex))
	assert.True(t, ex.Exists)
	require.NotNil(t, ex.Stat)
	require.NoError(t, h.post("/v1/nodes/exists", wire.PathRequest{SessionID: sid, Path: "/nope"}, &ex))
	assert.False(t, ex.Exists)

	var set wire.SetResponse
	require.NoError(t, h.post("/v1/nodes/set", wire.SetRequest{SessionID: sid, Path: "/collections", Data: []byte("x"), Version: -1}, &set))
	assert.Equal(t, int32(1), set.Stat.Version)
	err := h.post("/v1/nodes/set", wire.SetRequest{SessionID: sid, Path: "/collections", Data: []byte("y"), Version: 0}, nil)
	assert.ErrorIs(t, err, wire.ErrBadVersion)

	var get wire.GetResponse
	require.NoError(t, h.post("/v1/nodes/get", wire.PathRequest{SessionID: sid, Path: "/collections"}, &get))
	assert.Equal(t, []byte("x"), get.Data)

	require.NoError(t, h.create(sid, "/collections/c1", false))
	err = h.post("/v1/nodes/delete", wire.DeleteRequest{SessionID: sid, Path: "/collections", Version: -1}, nil)
	assert.ErrorIs(t, err, wire.ErrNotEmpty)

	var kids wire.ChildrenResponse
	require.NoError(t, h.post("/v1/nodes/children", wire.PathRequest{SessionID: sid, Path: "/collections"}, &kids))
	assert.Equal(t, []string{"c1"}, kids.Children)

	require.NoError(t, h.post("/v1/nodes/delete", wire.DeleteRequest{SessionID: sid, Path: "/collections/c1", Version: -1}, nil))
	require.NoError(t, h.post("/v1/nodes/delete", wire.DeleteRequest{SessionID: sid, Path: "/collections", Version: -1}, nil))

	st := h.srv.Stats()
	assert.Equal(t, 1, st.Nodes)
	assert.Equal(t, uint64(3), st.Ops.Deletes)
}

func TestSequentialNodes(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	sid := h.open(time.Minute)
	require.NoError(t, h.create(sid, "/q", false))

	var first, second wire.CreateResponse
	require.NoError(t, h.post("/v1/nodes/create", wire.CreateRequest{SessionID: sid, Path: "/q/item-", Sequential: true}, &first))
	require.NoError(t, h.post("/v1/nodes/create", wire.CreateRequest{SessionID: sid, Path: "/q/item-", Sequential: true}, &second))
	assert.Equal(t, "/q/item-0000000000", first.Path)
	assert.Equal(t, "/q/item-0000000001", second.Path)

	err := h.post("/v1/nodes/create", wire.CreateRequest{SessionID: sid, Path: "/none/item-", Sequential: true}, nil)
	assert.ErrorIs(t, err, wire.ErrNoParent)
}

func TestUnknownSessionIsExpired(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	err := h.create("no-such-session", "/a", false)
	assert.ErrorIs(t, err, wire.ErrSessionExpired)

	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, http.StatusGone, werr.Status)
}

func TestWatchesFireOnceAndAreAcked(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	watcher := h.open(time.Minute)
	writer := h.open(time.Minute)

	require.NoError(t, h.create(writer, "/collections", false))
	require.NoError(t, h.post("/v1/nodes/children", wire.PathRequest{SessionID: watcher, Path: "/collections", Watch: true}, nil))
	require.NoError(t, h.post("/v1/nodes/exists", wire.PathRequest{SessionID: watcher, Path: "/collections/c1", Watch: true}, nil))

	require.NoError(t, h.create(writer, "/collections/c1", false))
	require.NoError(t, h.create(writer, "/collections/c2", false))

	events := h.poll(watcher, 0, 0)
	require.Len(t, events, 2, "child watch is one-shot")
	assert.Equal(t, wire.Event{Seq: 1, Type: wire.EventNodeCreated, Path: "/collections/c1"}, events[0])
	assert.Equal(t, wire.Event{Seq: 2, Type: wire.EventNodeChildrenChanged, Path: "/collections"}, events[1])

	// unacked events are redelivered, acked ones are not
	assert.Len(t, h.poll(watcher, 1, 0), 1)
	assert.Empty(t, h.poll(watcher, 2, 0))
	assert.Empty(t, h.poll(writer, 0, 0))
}

func TestPollWakesOnEvent(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	watcher := h.open(time.Minute)
	writer := h.open(time.Minute)
	require.NoError(t, h.post("/v1/nodes/exists", wire.PathRequest{SessionID: watcher, Path: "/late", Watch: true}, nil))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = h.create(writer, "/late", false)
	}()
	start := time.Now()
	events := h.poll(watcher, 0, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, wire.EventNodeCreated, events[0].Type)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestExpiryRemovesEphemeralsAndFiresWatches(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	owner := h.open(time.Minute)
	watcher := h.open(time.Minute)

	require.NoError(t, h.create(owner, "/live_nodes", false))
	require.NoError(t, h.create(owner, "/live_nodes/n1", true))
	assert.ErrorIs(t, h.create(owner, "/live_nodes/n1/x", false), wire.ErrNoChildrenForEphemerals)
	require.NoError(t, h.post("/v1/nodes/get", wire.PathRequest{SessionID: watcher, Path: "/live_nodes/n1", Watch: true}, nil))

	require.True(t, h.srv.Expire(owner))
	assert.False(t, h.srv.Expire(owner))

	events := h.poll(watcher, 0, 0)
	require.Len(t, events, 1)
	assert.Equal(t, wire.EventNodeDeleted, events[0].Type)

	var ex wire.ExistsResponse
	require.NoError(t, h.post("/v1/nodes/exists", wire.PathRequest{SessionID: watcher, Path: "/live_nodes/n1"}, &ex))
	assert.False(t, ex.Exists)
	assert.ErrorIs(t, h.create(owner, "/x", false), wire.ErrSessionExpired)
	assert.Equal(t, uint64(1), h.srv.Stats().Ops.Expiries)
}

func TestMonitorExpiresIdleSession(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.srv.Serve(ln) }()

	sid := h.open(80 * time.Millisecond)
	require.Eventually(t, func() bool {
		return h.srv.Stats().Sessions == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, h.create(sid, "/a", false), wire.ErrSessionExpired)
}

func TestShutdownRacingServe(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 20; i++ {
		srv, err := New(storage.NewMemoryStore(), config.DefaultServerConfig())
		require.NoError(t, err)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		served := make(chan error, 1)
		go func() { served <- srv.Serve(ln) }()
		require.NoError(t, srv.Shutdown(context.Background()))

		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after Shutdown")
		}
	}
}

func TestPollingKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.srv.Serve(ln) }()

	sid := h.open(80 * time.Millisecond)
	for i := 0; i < 4; i++ {
		h.poll(sid, 0, 60*time.Millisecond)
	}
	assert.NoError(t, h.create(sid, "/alive", false))
}

func TestSetWatchesRestoresWatches(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	sid := h.open(time.Minute)
	require.NoError(t, h.create(sid, "/a", false))

	require.NoError(t, h.post("/v1/session/watches", wire.SetWatchesRequest{
		SessionID: sid,
		Data:      []string{"/gone"},
		Child:     []string{"/a"},
		Exist:     []string{"/b"},
	}, nil))

	events := h.poll(sid, 0, 0)
	require.Len(t, events, 1)
	assert.Equal(t, wire.Event{Seq: 1, Type: wire.EventNodeDeleted, Path: "/gone"}, events[0])

	require.NoError(t, h.create(sid, "/b", false))
	require.NoError(t, h.create(sid, "/a/c", false))
	events = h.poll(sid, 1, 0)
	require.Len(t, events, 2)
	assert.Equal(t, "/b", events[0].Path)
	assert.Equal(t, "/a", events[1].Path)
}

func TestSessionsSurviveRestartWithSQLite(t *testing.T) {
	testlog.Start(t)
	dbPath := t.TempDir() + "/keeper.db"
	cfg := config.DefaultServerConfig()

	store, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	srv, err := New(store, cfg)
	require.NoError(t, err)
	sess, err := srv.openSession(time.Minute)
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, store.Close())

	store, err = storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()
	srv, err = New(store, cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())
	assert.Equal(t, 1, srv.Stats().Sessions)
	assert.True(t, srv.Expire(sess.id))
}

// restarted persists one session on a first server, stops it and serves the
// same SQLite store from a second one.
func restarted(t *testing.T) (*harness, string) {
	t.Helper()
	testlog.Start(t)
	store, err := storage.OpenSQLite(t.TempDir() + "/keeper.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cfg := config.DefaultServerConfig()

	first, err := New(store, cfg)
	require.NoError(t, err)
	sess, err := first.openSession(time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(storage.Node{Path: "/old"}))
	require.NoError(t, first.Shutdown(context.Background()))

	time.Sleep(2 * time.Millisecond)
	second, err := New(store, cfg)
	require.NoError(t, err)
	return attach(t, second), sess.id
}

func TestRestoredSessionNumbersEventsAboveClientAck(t *testing.T) {
	h, sid := restarted(t)

	// the client acked seven events before the restart
	require.NoError(t, h.post("/v1/session/watches", wire.SetWatchesRequest{
		SessionID: sid,
		Child:     []string{"/old"},
	}, nil))
	require.NoError(t, h.create(h.open(time.Minute), "/old/c", false))

	events := h.poll(sid, 7, 0)
	require.Len(t, events, 1)
	assert.Equal(t, wire.Event{Seq: 8, Type: wire.EventNodeChildrenChanged, Path: "/old"}, events[0])
	assert.Empty(t, h.poll(sid, 8, 0))
}

func TestSetWatchesAfterRestartFiresMissedCreation(t *testing.T) {
	h, sid := restarted(t)
	require.NoError(t, h.create(h.open(time.Minute), "/new", false))

	require.NoError(t, h.post("/v1/session/watches", wire.SetWatchesRequest{
		SessionID: sid,
		Exist:     []string{"/new", "/old", "/missing"},
	}, nil))

	events := h.poll(sid, 0, 0)
	require.Len(t, events, 1)
	assert.Equal(t, wire.Event{Seq: 1, Type: wire.EventNodeCreated, Path: "/new"}, events[0])
	assert.Equal(t, 2, h.srv.Stats().Watches, "/old and /missing stay armed")

	// only the first SetWatches after the restart looks at creation times
	require.NoError(t, h.post("/v1/session/watches", wire.SetWatchesRequest{
		SessionID: sid,
		Exist:     []string{"/new"},
	}, nil))
	assert.Len(t, h.poll(sid, 1, 0), 0)
	assert.Equal(t, 3, h.srv.Stats().Watches)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()

	var health map[string]string
	require.NoError(t, wire.GetJSON(ctx, h.ts.Client(), h.ts.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	h.open(time.Minute)
	var st wire.StatsResponse
	require.NoError(t, wire.GetJSON(ctx, h.ts.Client(), h.ts.URL+"/stats", &st))
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Nodes)

	err := h.post("/v1/nodes/create", map[string]any{"path": 12}, nil)
	assert.ErrorIs(t, err, wire.ErrBadRequest)
}
