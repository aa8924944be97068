// Package keepertest runs an in-process keeper server for tests.
package keepertest

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/logging"
	"github.com/dreamware/keeper/internal/server"
	"github.com/dreamware/keeper/internal/storage"
)

// Server is a running test server. Stop is registered with t.Cleanup.
type Server struct {
	t       testing.TB
	cfg     config.ServerConfig
	dataDir string
	addr    string

	mu    sync.Mutex
	store storage.Store
	srv   *server.Server
	done  chan struct{}
}

// Option configures a test server before it starts.
type Option func(*Server)

// Persistent stores the namespace in SQLite under a temp directory so it
// survives Restart.
func Persistent() Option {
	return func(s *Server) { s.dataDir = s.t.TempDir() }
}

// WithConfig adjusts the server configuration.
func WithConfig(fn func(*config.ServerConfig)) Option {
	return func(s *Server) { fn(&s.cfg) }
}

// Start launches a server on a free loopback port.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	logging.ConfigureTests()

	cfg := config.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TickInterval = 20 * time.Millisecond
	cfg.MinSessionTimeout = 100 * time.Millisecond
	cfg.MaxPollWait = time.Second

	s := &Server{t: t, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	require.NoError(t, err)
	s.addr = ln.Addr().String()
	s.serve(ln)
	t.Cleanup(s.Stop)
	return s
}

// Addr is the host:port clients connect to. It stays the same across
// restarts.
func (s *Server) Addr() string { return s.addr }

// Server exposes the running server, nil while stopped.
func (s *Server) Server() *server.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv
}

// Expire ends a session as the session monitor would.
func (s *Server) Expire(sessionID string) bool {
	srv := s.Server()
	if srv == nil {
		return false
	}
	return srv.Expire(sessionID)
}

// Stop shuts the server down and closes its store. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	srv, store, done := s.srv, s.store, s.done
	s.srv, s.store = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	<-done
	_ = store.Close()
}

// Restart stops the server and starts a new one on the same address. With
// Persistent, nodes and sessions carry over.
func (s *Server) Restart() {
	s.t.Helper()
	s.Stop()

	var ln net.Listener
	require.Eventually(s.t, func() bool {
		var err error
		ln, err = net.Listen("tcp", s.addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "rebind %s", s.addr)
	s.serve(ln)
}

func (s *Server) serve(ln net.Listener) {
	s.t.Helper()
	var (
		store storage.Store
		err   error
	)
	if s.dataDir != "" {
		store, err = storage.OpenSQLite(filepath.Join(s.dataDir, "keeper.db"))
		require.NoError(s.t, err)
	} else {
		store = storage.NewMemoryStore()
	}

	srv, err := server.New(store, s.cfg, server.WithLogger(logging.Component("keepertest")))
	require.NoError(s.t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil {
			s.t.Logf("keeper server: %v", err)
		}
	}()

	s.mu.Lock()
	s.store, s.srv, s.done = store, srv, done
	s.mu.Unlock()
}
