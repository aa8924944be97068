package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/observability"
	"github.com/dreamware/keeper/internal/storage"
	"github.com/dreamware/keeper/internal/wire"
)

// Server is a single-node coordination service. It does not own its
// store; the caller closes it after Shutdown.
type Server struct {
	mu       sync.Mutex
	store    storage.Store
	sessions map[string]*session
	watches  watchTable

	cfg     config.ServerConfig
	log     zerolog.Logger
	stats   opStats
	monitor *SessionMonitor
	engine  *gin.Engine
	httpSrv *http.Server

	started  time.Time // millisecond precision, like stored node times
	done     chan struct{}
	stopOnce sync.Once
}

// opStats counts served requests per operation.
type opStats struct {
	creates  atomic.Uint64
	deletes  atomic.Uint64
	reads    atomic.Uint64
	writes   atomic.Uint64
	polls    atomic.Uint64
	expiries atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger; the default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server over store and restores the sessions the store
// holds.
func New(store storage.Store, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		store:    store,
		sessions: make(map[string]*session),
		watches:  make(watchTable),
		cfg:      cfg,
		log:      zerolog.Nop(),
		started:  time.Now().UTC().Truncate(time.Millisecond),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.restoreSessions(); err != nil {
		return nil, err
	}

	s.monitor = NewSessionMonitor(cfg.TickInterval, s.log)
	s.monitor.SetOnExpired(func(id string) { s.Expire(id) })
	s.engine = s.routes()
	return s, nil
}

// Handler exposes the HTTP API, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log, "/v1/session/poll", "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware())

	v1 := r.Group("/v1")
	{
		v1.POST("/session/open", s.handleOpenSession)
		v1.POST("/session/close", s.handleCloseSession)
		v1.POST("/session/poll", s.handlePoll)
		v1.POST("/session/watches", s.handleSetWatches)

		v1.POST("/nodes/create", s.handleCreate)
		v1.POST("/nodes/delete", s.handleDelete)
		v1.POST("/nodes/exists", s.handleExists)
		v1.POST("/nodes/get", s.handleGet)
		v1.POST("/nodes/set", s.handleSet)
		v1.POST("/nodes/children", s.handleChildren)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve starts the session monitor and serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	observability.RegisterMetrics()
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	default:
	}
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.httpSrv
	// started under mu so a concurrent Shutdown either sees the loop or
	// prevents it
	s.monitor.Start(context.Background(), s.sessionHealth)
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("keeper server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the monitor, releases pending polls and stops the HTTP
// server. Sessions are left in the store so a restarted server can resume
// them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.done) })
	srv := s.httpSrv
	s.mu.Unlock()
	s.monitor.Stop()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.log.Info().Msg("keeper server stopped")
	return err
}

// Stats reports namespace size and per-operation counters.
func (s *Server) Stats() wire.StatsResponse {
	st := s.store.Stats()
	s.mu.Lock()
	sessions, watches := len(s.sessions), s.watches.count()
	s.mu.Unlock()
	return wire.StatsResponse{
		Nodes:    st.Nodes,
		Bytes:    st.Bytes,
		Sessions: sessions,
		Watches:  watches,
		Ops: wire.OperationStats{
			Creates:  s.stats.creates.Load(),
			Deletes:  s.stats.deletes.Load(),
			Reads:    s.stats.reads.Load(),
			Writes:   s.stats.writes.Load(),
			Polls:    s.stats.polls.Load(),
			Expiries: s.stats.expiries.Load(),
		},
	}
}
