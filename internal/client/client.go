package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/conn"
	"github.com/dreamware/keeper/internal/retry"
	"github.com/dreamware/keeper/internal/session"
	"github.com/dreamware/keeper/internal/watch"
	"github.com/dreamware/keeper/internal/wire"
)

// ErrNotStarted is returned by operations on a client before Start.
var ErrNotStarted = errors.New("client not started")

// Aliases so callers need not import the watch package.
type (
	Handler     = watch.Handler
	HandlerFunc = watch.HandlerFunc
	Event       = watch.Event
)

// Client is a resilient keeper client. It is safe for concurrent use.
type Client struct {
	cfg     config.ClientConfig
	log     zerolog.Logger
	machine *session.Machine
	exec    *retry.Executor
	watches *watch.Dispatcher

	connOpts  []conn.Option
	retryOpts []retry.Option

	mu     sync.RWMutex
	conn   *conn.Conn
	routed chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the parent logger. Each component logs through a child
// tagged with its name.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithConnOptions passes options to the connection layer.
func WithConnOptions(opts ...conn.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// WithRetryOptions passes options to the retry executor, after the ones
// derived from the configuration.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) { c.retryOpts = append(c.retryOpts, opts...) }
}

// New builds a client from cfg. Nothing is dialed until Start.
func New(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	c.machine = session.NewMachine(c.log.With().Str("component", "session").Logger())
	retryOpts := append([]retry.Option{
		retry.WithDelay(cfg.RetryDelay),
		retry.WithLogger(c.log.With().Str("component", "retry").Logger()),
	}, c.retryOpts...)
	c.exec = retry.New(cfg.RetryBudget, retryOpts...)
	c.watches = watch.NewDispatcher(
		watch.WithMaxConcurrent(cfg.MaxConcurrentHandlers),
		watch.WithLogger(c.log.With().Str("component", "watch").Logger()),
	)
	return c, nil
}

// Connect is New followed by Start.
func Connect(ctx context.Context, cfg config.ClientConfig, opts ...Option) (*Client, error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Start connects and waits up to the connect timeout for the first
// session.
func (c *Client) Start(ctx context.Context) error {
	if err := c.machine.Check(); err != nil {
		return err
	}
	var err error
	c.startOnce.Do(func() {
		opts := append([]conn.Option{
			conn.WithLogger(c.log.With().Str("component", "conn").Logger()),
			conn.WithRequestTimeout(c.cfg.RequestTimeout),
		}, c.connOpts...)
		var (
			cn     *conn.Conn
			events <-chan conn.Event
		)
		cn, events, err = conn.Connect(c.cfg.Address, c.cfg.SessionTimeout, opts...)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = cn
		c.routed = make(chan struct{})
		c.mu.Unlock()
		go c.route(events)
	})
	if err != nil {
		return err
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := c.machine.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Address, err)
	}
	return nil
}

// Close ends the session and releases everything. Later operations fail
// with wire.ErrClosed. Close waits for running watch handlers, so it must
// not be called from one.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.machine.Apply(session.StateClosed, "")
		c.mu.RLock()
		cn, routed := c.conn, c.routed
		c.mu.RUnlock()
		if cn != nil {
			_ = cn.Close()
			<-routed
		}
		c.watches.Close()
	})
	return nil
}

// State is the current session state.
func (c *Client) State() session.State { return c.machine.State() }

// SessionID is the id of the current or most recent session.
func (c *Client) SessionID() string { return c.machine.SessionID() }

// Subscribe delivers every later session transition; see session.Machine.
func (c *Client) Subscribe(buffer int) (<-chan session.Transition, func()) {
	return c.machine.Subscribe(buffer)
}

// WaitConnected blocks until a session is established.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.machine.WaitConnected(ctx)
}

// Retry runs op under the client's retry executor. op should report
// connectivity failures as wire.ErrConnectionLoss to have them retried.
func (c *Client) Retry(ctx context.Context, op func(context.Context) error) error {
	return c.exec.Do(ctx, func(ctx context.Context) error {
		if err := c.machine.Check(); err != nil {
			return err
		}
		return op(ctx)
	})
}

func (c *Client) connection() (*conn.Conn, error) {
	if err := c.machine.Check(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotStarted
	}
	return c.conn, nil
}

// route applies connection events in order: session events drive the
// state machine, watch events go to the dispatcher.
func (c *Client) route(events <-chan conn.Event) {
	defer close(c.routed)
	for ev := range events {
		switch ev.Kind {
		case conn.EventSession:
			prevID := c.machine.SessionID()
			tr, ok := c.machine.Apply(ev.State, ev.SessionID)
			if !ok {
				continue
			}
			switch {
			case tr.To == session.StateExpired:
				if n := c.watches.Reset(); n > 0 {
					c.log.Warn().Int("watches", n).Str("session_id", ev.SessionID).Msg("dropped watches of expired session")
				}
			case tr.To == session.StateConnected && tr.From == session.StateDisconnected && prevID == ev.SessionID:
				go c.restoreWatches(ev.SessionID)
			}
		case conn.EventWatch:
			c.watches.Dispatch(watch.Event{Type: ev.Type, Path: ev.Path})
		}
	}
}

// restoreWatches re-installs outstanding watches after reconnecting to the
// same session, in case the server lost them.
func (c *Client) restoreWatches(sessionID string) {
	out := c.watches.Outstanding()
	if len(out) == 0 {
		return
	}
	err := c.Retry(context.Background(), func(ctx context.Context) error {
		cn, err := c.connection()
		if err != nil {
			return err
		}
		return cn.SetWatches(ctx, out[wire.WatchData], out[wire.WatchExist], out[wire.WatchChild])
	})
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("restore watches")
		return
	}
	c.log.Debug().
		Int("data", len(out[wire.WatchData])).
		Int("exist", len(out[wire.WatchExist])).
		Int("child", len(out[wire.WatchChild])).
		Msg("watches restored")
}
