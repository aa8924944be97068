// Package conn is the connection layer between the client and a keeper
// server. A Conn holds one session at a time, keeps it alive with a
// long-poll loop, and reports session and watch events on a single ordered
// channel:
//
//	Connect ──open──▶ Connected ──poll fails──▶ Disconnected ──poll ok──▶ Connected
//	                      │                          │
//	                      └──── session_expired ─────┴──▶ Expired ──open──▶ Connected (new id)
//
// Operations never block waiting for a session. Without one they fail with
// wire.ErrConnectionLoss, which the retry executor treats as transient.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dreamware/keeper/internal/session"
	"github.com/dreamware/keeper/internal/wire"
)

// EventKind separates session events from watch events.
type EventKind int

const (
	EventSession EventKind = iota
	EventWatch
)

// Event is delivered in order on the channel returned by Connect.
type Event struct {
	Kind EventKind

	// EventSession
	State     session.State
	SessionID string

	// EventWatch
	Type wire.EventType
	Path string
}

// Conn is safe for concurrent use.
type Conn struct {
	base           string
	hc             *http.Client
	timeout        time.Duration
	requestTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
	log            zerolog.Logger

	mu         sync.RWMutex
	sid        string
	negotiated time.Duration

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger for connection and session messages.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithRequestTimeout bounds a single operation round trip.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithReconnectBackOff sets the exponential backoff range between
// reconnect attempts.
func WithReconnectBackOff(min, max time.Duration) Option {
	return func(c *Conn) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// WithHTTPClient replaces the HTTP client used for every request. Its own
// timeout should exceed the poll wait.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Conn) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// Connect starts a connection to address (host:port or a base URL) asking
// for a session of sessionTimeout. It returns at once; the first session
// event on the channel tells whether a session was established. The
// channel is closed after Close.
func Connect(address string, sessionTimeout time.Duration, opts ...Option) (*Conn, <-chan Event, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil, fmt.Errorf("connect: address is required")
	}
	if sessionTimeout <= 0 {
		return nil, nil, fmt.Errorf("connect: session timeout must be positive")
	}
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		base:           strings.TrimRight(base, "/"),
		hc:             &http.Client{},
		timeout:        sessionTimeout,
		requestTimeout: 2 * time.Second,
		minBackoff:     20 * time.Millisecond,
		maxBackoff:     time.Second,
		log:            zerolog.Nop(),
		events:         make(chan Event, 256),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop()
	return c, c.events, nil
}

// SessionID returns the current session id, or "" between sessions.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// SessionTimeout returns the timeout negotiated for the current session.
func (c *Conn) SessionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiated
}

// Close ends the session on the server (best effort) and stops the loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		sid := c.SessionID()
		c.cancel()
		<-c.done
		if sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
			defer cancel()
			if err := wire.PostJSON(ctx, c.hc, c.base+"/v1/session/close", wire.SessionRequest{SessionID: sid}, nil); err != nil {
				c.log.Debug().Err(err).Msg("close session")
			}
		}
	})
	return nil
}

func (c *Conn) loop() {
	defer close(c.done)
	defer close(c.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minBackoff
	bo.MaxInterval = c.maxBackoff

	var ack uint64
	connected := false
	for c.ctx.Err() == nil {
		sid := c.SessionID()
		if sid == "" {
			resp, err := c.open()
			if err != nil {
				c.log.Debug().Err(err).Msg("open session failed")
				c.sleep(bo.NextBackOff())
				continue
			}
			c.mu.Lock()
			c.sid = resp.SessionID
			c.negotiated = time.Duration(resp.TimeoutMS) * time.Millisecond
			c.mu.Unlock()
			ack, connected = 0, true
			bo.Reset()
			c.log.Info().Str("session_id", resp.SessionID).Msg("session established")
			c.emit(Event{Kind: EventSession, State: session.StateConnected, SessionID: resp.SessionID})
			continue
		}

		events, err := c.poll(sid, ack)
		switch {
		case err == nil:
			bo.Reset()
			if !connected {
				connected = true
				c.log.Info().Str("session_id", sid).Msg("reconnected")
				c.emit(Event{Kind: EventSession, State: session.StateConnected, SessionID: sid})
			}
			for _, ev := range events {
				if ev.Seq <= ack {
					continue
				}
				ack = ev.Seq
				c.emit(Event{Kind: EventWatch, Type: ev.Type, Path: ev.Path, SessionID: sid})
			}
		case errors.Is(err, wire.ErrSessionExpired):
			c.mu.Lock()
			if c.sid == sid {
				c.sid = ""
			}
			c.mu.Unlock()
			ack, connected = 0, false
			c.log.Warn().Str("session_id", sid).Msg("session expired")
			c.emit(Event{Kind: EventSession, State: session.StateExpired, SessionID: sid})
		default:
			if c.ctx.Err() != nil {
				return
			}
			if connected {
				connected = false
				c.log.Warn().Err(err).Str("session_id", sid).Msg("connection lost")
				c.emit(Event{Kind: EventSession, State: session.StateDisconnected, SessionID: sid})
			}
			c.sleep(bo.NextBackOff())
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.ctx.Done():
	}
}

func (c *Conn) open() (wire.OpenSessionResponse, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
	defer cancel()
	var resp wire.OpenSessionResponse
	err := wire.PostJSON(ctx, c.hc, c.base+"/v1/session/open", wire.OpenSessionRequest{TimeoutMS: c.timeout.Milliseconds()}, &resp)
	return resp, err
}

// poll waits for half the session timeout; an open poll holds the lease.
func (c *Conn) poll(sid string, ack uint64) ([]wire.Event, error) {
	wait := c.SessionTimeout() / 2
	ctx, cancel := context.WithTimeout(c.ctx, wait+c.requestTimeout)
	defer cancel()
	var resp wire.PollResponse
	err := wire.PostJSON(ctx, c.hc, c.base+"/v1/session/poll", wire.PollRequest{
		SessionID: sid,
		Ack:       ack,
		WaitMS:    wait.Milliseconds(),
	}, &resp)
	return resp.Events, err
}
