// Package session tracks the lifecycle of a client session and publishes
// every transition to interested components.
//
// The machine is driven by connection events:
//
//	Disconnected ──connect──▶ Connected ──loss──▶ Disconnected
//	      │                     │   ▲                 │
//	      │                   expire │ new session     │
//	      │                     ▼   │                 │
//	      └─────expire───────▶ Expired ◀──────────────┘
//
//	any state ──close──▶ Closed (terminal)
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/keeper/internal/observability"
	"github.com/dreamware/keeper/internal/wire"
)

// State is the connection/session status.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transition is one applied state change.
type Transition struct {
	From      State
	To        State
	SessionID string
	At        time.Time
}

var allowed = map[State]map[State]bool{
	StateDisconnected: {StateConnected: true, StateExpired: true, StateClosed: true},
	StateConnected:    {StateDisconnected: true, StateExpired: true, StateClosed: true},
	StateExpired:      {StateConnected: true, StateClosed: true},
	StateClosed:       {},
}

type subscriber struct {
	ch chan Transition
}

// Machine is the single owner of session state. Apply is the only
// mutation point; State and SessionID are safe to call from any goroutine.
type Machine struct {
	state   atomic.Int32
	mu      sync.Mutex
	id      string
	subs    map[*subscriber]struct{}
	changed chan struct{} // closed and replaced on every transition
	dropped atomic.Uint64
	log     zerolog.Logger
}

// NewMachine returns a machine in StateDisconnected.
func NewMachine(log zerolog.Logger) *Machine {
	m := &Machine{
		subs:    make(map[*subscriber]struct{}),
		changed: make(chan struct{}),
		log:     log,
	}
	m.state.Store(int32(StateDisconnected))
	return m
}

// State returns the current state without locking.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// SessionID returns the id of the current or most recent session.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Dropped counts transitions lost to full subscriber buffers.
func (m *Machine) Dropped() uint64 {
	return m.dropped.Load()
}

// Apply moves the machine to state to. sessionID is recorded on
// transitions into Connected; leaving Expired requires a different id.
// Transitions not in the table are ignored and reported as not applied.
func (m *Machine) Apply(to State, sessionID string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.State()
	if from == to || !allowed[from][to] {
		return Transition{}, false
	}
	if to == StateConnected {
		if sessionID == "" {
			return Transition{}, false
		}
		if from == StateExpired && sessionID == m.id {
			return Transition{}, false
		}
		m.id = sessionID
	}

	tr := Transition{From: from, To: to, SessionID: m.id, At: time.Now()}
	m.state.Store(int32(to))
	close(m.changed)
	m.changed = make(chan struct{})

	observability.RecordSessionTransition(from.String(), to.String())
	m.log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("session_id", m.id).
		Msg("session transition")

	for s := range m.subs {
		select {
		case s.ch <- tr:
		default:
			m.dropped.Add(1)
			observability.RecordDroppedNotification()
			m.log.Warn().Str("to", to.String()).Msg("session subscriber buffer full, transition dropped")
		}
	}
	if to == StateClosed {
		for s := range m.subs {
			close(s.ch)
		}
		m.subs = map[*subscriber]struct{}{}
	}
	return tr, true
}

// Subscribe returns a channel receiving every later transition in order
// and a cancel func. The channel is closed on cancel or when the machine
// reaches StateClosed.
func (m *Machine) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Transition, buffer)}

	m.mu.Lock()
	if m.State() == StateClosed {
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[s]; ok {
				delete(m.subs, s)
				close(s.ch)
			}
		})
	}
}

// Check fails fast once the machine is closed.
func (m *Machine) Check() error {
	if m.State() == StateClosed {
		return wire.ErrClosed
	}
	return nil
}

// WaitConnected blocks until the machine is Connected.
func (m *Machine) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state := m.State()
		changed := m.changed
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			return wire.ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
