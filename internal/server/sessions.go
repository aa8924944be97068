package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/keeper/internal/observability"
	"github.com/dreamware/keeper/internal/storage"
	"github.com/dreamware/keeper/internal/wire"
)

// session is the server side of one client session. All fields are
// guarded by Server.mu.
type session struct {
	id       string
	timeout  time.Duration
	lastSeen time.Time
	polling  int
	// restored marks a session reloaded from the store whose watches have
	// not been re-installed yet.
	restored bool

	seq    uint64
	events []wire.Event
	wake   chan struct{} // closed and replaced when an event is queued
	gone   chan struct{} // closed when the session ends
}

func newSession(id string, timeout time.Duration) *session {
	return &session{
		id:       id,
		timeout:  timeout,
		lastSeen: time.Now(),
		wake:     make(chan struct{}),
		gone:     make(chan struct{}),
	}
}

func (s *session) push(t wire.EventType, path string) {
	s.seq++
	s.events = append(s.events, wire.Event{Seq: s.seq, Type: t, Path: path})
	close(s.wake)
	s.wake = make(chan struct{})
}

// rebase lifts the event numbering above ack. A session restored after a
// restart starts counting from zero while its client still holds the ack
// it had before; queued events keep their order.
func (s *session) rebase(ack uint64) {
	if ack <= s.seq {
		return
	}
	for i := range s.events {
		s.events[i].Seq += ack
	}
	s.seq += ack
}

// ack discards events the client has confirmed.
func (s *session) ack(seq uint64) {
	i := 0
	for i < len(s.events) && s.events[i].Seq <= seq {
		i++
	}
	s.events = s.events[i:]
}

func (s *session) pending() []wire.Event {
	out := make([]wire.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Server) clampTimeout(requested time.Duration) time.Duration {
	if requested < s.cfg.MinSessionTimeout {
		return s.cfg.MinSessionTimeout
	}
	if requested > s.cfg.MaxSessionTimeout {
		return s.cfg.MaxSessionTimeout
	}
	return requested
}

func (s *Server) openSession(requested time.Duration) (*session, error) {
	sess := newSession(uuid.NewString(), s.clampTimeout(requested))
	if err := s.store.PutSession(storage.Session{ID: sess.id, Timeout: sess.timeout, CreatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SetLiveSessions(n)
	s.log.Info().Str("session_id", sess.id).Dur("timeout", sess.timeout).Msg("session opened")
	return sess, nil
}

// touch renews the lease of id. Callers hold s.mu.
func (s *Server) touch(id string) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, wire.ErrSessionExpired
	}
	sess.lastSeen = time.Now()
	return sess, nil
}

// Expire ends session id as if its lease had run out: its ephemeral nodes
// are deleted, watches on them fire, and the next request carrying the id
// fails with session_expired. It reports whether the session existed.
func (s *Server) Expire(id string) bool {
	if !s.endSession(id) {
		return false
	}
	s.stats.expiries.Add(1)
	observability.RecordSessionExpired()
	return true
}

func (s *Server) endSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	s.watches.dropSession(id)
	close(sess.gone)

	owned, err := s.store.Owned(id)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("list ephemeral nodes")
	}
	// reverse order: children sort after their parents
	for i := len(owned) - 1; i >= 0; i-- {
		if err := s.store.Delete(owned[i], storage.AnyVersion); err != nil {
			s.log.Warn().Err(err).Str("path", owned[i]).Msg("delete ephemeral node")
			continue
		}
		s.fireDeleted(owned[i])
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if err := s.store.RemoveSession(id); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("remove session record")
	}
	observability.SetLiveSessions(n)
	s.log.Info().Str("session_id", id).Int("ephemerals", len(owned)).Msg("session ended")
	return true
}

// poll acknowledges events up to ack, then waits up to wait for new ones.
func (s *Server) poll(ctx context.Context, id string, ack uint64, wait time.Duration) ([]wire.Event, error) {
	if wait > s.cfg.MaxPollWait {
		wait = s.cfg.MaxPollWait
	}

	s.mu.Lock()
	sess, err := s.touch(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess.rebase(ack)
	sess.ack(ack)
	if len(sess.events) > 0 || wait <= 0 {
		events := sess.pending()
		s.mu.Unlock()
		return events, nil
	}
	sess.polling++
	wake, gone := sess.wake, sess.gone
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
	case <-s.done:
	case <-gone:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.polling--
	sess.lastSeen = time.Now()
	if _, ok := s.sessions[id]; !ok {
		return nil, wire.ErrSessionExpired
	}
	return sess.pending(), nil
}

func (s *Server) sessionHealth() []SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionHealth, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionHealth{
			ID:       sess.id,
			LastSeen: sess.lastSeen,
			Timeout:  sess.timeout,
			Polling:  sess.polling > 0,
		})
	}
	return out
}

// restoreSessions reloads persisted sessions with a fresh lease so clients
// of a restarted server can resume them.
func (s *Server) restoreSessions() error {
	records, err := s.store.Sessions()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range records {
		sess := newSession(r.ID, r.Timeout)
		sess.restored = true
		s.sessions[r.ID] = sess
	}
	n := len(s.sessions)
	s.mu.Unlock()
	observability.SetLiveSessions(n)
	if len(records) > 0 {
		s.log.Info().Int("sessions", len(records)).Msg("restored sessions")
	}
	return nil
}
