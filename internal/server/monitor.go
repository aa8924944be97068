package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionHealth is the liveness view of one session used by the monitor.
type SessionHealth struct {
	ID       string
	LastSeen time.Time
	Timeout  time.Duration
	Polling  bool // a long poll is in progress
}

// Expired reports whether the lease of h has run out at now. A session with
// an open poll is alive regardless of LastSeen.
func (h SessionHealth) Expired(now time.Time) bool {
	return !h.Polling && now.Sub(h.LastSeen) > h.Timeout
}

// SessionMonitor periodically checks session leases and reports the ones
// that were not renewed in time.
// Thread-safe: Start and Stop may be called from different goroutines.
type SessionMonitor struct {
	onExpired func(id string)
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	wg        sync.WaitGroup
	log       zerolog.Logger
}

// NewSessionMonitor creates a monitor ticking every interval.
//
// Example:
//
//	monitor := NewSessionMonitor(200*time.Millisecond, log)
//	monitor.SetOnExpired(srv.Expire)
//	monitor.Start(ctx, srv.sessionHealth)
//	defer monitor.Stop()
func NewSessionMonitor(interval time.Duration, log zerolog.Logger) *SessionMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionMonitor{
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
}

// SetOnExpired sets the callback invoked for every session whose lease ran
// out. It is called from the monitor goroutine, one session at a time.
func (m *SessionMonitor) SetOnExpired(callback func(id string)) {
	m.onExpired = callback
}

// Start launches the monitor loop in its own goroutine. The loop runs
// until ctx or Stop ends it, so Stop may follow Start immediately.
//
// Parameters:
//   - ctx: Context for cancellation (nil uses the monitor's own)
//   - provider: Returns a snapshot of the current sessions
func (m *SessionMonitor) Start(ctx context.Context, provider func() []SessionHealth) {
	if ctx == nil {
		ctx = m.ctx
	}
	m.wg.Add(1)
	go m.run(ctx, provider)
}

func (m *SessionMonitor) run(ctx context.Context, provider func() []SessionHealth) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Debug().Dur("interval", m.interval).Msg("session monitor started")

	for {
		select {
		case <-ticker.C:
			m.checkAll(provider())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to return.
func (m *SessionMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *SessionMonitor) checkAll(sessions []SessionHealth) {
	now := m.now()
	for _, h := range sessions {
		if !h.Expired(now) {
			continue
		}
		m.log.Info().
			Str("session_id", h.ID).
			Dur("idle", now.Sub(h.LastSeen)).
			Dur("timeout", h.Timeout).
			Msg("session lease expired")
		if m.onExpired != nil {
			m.onExpired(h.ID)
		}
	}
}
