package watch

import (
	"cmp"
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/keeper/internal/observability"
	"github.com/dreamware/keeper/internal/wire"
)

// Event is what a handler receives when its watch fires.
type Event struct {
	Type wire.EventType
	Path string
}

// Handler observes one fired watch.
type Handler interface {
	Process(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// Process calls f(e).
func (f HandlerFunc) Process(e Event) { f(e) }

// Registration is one outstanding one-shot watch.
type Registration struct {
	id      uint64
	kind    wire.WatchKind
	path    string
	handler Handler
}

// Kind is the watch kind the registration was made with.
func (r *Registration) Kind() wire.WatchKind { return r.kind }

// Path is the watched node path.
func (r *Registration) Path() string { return r.path }

type key struct {
	path string
	kind wire.WatchKind
}

// lane runs the queued handler invocations for one path in FIFO order.
type lane struct {
	queue   []job
	running bool
}

type job struct {
	ev  Event
	reg *Registration
}

// Dispatcher holds one-shot registrations and runs fired handlers.
// Handlers for different paths run concurrently; handlers for the same
// path run one after another in event order. The bookkeeping lock is never
// held while a handler runs, so handlers may register again from inside
// their own invocation.
type Dispatcher struct {
	mu         sync.Mutex
	registered map[key]map[uint64]*Registration
	lanes      map[string]*lane
	nextID     uint64
	closed     bool

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	log zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrent bounds the number of handlers executing at once.
// n <= 0 leaves it unbounded.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher returns an empty dispatcher with unbounded concurrency
// unless WithMaxConcurrent says otherwise.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registered: make(map[key]map[uint64]*Registration),
		lanes:      make(map[string]*lane),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a one-shot watch of kind on path. It returns nil once the
// dispatcher is closed.
func (d *Dispatcher) Register(kind wire.WatchKind, path string, h Handler) *Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || h == nil {
		return nil
	}
	d.nextID++
	reg := &Registration{id: d.nextID, kind: kind, path: path, handler: h}
	k := key{path: path, kind: kind}
	if d.registered[k] == nil {
		d.registered[k] = make(map[uint64]*Registration)
	}
	d.registered[k][reg.id] = reg
	return reg
}

// Cancel removes a registration that has not fired. It reports whether the
// registration was still outstanding.
func (d *Dispatcher) Cancel(reg *Registration) bool {
	if reg == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{path: reg.path, kind: reg.kind}
	regs := d.registered[k]
	if _, ok := regs[reg.id]; !ok {
		return false
	}
	delete(regs, reg.id)
	if len(regs) == 0 {
		delete(d.registered, k)
	}
	return true
}

// Dispatch fires every registration on ev.Path whose kind is triggered by
// ev.Type. Each fired registration is removed and its handler scheduled
// exactly once. It returns the number of handlers scheduled.
func (d *Dispatcher) Dispatch(ev Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	var fired []*Registration
	for _, kind := range []wire.WatchKind{wire.WatchData, wire.WatchExist, wire.WatchChild} {
		if !kind.Triggers(ev.Type) {
			continue
		}
		k := key{path: ev.Path, kind: kind}
		for _, reg := range d.registered[k] {
			fired = append(fired, reg)
		}
		delete(d.registered, k)
	}
	if len(fired) == 0 {
		return 0
	}
	slices.SortFunc(fired, func(a, b *Registration) int { return cmp.Compare(a.id, b.id) })

	l := d.lanes[ev.Path]
	if l == nil {
		l = &lane{}
		d.lanes[ev.Path] = l
	}
	for _, reg := range fired {
		l.queue = append(l.queue, job{ev: ev, reg: reg})
	}
	if !l.running {
		l.running = true
		d.wg.Add(1)
		go d.run(ev.Path, l)
	}
	return len(fired)
}

func (d *Dispatcher) run(path string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(d.lanes, path)
			d.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.invoke(j)
	}
}

func (d *Dispatcher) invoke(j job) {
	if d.sem != nil {
		// Acquire fails only on a done context; Background never is.
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			d.log.Error().Err(err).Str("path", j.ev.Path).Msg("watch handler slot unavailable")
			return
		}
		defer d.sem.Release(1)
	}
	observability.WatchHandlerStarted(string(j.ev.Type))
	defer observability.WatchHandlerDone()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Str("path", j.ev.Path).
				Str("type", string(j.ev.Type)).
				Msg("watch handler panicked")
		}
	}()
	j.reg.handler.Process(j.ev)
}

// Outstanding lists the paths with registrations, per kind, sorted.
func (d *Dispatcher) Outstanding() map[wire.WatchKind][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[wire.WatchKind][]string)
	for k := range d.registered {
		out[k.kind] = append(out[k.kind], k.path)
	}
	for kind := range out {
		slices.Sort(out[kind])
	}
	return out
}

// Reset drops every outstanding registration without firing it. Handlers
// already scheduled still run.
func (d *Dispatcher) Reset() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, regs := range d.registered {
		n += len(regs)
	}
	d.registered = make(map[key]map[uint64]*Registration)
	return n
}

// InFlight returns the paths whose handlers are running or queued.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.lanes))
	for p := range d.lanes {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Wait blocks until every scheduled handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting registrations and events, drops outstanding
// registrations and waits for running handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.registered = make(map[key]map[uint64]*Registration)
	d.mu.Unlock()
	d.wg.Wait()
}
