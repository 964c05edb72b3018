package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/ggoodman/mcp-sessions-go/eventlog/memlog"
	"github.com/ggoodman/mcp-sessions-go/internal/metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithLogFactory selects the event log backend for new sessions. The default
// is an unbounded memlog.
func WithLogFactory(f eventlog.Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.newLog = f
		}
	}
}

// WithStateless makes every session created by the registry stateless: no
// event log, results returned on the Call handle only.
func WithStateless(stateless bool) Option {
	return func(r *Registry) { r.stateless = stateless }
}

// WithIdleTimeout terminates sessions that have had no calls, events or
// attached streams for longer than d. Zero disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithClock replaces the clock used for idle tracking.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMetrics records registry and session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator replaces uuid.NewString for session ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Registry owns the mapping from session id to Session.
type Registry struct {
	log         *slog.Logger
	newLog      eventlog.Factory
	newID       func() string
	stateless   bool
	idleTimeout time.Duration
	clock       clockwork.Clock
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	stopOnce sync.Once
	stop     chan struct{}
	reaperWG sync.WaitGroup
}

// NewRegistry creates an empty registry. When an idle timeout is configured
// a reaper goroutine runs until Close.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:      slog.Default(),
		newLog:   memlog.Factory(),
		newID:    uuid.NewString,
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.idleTimeout > 0 {
		r.reaperWG.Add(1)
		go r.reap()
	}

	return r
}

// Stateless reports whether sessions from this registry keep no event log.
func (r *Registry) Stateless() bool { return r.stateless }

// NewSession returns an uninitialized session bound to router. It becomes
// visible to Lookup once Initialize succeeds.
func (r *Registry) NewSession(router ToolRouter) *Session {
	return &Session{
		reg:       r,
		router:    router,
		log:       r.log,
		metrics:   r.metrics,
		stateless: r.stateless,
		done:      make(chan struct{}),
		state:     StateInitializing,
		pending:   make(map[string]*Call),
		subs:      make(map[*Subscription]struct{}),
	}
}

func (r *Registry) create(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateSessionID
	}
	r.sessions[id] = s
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove terminates the session registered under id, if any. It is
// idempotent.
func (r *Registry) Remove(ctx context.Context, id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return nil
	}
	return s.Terminate(ctx)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close stops the reaper and terminates every session concurrently, giving
// each at most perSession to finish. Timeouts are logged and reported in the
// returned error; they are not retried. Once Close starts, Initialize fails
// with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context, perSession time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	r.reaperWG.Wait()

	all := r.snapshot()
	if len(all) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	start := time.Now()

	for _, s := range all {
		g.Go(func() error {
			id := s.ID()
			tctx, cancel := context.WithTimeout(ctx, perSession)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- s.Terminate(tctx) }()

			var err error
			select {
			case err = <-done:
			case <-tctx.Done():
				r.log.WarnContext(ctx, "registry.close.timeout", slog.String("session_id", id), slog.Duration("timeout", perSession))
				err = tctx.Err()
			}
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("terminate session %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.InfoContext(ctx, "registry.close", slog.Int("sessions", len(all)), slog.Duration("dur", time.Since(start)))
	return errs.ErrorOrNil()
}

func (r *Registry) reap() {
	defer r.reaperWG.Done()

	interval := r.idleTimeout / 2
	if interval <= 0 {
		interval = r.idleTimeout
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.Chan():
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	now := r.clock.Now()
	for _, s := range r.snapshot() {
		last, idle := s.idleSince()
		if !idle || now.Sub(last) < r.idleTimeout {
			continue
		}
		ctx := context.Background()
		r.log.InfoContext(ctx, "registry.reap", slog.String("session_id", s.ID()), slog.Duration("idle", now.Sub(last)))
		if err := s.Terminate(ctx); err != nil {
			r.log.WarnContext(ctx, "registry.reap.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
		}
	}
}
