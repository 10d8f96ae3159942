package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/mcpservice"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultShards           = 16
	DefaultInboundQueueSize = 64
	DefaultIdleTimeout      = 5 * time.Minute

	shutdownConcurrency = 32
)

// Registry maps session IDs to live sessions. Lookups on different shards
// never contend, and session traffic itself takes no registry lock.
type Registry struct {
	broker  broker.Broker
	factory mcpservice.Factory

	log         *slog.Logger
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	info        mcp.ImplementationInfo
	maxSessions int
	queueSize   int
	idleTimeout time.Duration
	numShards   int

	shards  []*shard
	count   atomic.Int64
	closing atomic.Bool
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = logctx.Wrap(l) }
}

// WithClock replaces the clock used for idle tracking and the reaper.
func WithClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

func WithShards(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.numShards = n
		}
	}
}

// WithMaxSessions caps concurrently open sessions. Zero means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// WithInboundQueueSize bounds each session's queue of undispatched messages.
func WithInboundQueueSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithIdleTimeout sets how long a session may stay without an attached
// stream before the reaper closes it.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) RegistryOption {
	return func(r *Registry) { r.info = info }
}

// NewRegistry creates an empty registry whose sessions log to b and get their
// services from f.
func NewRegistry(b broker.Broker, f mcpservice.Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		broker:      b,
		factory:     f,
		log:         logctx.Wrap(nil),
		clock:       clockwork.NewRealClock(),
		info:        mcp.ImplementationInfo{Name: "mcp-sse-go", Version: "dev"},
		queueSize:   DefaultInboundQueueSize,
		idleTimeout: DefaultIdleTimeout,
		numShards:   DefaultShards,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.shards = make([]*shard, r.numShards)
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}

	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Open creates a session with a fresh ID and service instance and starts its
// dispatch loop.
func (r *Registry) Open(ctx context.Context) (*Session, error) {
	if r.closing.Load() {
		return nil, ErrRegistryClosed
	}
	if n := r.count.Add(1); r.maxSessions > 0 && n > int64(r.maxSessions) {
		r.count.Add(-1)
		r.log.WarnContext(ctx, "session.open.exhausted", slog.Int("max_sessions", r.maxSessions))
		return nil, ErrRegistryExhausted
	}

	id := uuid.NewString()

	svc, err := r.factory.NewService(ctx, id)
	if err != nil {
		r.count.Add(-1)
		r.log.ErrorContext(ctx, "session.open.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		return nil, fmt.Errorf("create service for session %s: %w", id, err)
	}

	sessCtx, cancel := context.WithCancelCause(logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: id}))
	now := r.clock.Now()

	s := &Session{
		id:         id,
		reg:        r,
		instance:   mcpservice.Bind(svc, r.info),
		createdAt:  now,
		ctx:        sessCtx,
		cancel:     cancel,
		inbound:    make(chan *jsonrpc.Request, r.queueSize),
		loopDone:   make(chan struct{}),
		cursor:     broker.Beginning,
		detachedAt: now,
	}

	// Re-checked under the shard lock so Shutdown's sweep cannot miss it.
	sh := r.shardFor(id)
	sh.mu.Lock()
	if r.closing.Load() {
		sh.mu.Unlock()
		r.count.Add(-1)
		cancel(ErrSessionClosed)
		if err := s.instance.Close(); err != nil {
			r.log.WarnContext(sessCtx, "session.open.close.fail", slog.String("err", err.Error()))
		}
		return nil, ErrRegistryClosed
	}
	sh.sessions[id] = s
	sh.mu.Unlock()

	go s.run()

	r.metrics.SessionOpened()
	r.log.InfoContext(sessCtx, "session.open.ok")

	return s, nil
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()

	if !ok || s.Closed() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close ends the session with the given id. Closing an unknown session
// returns ErrSessionNotFound.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.closeWith(ctx, id, metrics.ReasonDeleted)
}

func (r *Registry) closeWith(ctx context.Context, id string, reason string) error {
	s := r.remove(id)
	if s == nil || !s.markClosed() {
		return ErrSessionNotFound
	}
	return r.finish(ctx, s, reason)
}

func (r *Registry) remove(id string) *Session {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok {
		return nil
	}
	delete(sh.sessions, id)
	r.count.Add(-1)
	return s
}

// finish tears down a session already marked closed and removed.
func (r *Registry) finish(ctx context.Context, s *Session, reason string) error {
	err := s.teardown(ctx)
	r.metrics.SessionClosed(reason)

	if err != nil {
		r.log.WarnContext(s.ctx, "session.close.fail", slog.String("reason", reason), slog.String("err", err.Error()))
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	r.log.InfoContext(s.ctx, "session.close.ok", slog.String("reason", reason), slog.Duration("age", r.clock.Since(s.createdAt)))
	return nil
}

// Range calls fn for each open session until fn returns false. Sessions
// opened or closed during the walk may or may not be visited.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		batch := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			batch = append(batch, s)
		}
		sh.mu.RUnlock()

		for _, s := range batch {
			if !fn(s) {
				return
			}
		}
	}
}

// Len returns the number of sessions in the registry.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Reap closes sessions that have had no attached stream for at least the
// idle timeout as of now, returning how many were closed.
func (r *Registry) Reap(now time.Time) int {
	var idle []*Session
	r.Range(func(s *Session) bool {
		if s.expire(now, r.idleTimeout) {
			idle = append(idle, s)
		}
		return true
	})

	for _, s := range idle {
		r.remove(s.id)
		_ = r.finish(context.Background(), s, metrics.ReasonIdle)
	}
	return len(idle)
}

// Run reaps idle sessions periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := r.Reap(r.clock.Now()); n > 0 {
				r.log.InfoContext(ctx, "session.reap", slog.Int("reaped", n))
			}
		}
	}
}

// Shutdown closes every session concurrently and rejects further Opens.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closing.Store(true)

	var all []*Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			delete(sh.sessions, id)
			r.count.Add(-1)
			if s.markClosed() {
				all = append(all, s)
			}
		}
		sh.mu.Unlock()
	}

	p := pool.New().WithErrors().WithMaxGoroutines(shutdownConcurrency)
	for _, s := range all {
		p.Go(func() error {
			return r.finish(ctx, s, metrics.ReasonShutdown)
		})
	}
	err := p.Wait()

	r.log.InfoContext(ctx, "registry.shutdown", slog.Int("sessions", len(all)))
	return err
}
