package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/mcpservice"
)

// PingEvent is the SSE event name of keep-alive pings.
const PingEvent = "ping"

var pingPayload = func() []byte {
	n, err := jsonrpc.NewNotification(string(mcp.PingMethod), nil)
	if err != nil {
		panic(err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		panic(err)
	}
	return b
}()

// Session is one client conversation: a service instance, its inbound queue
// and its outbound event log.
type Session struct {
	id        string
	reg       *Registry
	instance  *mcpservice.Instance
	createdAt time.Time

	ctx      context.Context
	cancel   context.CancelCauseFunc
	inbound  chan *jsonrpc.Request
	loopDone chan struct{}

	// pubMu is held shared by publishers and taken exclusively by teardown
	// before the outbound log is cleaned up.
	pubMu sync.RWMutex

	mu         sync.Mutex
	closed     bool
	cursor     string
	current    *Stream
	generation uint64
	detachedAt time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context is cancelled with ErrSessionClosed when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Service returns the session's service instance.
func (s *Session) Service() mcpservice.Service { return s.instance.Service() }

// Closed reports whether the session has ended or is ending.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Attached reports whether a stream is currently attached.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Enqueue hands a client message to the dispatch loop without blocking.
func (s *Session) Enqueue(req *jsonrpc.Request) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, ErrSessionClosed)
	}

	select {
	case s.inbound <- req:
		s.reg.metrics.MessageInbound()
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: %w", ErrSessionNotFound, ErrSessionClosed)
	default:
		return ErrInboundFull
	}
}

// Publish appends an event to the session's outbound log.
func (s *Session) Publish(ctx context.Context, event string, payload []byte) (string, error) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()

	if s.ctx.Err() != nil {
		return "", ErrSessionClosed
	}
	return s.publish(ctx, event, payload)
}

func (s *Session) publish(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		event = broker.DefaultEvent
	}

	id, err := s.reg.broker.Publish(ctx, s.id, event, payload)
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", event, err)
	}
	s.reg.metrics.EventPublished(event)

	return id, nil
}

// Ping publishes a keep-alive event if a stream is attached. Detached and
// closed sessions are skipped so pings do not pile up in the log.
func (s *Session) Ping(ctx context.Context) error {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()

	s.mu.Lock()
	live := !s.closed && s.current != nil
	s.mu.Unlock()

	if !live {
		return nil
	}
	_, err := s.publish(ctx, PingEvent, pingPayload)
	return err
}

// Attach opens a stream over the outbound log and makes it the session's
// current stream, superseding any previous one. Delivery resumes after
// lastEventID when set, otherwise after the last event this session handed
// to a stream. The stream's lifetime is bounded by ctx.
func (s *Session) Attach(ctx context.Context, lastEventID string) (*Stream, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	after := s.cursor
	if lastEventID != "" {
		after = lastEventID
	}

	sub, err := s.reg.broker.Subscribe(s.ctx, s.id, after)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe to session %s: %w", s.id, err)
	}

	s.generation++
	st := newStream(ctx, s, s.generation, sub)
	prev := s.current
	s.current = st
	s.detachedAt = time.Time{}

	s.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrStreamSuperseded)
		s.reg.metrics.StreamSuperseded()
		s.reg.log.InfoContext(st.ctx, "session.stream.superseded", slog.Uint64("prev_gen", prev.gen))
	}

	return st, nil
}

// claim records env as delivered on st. It fails when st is no longer the
// session's current stream.
func (s *Session) claim(st *Stream, env broker.MessageEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.current != st:
		return ErrStreamSuperseded
	}
	s.cursor = env.ID
	return nil
}

func (s *Session) detach(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == st {
		s.current = nil
		s.detachedAt = s.reg.clock.Now()
	}
}

func (s *Session) run() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.inbound:
			s.dispatch(req)
		}
	}
}

func (s *Session) dispatch(req *jsonrpc.Request) {
	ctx := logctx.WithRPCMessage(s.ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   messageType(req),
	})

	res := s.instance.Handle(ctx, req)
	if res == nil {
		return
	}
	if res.Error != nil {
		s.reg.log.InfoContext(ctx, "session.dispatch.error", slog.Int("code", int(res.Error.Code)), slog.String("err", res.Error.Message))
	}

	b, err := json.Marshal(res)
	if err != nil {
		s.reg.log.ErrorContext(ctx, "session.dispatch.encode.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := s.Publish(ctx, broker.DefaultEvent, b); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.reg.log.ErrorContext(ctx, "session.dispatch.publish.fail", slog.String("err", err.Error()))
	}
}

func messageType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}

// markClosed flips the session to closed. It reports false if it already was.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.current = nil
	return true
}

// expire marks the session closed if it has been without a stream for at
// least timeout as of now.
func (s *Session) expire(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.current != nil || now.Sub(s.detachedAt) < timeout {
		return false
	}
	s.closed = true
	return true
}

// teardown cancels a closed session and waits for the dispatch loop (bounded
// by ctx) before releasing the service instance and the outbound log.
func (s *Session) teardown(ctx context.Context) error {
	s.cancel(ErrSessionClosed)

	// Wait out in-flight publishes; later ones see the cancelled context.
	s.pubMu.Lock()
	s.pubMu.Unlock()

	select {
	case <-s.loopDone:
	case <-ctx.Done():
		// A tool is still running; release the instance once it returns.
		go func() {
			<-s.loopDone
			_ = s.instance.Close()
		}()
		cleanupErr := s.reg.broker.Cleanup(context.WithoutCancel(ctx), s.id)
		return errors.Join(fmt.Errorf("wait for dispatch loop: %w", ctx.Err()), cleanupErr)
	}

	var errs []error
	if err := s.instance.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close service: %w", err))
	}
	if err := s.reg.broker.Cleanup(ctx, s.id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
