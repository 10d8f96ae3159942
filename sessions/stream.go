package sessions

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
)

// Stream is one attached consumer of a session's outbound log, normally an
// open SSE response. It is used by a single goroutine.
type Stream struct {
	sess   *Session
	gen    uint64
	sub    broker.MessageStream
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool

	closeOnce sync.Once
}

func newStream(parent context.Context, s *Session, gen uint64, sub broker.MessageStream) *Stream {
	ctx := logctx.WithSessionData(parent, &logctx.SessionData{SessionID: s.id, StreamGeneration: gen})
	ctx, cancel := context.WithCancelCause(ctx)

	return &Stream{
		sess:   s,
		gen:    gen,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
		stop:   context.AfterFunc(s.ctx, func() { cancel(ErrSessionClosed) }),
	}
}

// Generation counts attaches on the session; later streams have larger values.
func (st *Stream) Generation() uint64 { return st.gen }

// Context is cancelled when the stream ends. Its cause is ErrStreamSuperseded,
// ErrSessionClosed, or the cancellation of the context given to Attach.
func (st *Stream) Context() context.Context { return st.ctx }

// Next blocks until the next event for this stream. It returns
// ErrStreamSuperseded once a newer stream attached, ErrSessionClosed once the
// session ended, or the attach context's error.
func (st *Stream) Next() (broker.MessageEnvelope, error) {
	env, err := st.sub.Next(st.ctx)
	if err != nil {
		return broker.MessageEnvelope{}, st.cause(err)
	}
	if err := st.sess.claim(st, env); err != nil {
		return broker.MessageEnvelope{}, err
	}
	return env, nil
}

func (st *Stream) cause(err error) error {
	if st.ctx.Err() != nil {
		return context.Cause(st.ctx)
	}
	if errors.Is(err, io.EOF) && st.sess.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return err
}

// Close detaches the stream. Closing a superseded stream leaves the newer one
// attached.
func (st *Stream) Close() {
	st.closeOnce.Do(func() {
		st.stop()
		st.cancel(context.Canceled)
		_ = st.sub.Close()
		st.sess.detach(st)
	})
}
