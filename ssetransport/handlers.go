package ssetransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/sessions"
)

// handleGet opens or resumes a session's event stream and relays its events
// until the client leaves, the stream is superseded, or the session ends.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		t.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sess, created, ok := t.openOrLookup(w, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	st, err := sess.Attach(r.Context(), r.Header.Get(lastEventIDHeader))
	if err != nil {
		if created {
			if cerr := t.reg.Close(context.WithoutCancel(ctx), sess.ID()); cerr != nil && !errors.Is(cerr, sessions.ErrSessionNotFound) {
				t.log.WarnContext(ctx, "session.close.fail", slog.String("err", cerr.Error()))
			}
		}
		switch {
		case errors.Is(err, broker.ErrInvalidCursor):
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			t.log.WarnContext(ctx, "sse.attach.bad_cursor", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrSessionClosed):
			writeJSONError(w, http.StatusNotFound, "session not found")
			t.log.InfoContext(ctx, "sse.attach.closed")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to attach stream")
			t.log.ErrorContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		}
		return
	}
	defer st.Close()

	ctx = st.Context()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)

	if created {
		if err := writeSSEEvent(wf, endpointEvent, "", []byte(t.endpointFor(r, sess.ID()))); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		wf.Flush()
	}

	t.log.InfoContext(ctx, "sse.stream.start", slog.Bool("created", created))

	for {
		env, err := st.Next()
		if err != nil {
			t.logStreamEnd(ctx, err, start)
			return
		}

		id := env.ID
		if env.Event == sessions.PingEvent {
			id = ""
		}
		if err := writeSSEEvent(wf, env.Event, id, env.Data); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		t.log.DebugContext(ctx, "sse.message.deliver", slog.String("event", env.Event), slog.String("event_id", env.ID))
	}
}

// openOrLookup resolves the session for a GET, opening a new one when the
// request names none. It writes the error response itself when it fails.
func (t *Transport) openOrLookup(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool, bool) {
	ctx := r.Context()

	id := sessionIDFrom(r)
	if id != "" {
		sess, err := t.reg.Lookup(id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			t.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
			return nil, false, false
		}
		return sess, false, true
	}

	sess, err := t.reg.Open(ctx)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrRegistryExhausted), errors.Is(err, sessions.ErrRegistryClosed):
			w.Header().Set(retryAfterHeader, "1")
			writeJSONError(w, http.StatusServiceUnavailable, "no session capacity")
			t.log.WarnContext(ctx, "session.open.rejected", slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to open session")
			t.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		}
		return nil, false, false
	}
	return sess, true, true
}

func (t *Transport) endpointFor(r *http.Request, sessionID string) string {
	path := t.endpointPath
	if path == "" {
		path = r.URL.Path
	}
	return path + "?" + url.Values{sessionIDParam: {sessionID}}.Encode()
}

func (t *Transport) logStreamEnd(ctx context.Context, err error, start time.Time) {
	dur := slog.Duration("dur", time.Since(start))
	switch {
	case errors.Is(err, sessions.ErrStreamSuperseded):
		t.log.InfoContext(ctx, "sse.stream.superseded", dur)
	case errors.Is(err, sessions.ErrSessionClosed):
		t.log.InfoContext(ctx, "sse.stream.session_closed", dur)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		t.log.InfoContext(ctx, "sse.stream.end", dur)
	default:
		t.log.ErrorContext(ctx, "sse.stream.fail", dur, slog.String("err", err.Error()))
	}
}

// handlePost accepts one JSON-RPC message for a session. The reply, if any,
// travels over the session's event stream; the POST only acknowledges receipt.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		t.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			t.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		t.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.ParseMessage(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
			t.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "malformed message: "+err.Error())
		t.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	id := sessionIDFrom(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		t.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	sess, err := t.reg.Lookup(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		t.log.InfoContext(ctx, "session.load.miss")
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Nothing on the server side waits for client responses.
		w.WriteHeader(http.StatusAccepted)
		t.log.InfoContext(ctx, "jsonrpc.response.ignored")
		return
	}

	if err := sess.Enqueue(req); err != nil {
		switch {
		case errors.Is(err, sessions.ErrInboundFull):
			w.Header().Set(retryAfterHeader, "1")
			writeJSONError(w, http.StatusServiceUnavailable, "session busy")
			t.log.WarnContext(ctx, "session.inbound.full")
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "session not found")
			t.log.InfoContext(ctx, "session.load.miss")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to enqueue message")
			t.log.ErrorContext(ctx, "session.enqueue.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	t.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleDelete ends a session. Deleting an unknown session succeeds.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.delete.start")

	id := sessionIDFrom(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		t.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	if err := t.reg.Close(ctx, id); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			t.log.InfoContext(ctx, "session.delete.miss")
		} else {
			t.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		}
	}

	w.WriteHeader(http.StatusNoContent)
	t.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
