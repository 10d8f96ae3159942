package ssetransport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/broker/memory"
	"github.com/ggoodman/mcp-sse-go/mcpservice"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type counterService struct{ value int }

func (c *counterService) Tools() []mcpservice.Tool {
	return []mcpservice.Tool{
		mcpservice.NewTool("increment", func(ctx context.Context, _ struct{}) (int, error) {
			c.value++
			return c.value, nil
		}),
	}
}

func counterFactory() mcpservice.Factory {
	return mcpservice.FactoryFunc(func(ctx context.Context, sessionID string) (mcpservice.Service, error) {
		return &counterService{}, nil
	})
}

func mustServer(t *testing.T, opts ...Option) (*Transport, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := sessions.NewRegistry(memory.New(), counterFactory())
	tr := New(ctx, reg, append([]Option{WithKeepAlive(0)}, opts...)...)
	srv := httptest.NewServer(tr)
	t.Cleanup(func() {
		srv.Close()
		_ = tr.Shutdown(context.Background())
		cancel()
	})
	return tr, srv
}

type sseEvent struct {
	event string
	id    string
	data  string
}

type sseStream struct {
	resp   *http.Response
	events chan sseEvent
	errs   chan error
	cancel context.CancelFunc
}

// openStream performs a GET and starts decoding SSE frames in the background.
func openStream(t *testing.T, url string, header http.Header) *sseStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s := &sseStream{resp: resp, events: make(chan sseEvent, 16), errs: make(chan error, 1), cancel: cancel}
	go s.decode()
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return s
}

func (s *sseStream) decode() {
	sc := bufio.NewScanner(s.resp.Body)
	var ev sseEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			ev.data = strings.Join(data, "\n")
			s.events <- ev
			ev, data = sseEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.errs <- err
}

func (s *sseStream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case err := <-s.errs:
		t.Fatalf("stream ended: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
	return sseEvent{}
}

// expectEnd asserts the stream ends without delivering another frame.
func (s *sseStream) expectEnd(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("expected stream end, got event %+v", ev)
	case <-s.errs:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}
}

func (s *sseStream) sessionID() string {
	return s.resp.Header.Get(mcpSessionIDHeader)
}

func send(t *testing.T, method, url, sessionID, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func mustPostMCP(t *testing.T, url, sessionID, body string) int {
	t.Helper()
	return send(t, http.MethodPost, url, sessionID, "application/json", body).StatusCode
}

func TestCounterScenario(t *testing.T) {
	_, srv := mustServer(t)

	st := openStream(t, srv.URL, nil)
	id := st.sessionID()
	require.NotEmpty(t, id)

	endpoint := st.next(t)
	require.Equal(t, "endpoint", endpoint.event)
	require.Empty(t, endpoint.id)
	require.Equal(t, "/?sessionId="+id, endpoint.data)

	require.Equal(t, http.StatusAccepted, mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":1,"method":"increment"}`))
	ev := st.next(t)
	require.Equal(t, "message", ev.event)
	require.NotEmpty(t, ev.id)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":1}`, ev.data)

	require.Equal(t, http.StatusAccepted, mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":2,"method":"increment"}`))
	ev = st.next(t)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":2}`, ev.data)

	resp := send(t, http.MethodDelete, srv.URL, id, "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	st.expectEnd(t)

	require.Equal(t, http.StatusNotFound, mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":3,"method":"increment"}`))
}

func TestPostToAdvertisedEndpoint(t *testing.T) {
	_, srv := mustServer(t)

	st := openStream(t, srv.URL+"/", nil)
	endpoint := st.next(t)

	// No header: the session comes from the query string.
	status := mustPostMCP(t, srv.URL+endpoint.data, "", `{"jsonrpc":"2.0","id":"a","method":"increment"}`)
	require.Equal(t, http.StatusAccepted, status)

	ev := st.next(t)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":"a","result":1}`, ev.data)
}

func TestUnknownMethodReportsError(t *testing.T) {
	_, srv := mustServer(t)

	st := openStream(t, srv.URL, nil)
	st.next(t)

	require.Equal(t, http.StatusAccepted, mustPostMCP(t, srv.URL, st.sessionID(), `{"jsonrpc":"2.0","id":9,"method":"nope"}`))
	ev := st.next(t)

	var res struct {
		ID    int `json:"id"`
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.data), &res))
	require.Equal(t, 9, res.ID)
	require.Equal(t, -32601, res.Error.Code)
}

func TestGetRequiresEventStream(t *testing.T) {
	_, srv := mustServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestGetUnknownSession(t *testing.T) {
	_, srv := mustServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, "does-not-exist")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetInvalidLastEventIDReleasesNewSession(t *testing.T) {
	tr, srv := mustServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(lastEventIDHeader, "not-a-cursor")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, tr.Registry().Len())
}

func TestPostValidation(t *testing.T) {
	_, srv := mustServer(t, WithMaxBodyBytes(128))

	st := openStream(t, srv.URL, nil)
	st.next(t)
	id := st.sessionID()

	cases := []struct {
		name        string
		sessionID   string
		contentType string
		body        string
		want        int
	}{
		{"wrong content type", id, "text/plain", `{"jsonrpc":"2.0","id":1,"method":"increment"}`, http.StatusUnsupportedMediaType},
		{"too large", id, "application/json", `{"jsonrpc":"2.0","id":1,"method":"` + strings.Repeat("x", 256) + `"}`, http.StatusRequestEntityTooLarge},
		{"batch", id, "application/json", `[{"jsonrpc":"2.0","id":1,"method":"increment"}]`, http.StatusBadRequest},
		{"not json", id, "application/json", `{nope`, http.StatusBadRequest},
		{"wrong version", id, "application/json", `{"jsonrpc":"1.0","id":1,"method":"increment"}`, http.StatusBadRequest},
		{"missing session", "", "application/json", `{"jsonrpc":"2.0","id":1,"method":"increment"}`, http.StatusBadRequest},
		{"unknown session", "nope", "application/json", `{"jsonrpc":"2.0","id":1,"method":"increment"}`, http.StatusNotFound},
		{"client response", id, "application/json", `{"jsonrpc":"2.0","id":1,"result":{}}`, http.StatusAccepted},
		{"notification", id, "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := send(t, http.MethodPost, srv.URL, tc.sessionID, tc.contentType, tc.body)
			require.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	_, srv := mustServer(t)

	resp := send(t, http.MethodDelete, srv.URL, "never-existed", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = send(t, http.MethodDelete, srv.URL, "", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	st := openStream(t, srv.URL, nil)
	st.next(t)
	id := st.sessionID()

	require.Equal(t, http.StatusNoContent, send(t, http.MethodDelete, srv.URL, id, "", "").StatusCode)
	require.Equal(t, http.StatusNoContent, send(t, http.MethodDelete, srv.URL, id, "", "").StatusCode)
}

func TestSecondStreamSupersedesFirst(t *testing.T) {
	_, srv := mustServer(t)

	first := openStream(t, srv.URL, nil)
	first.next(t)
	id := first.sessionID()

	second := openStream(t, srv.URL, http.Header{mcpSessionIDHeader: {id}})
	require.Equal(t, id, second.sessionID())

	// The first stream closes quietly, with no error frame.
	first.expectEnd(t)

	require.Equal(t, http.StatusAccepted, mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":1,"method":"increment"}`))
	ev := second.next(t)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":1}`, ev.data)
}

func TestResumeWithLastEventID(t *testing.T) {
	_, srv := mustServer(t)

	st := openStream(t, srv.URL, nil)
	st.next(t)
	id := st.sessionID()

	mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":1,"method":"increment"}`)
	mustPostMCP(t, srv.URL, id, `{"jsonrpc":"2.0","id":2,"method":"increment"}`)
	first := st.next(t)
	st.next(t)

	resumed := openStream(t, srv.URL, http.Header{
		mcpSessionIDHeader: {id},
		lastEventIDHeader:  {first.id},
	})
	ev := resumed.next(t)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":2}`, ev.data)
}

func TestSessionsAreIsolated(t *testing.T) {
	_, srv := mustServer(t)

	a := openStream(t, srv.URL, nil)
	a.next(t)
	b := openStream(t, srv.URL, nil)
	b.next(t)
	require.NotEqual(t, a.sessionID(), b.sessionID())

	mustPostMCP(t, srv.URL, a.sessionID(), `{"jsonrpc":"2.0","id":1,"method":"increment"}`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":1}`, a.next(t).data)
	mustPostMCP(t, srv.URL, a.sessionID(), `{"jsonrpc":"2.0","id":2,"method":"increment"}`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":2}`, a.next(t).data)

	mustPostMCP(t, srv.URL, b.sessionID(), `{"jsonrpc":"2.0","id":1,"method":"increment"}`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":1}`, b.next(t).data)
}

func TestKeepAlivePingsIdleStream(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, srv := mustServer(t, WithClock(clock), WithKeepAlive(15*time.Second))

	st := openStream(t, srv.URL, nil)
	st.next(t)

	clock.BlockUntil(1)
	clock.Advance(15 * time.Second)

	ev := st.next(t)
	require.Equal(t, "ping", ev.event)
	require.Empty(t, ev.id)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, ev.data)

	require.Equal(t, http.StatusNoContent, send(t, http.MethodDelete, srv.URL, st.sessionID(), "", "").StatusCode)
	st.expectEnd(t)
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := mustServer(t)

	resp := send(t, http.MethodPut, srv.URL, "", "", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRoutes(t *testing.T) {
	tr, _ := mustServer(t)

	var methods []string
	for _, rt := range tr.Routes() {
		require.Equal(t, "/", rt.Pattern)
		require.NotNil(t, rt.Handler)
		methods = append(methods, rt.Method)
	}
	require.ElementsMatch(t, []string{http.MethodGet, http.MethodPost, http.MethodDelete}, methods)
}
