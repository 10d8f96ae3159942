package ssetransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var _ http.Handler = (*Transport)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = "Mcp-Session-Id"
	sessionIDParam     = "sessionId"
	retryAfterHeader   = "Retry-After"

	endpointEvent = "endpoint"

	// DefaultMaxBodyBytes caps POST bodies.
	DefaultMaxBodyBytes = 1 << 20
)

// Transport bridges HTTP requests to sessions in a Registry.
type Transport struct {
	reg          *sessions.Registry
	log          *slog.Logger
	clock        clockwork.Clock
	keepAlive    time.Duration
	endpointPath string
	maxBodyBytes int64
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used by the transport. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = logctx.Wrap(l) }
}

// WithClock replaces the clock driving keep-alive pings.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithKeepAlive sets the ping interval; zero disables pings.
func WithKeepAlive(d time.Duration) Option {
	return func(t *Transport) { t.keepAlive = d }
}

// WithEndpointPath fixes the path advertised in the endpoint event. By
// default the path of the opening GET request is used, which is right unless
// a proxy rewrites paths.
func WithEndpointPath(p string) Option {
	return func(t *Transport) { t.endpointPath = p }
}

// WithMaxBodyBytes caps the size of POSTed messages.
func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

// New creates a Transport over reg and starts its background work, the
// keep-alive pinger and the registry's idle reaper, which stop when ctx is
// done.
func New(ctx context.Context, reg *sessions.Registry, opts ...Option) *Transport {
	t := &Transport{
		reg:          reg,
		log:          logctx.Wrap(nil),
		clock:        clockwork.NewRealClock(),
		keepAlive:    DefaultKeepAlive,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(t)
	}

	ka := NewKeepAlive(reg, t.keepAlive, t.clock, t.log)
	go func() {
		if err := ka.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error("keepalive.run.fail", slog.String("err", err.Error()))
		}
	}()
	go func() {
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error("reaper.run.fail", slog.String("err", err.Error()))
		}
	}()

	return t
}

// Registry returns the session registry behind the transport.
func (t *Transport) Registry() *sessions.Registry { return t.reg }

// Shutdown ends every session. In-flight streams finish with the session.
func (t *Transport) Shutdown(ctx context.Context) error {
	return t.reg.Shutdown(ctx)
}

// Route is one method and pattern the transport serves, relative to where it
// is mounted.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

// Routes lists the transport's endpoints for attaching to any router.
func (t *Transport) Routes() []Route {
	return []Route{
		{Method: http.MethodGet, Pattern: "/", Handler: t.withRequestData(t.handleGet)},
		{Method: http.MethodPost, Pattern: "/", Handler: t.withRequestData(t.handlePost)},
		{Method: http.MethodDelete, Pattern: "/", Handler: t.withRequestData(t.handleDelete)},
	}
}

// Mount attaches the transport's routes to r under prefix. The host keeps
// ownership of the router and its listener.
func (t *Transport) Mount(r chi.Router, prefix string) {
	r.Route(prefix, func(sub chi.Router) {
		for _, rt := range t.Routes() {
			sub.Method(rt.Method, rt.Pattern, rt.Handler)
		}
	})
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rt := range t.Routes() {
		if rt.Method == r.Method {
			rt.Handler.ServeHTTP(w, r)
			return
		}
	}
	w.Header().Set("Allow", "GET, POST, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (t *Transport) withRequestData(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

// sessionIDFrom reads the session id from the header, falling back to the
// query parameter.
func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get(mcpSessionIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(sessionIDParam)
}
