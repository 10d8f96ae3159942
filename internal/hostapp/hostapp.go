// Package hostapp is the HTTP application the SSE transport is mounted into.
// It owns the router, its own routes and the shared state composite.
package hostapp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-sse-go/appstate"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-go/ssetransport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// State is the host's own application state.
type State struct {
	Data string
}

// Options configures NewRouter.
type Options struct {
	// MountPath is where the transport is attached. Defaults to "/mcp".
	MountPath string
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// NewRouter builds the host router: CORS, the state composite holding state
// and tr, the host routes, /metrics and the transport under MountPath.
func NewRouter(state *State, tr *ssetransport.Transport, opts Options) chi.Router {
	if opts.MountPath == "" {
		opts.MountPath = "/mcp"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	log := logctx.Wrap(opts.Logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", "Mcp-Session-Id"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         300,
	}))
	r.Use(appstate.Middleware(appstate.New(state, tr)))

	r.Get("/hello", handleHello)
	r.Get("/status", handleStatus(log))
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	tr.Mount(r, opts.MountPath)

	return r
}

func handleHello(w http.ResponseWriter, r *http.Request) {
	st := appstate.From[*State](r)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello world! " + st.Data))
}

type statusResponse struct {
	Data     string `json:"data"`
	Sessions int    `json:"sessions"`
}

func handleStatus(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := appstate.From[*State](r)
		tr := appstate.From[*ssetransport.Transport](r)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{
			Data:     st.Data,
			Sessions: tr.Registry().Len(),
		}); err != nil {
			log.ErrorContext(r.Context(), "status.write.fail", slog.String("err", err.Error()))
		}
	}
}
