// Package diagnostic implements the read-only HTTP surface of §4.6: a
// GET /stage1 endpoint that runs the dispatcher for a given caller/called
// pair and returns the full discovered tree plus every generated routing
// result, for operators debugging why a call routed the way it did.
package diagnostic

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventphone/ywsd/internal/routing/dispatch"
)

// Server is the diagnostic HTTP handler.
type Server struct {
	router     *chi.Mux
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewServer builds the diagnostic HTTP handler, ready to mount on an
// http.Server. gatherer is the registry the dispatcher's metrics.Collector
// was registered against — /metrics must scrape that same registry, not
// the global default, or the ywsd_stage1_* instruments never surface.
func NewServer(d *dispatch.Dispatcher, corsOrigins string, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		logger:     logger.With("subsystem", "diagnostic"),
	}
	s.routes(corsOrigins, gatherer)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes(corsOrigins string, gatherer prometheus.Gatherer) {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cors(parseCORSOrigins(corsOrigins)))
	r.Use(structuredLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stage1", s.handleStage1)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleStage1 runs a routing request for ?caller=&called= and renders
// the resulting tree and routing results, without actually answering a
// call (§4.6). It is intentionally the same Dispatcher.Route path the
// control channel uses — the diagnostic endpoint must show exactly what
// a real call would have seen, not a parallel code path that can drift.
func (s *Server) handleStage1(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("caller")
	called := r.URL.Query().Get("called")
	if caller == "" || called == "" {
		writeError(w, http.StatusBadRequest, "caller and called query parameters are required")
		return
	}

	res, fail := s.dispatcher.Route(r.Context(), caller, called)
	if fail != nil {
		s.logger.Warn("diagnostic route failed", "caller", caller, "called", called, "kind", fail.Kind, "error", fail.Err)
		writeJSON(w, http.StatusOK, renderFailure(fail, fail.Tree))
		return
	}

	writeJSON(w, http.StatusOK, renderRoute(res))
}
