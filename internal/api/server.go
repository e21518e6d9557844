package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/adataxi/voicebridge/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveCallLister exposes the currently active Call-IDs for the status
// endpoint, satisfied by *bridge.Registry.
type ActiveCallLister interface {
	Count() int
	ActiveCallIDs() []string
}

// TrunkStatusReporter optionally reports outbound registration state for the
// status endpoint, satisfied by *sip.BridgeListener. Left nil when there is
// no upstream trunk registration to report.
type TrunkStatusReporter interface {
	TrunkStatus() string
}

// Server holds the operational HTTP surface for the voice bridge: health
// checks, Prometheus scraping, and a small status endpoint for the calls
// currently in flight. There is no admin UI or CRUD surface here — calls
// are driven entirely by SIP, not by this API, so there is no browser
// origin to guard with CORS.
type Server struct {
	router    *chi.Mux
	calls     ActiveCallLister
	trunk     TrunkStatusReporter
	startTime time.Time
}

// NewServer creates the HTTP handler with all routes mounted. metricsHandler
// is typically promhttp.HandlerFor wrapping a registry holding a
// metrics.Collector. trunk may be nil if there is no upstream registration
// to report.
func NewServer(calls ActiveCallLister, trunk TrunkStatusReporter, metricsHandler http.Handler, startTime time.Time) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		calls:     calls,
		trunk:     trunk,
		startTime: startTime,
	}

	s.routes(metricsHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts the operational endpoints.
func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	slog.Info("api routes mounted")
}

// handleHealth reports process liveness for load balancer / orchestrator
// probes. It never depends on call state, so a stuck call can't flip it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleStatus reports the calls currently in flight, for operator
// debugging without needing to scrape Prometheus.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"active_calls": s.calls.Count(),
		"call_ids":     s.calls.ActiveCallIDs(),
		"uptime":       time.Since(s.startTime).String(),
	}
	if s.trunk != nil {
		resp["trunk_status"] = s.trunk.TrunkStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}
