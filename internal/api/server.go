package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evaldb/internal/evaler"
	"evaldb/pkg/feed"
)

// MaxRequestSize caps an eval request body.
const MaxRequestSize = 4096

var (
	evalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evaldb_eval_total",
		Help: "Evaluations served by result",
	}, []string{"result"})

	evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evaldb_eval_duration_seconds",
		Help:    "Evaluator wall time per request",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	tailSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evaldb_tail_subscribers",
		Help: "Open tail feeds (SSE and WebSocket)",
	})
)

// Server is the gateway HTTP server.
type Server struct {
	bus       *feed.Bus
	eval      evaler.Evaluator
	log       *slog.Logger
	staticDir string
	mux       *http.ServeMux

	// Domain is the gateway's own host, e.g. "evaldb.example.com". Requests
	// for <hostname>.<Domain> are web requests served by the database linked
	// to hostname. Empty disables host routing.
	Domain string
}

// New creates a new Server. staticDir holds the web client; empty means ./web.
func New(bus *feed.Bus, eval evaler.Evaluator, log *slog.Logger, staticDir string) *Server {
	if log == nil {
		log = slog.Default()
	}
	if staticDir == "" {
		staticDir = filepath.Join(".", "web")
	}
	s := &Server{
		bus:       bus,
		eval:      eval,
		log:       log.With("component", "api"),
		staticDir: staticDir,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if hostname, ok := s.linkedHost(r.Host); ok {
		s.handleWebRequest(w, r, hostname)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Evaluation
	s.mux.HandleFunc("POST /eval/{db}", s.handleEval)
	s.mux.HandleFunc("OPTIONS /eval/{db}", s.handleEvalPreflight)
	s.mux.HandleFunc("POST /create", s.handleCreate)
	s.mux.HandleFunc("POST /link", s.handleLink)
	s.mux.HandleFunc("GET /query/{db}", s.handleQueryPage)

	// Feeds
	s.mux.HandleFunc("GET /tail/{db}", s.handleTail)
	s.mux.HandleFunc("GET /ws/{db}", s.handleWS)

	// Journal
	s.mux.HandleFunc("GET /api/databases/{db}", s.handleDatabaseGet)
	s.mux.HandleFunc("GET /api/databases/{db}/generations", s.handleGenerationList)
	s.mux.HandleFunc("GET /api/databases/{db}/generations/{gen}", s.handleGenerationGet)
	s.mux.HandleFunc("GET /api/databases/{db}/generations/{gen}/ancestors", s.handleGenerationAncestors)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Static web client
	s.mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write json", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
