package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/p-arndt/sandbox-engine/internal/config"
	"github.com/p-arndt/sandbox-engine/internal/governor"
	"github.com/p-arndt/sandbox-engine/internal/history"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/registry"
)

// Server is the reference transport adapter (spec.md §6): a minimal
// net/http binding of the batch and interactive external interfaces onto
// the job execution engine. None of this is part of the core — it exists
// only to exercise internal/job end to end; a real deployment is free to
// bind a WebSocket or gRPC surface to the same registry/isolation/
// governor/job types instead.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	provider *isolation.Provider
	governor *governor.Governor
	history  *history.Store
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(cfg *config.Config, reg *registry.Registry, provider *isolation.Provider, gov *governor.Governor, hist *history.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		provider: provider,
		governor: gov,
		history:  hist,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.mux)
}

// routes registers plain paths and checks the method per route: go.mod
// declares go 1.21, whose ServeMux treats "METHOD /path" as a literal path.
func (s *Server) routes() {
	s.mux.HandleFunc("/v1/execute", onlyMethod(http.MethodPost, s.handleExecute))
	s.mux.HandleFunc("/v1/execute/interactive", onlyMethod(http.MethodPost, s.handleExecuteInteractive))
	s.mux.HandleFunc("/v1/runtimes", onlyMethod(http.MethodGet, s.handleListRuntimes))

	s.mux.HandleFunc("/healthz", onlyMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
}

// onlyMethod answers 405 to any request whose method is not method.
func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
