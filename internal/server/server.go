// Package server exposes health, Prometheus metrics and stored run
// histories over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marl-mappo/internal/config"
	"marl-mappo/internal/history"
	"marl-mappo/internal/logging"
	"marl-mappo/internal/train"
)

// Server holds the collaborators behind the routes. Gatherer and Config
// are optional.
type Server struct {
	Store    history.Store
	Gatherer prometheus.Gatherer
	Config   *config.Config
	Logger   *slog.Logger
}

// NewHandler builds the router.
func NewHandler(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = logging.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/config", s.getConfig)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{runID}", s.getRun)
	r.Get("/runs/{runID}/latest", s.getLatest)
	return r
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	data, err := s.Config.YAML()
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write(data)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Store.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"runs": ids})
}

// getRun returns the rounds of a run. The optional since query parameter
// skips rounds before that index.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rounds, ok := s.load(w, r)
	if !ok {
		return
	}
	since := 0
	if value := r.URL.Query().Get("since"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		since = parsed
	}
	if since > len(rounds) {
		since = len(rounds)
	}
	s.writeJSON(w, map[string]any{
		"run_id": chi.URLParam(r, "runID"),
		"rounds": rounds[since:],
	})
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	rounds, ok := s.load(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, rounds[len(rounds)-1])
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) ([]train.RoundMetrics, bool) {
	rounds, err := s.Store.Load(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, history.ErrRunNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return rounds, true
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Error("encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.Logger.Error("request failed", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
