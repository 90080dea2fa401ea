package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pomosync/internal/ipc"
)

// statusServer exposes read-only timer state and metrics over HTTP.
type statusServer struct {
	app    *App
	router *chi.Mux
	server *http.Server
}

func newStatusServer(a *App, addr string) *statusServer {
	s := &statusServer{app: a, router: chi.NewRouter()}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/state", s.handleState)
	if a.metrics != nil {
		s.router.Handle("/metrics", a.metrics.Handler())
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *statusServer) Start() error {
	return s.server.ListenAndServe()
}

func (s *statusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *statusServer) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.ctrl.State(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.app.log.Error("status: read state", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ipc.Response{Success: false, Message: "Failed to read timer state"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ipc.Response{Success: true, Data: ipc.NewStateData(st, s.app.clock.Now())})
}
