package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fjbalvino/magenta/internal/observer"
	"github.com/fjbalvino/magenta/internal/taskstore"
)

// Store is the run history the API reads from
type Store interface {
	ListRuns(limit int) ([]*taskstore.RunRecord, error)
	GetRun(id string) (*taskstore.RunRecord, error)
	TaskResults(runID, stage string) ([]taskstore.TaskRecord, error)
	TaskHistory(taskID string) ([]taskstore.TaskRecord, error)
}

// Metrics reports live task metrics of a run in this process
type Metrics interface {
	GetMetrics() observer.Metrics
	Stuck(now time.Time) []observer.StuckTask
	GetRecentCompletions(since time.Duration) []string
}

// Server is the HTTP API server
type Server struct {
	store   Store
	metrics Metrics
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
}

// NewServer creates a new API server. metrics may be nil when no run is in
// progress in this process.
func NewServer(store Store, metrics Metrics, addr string) *Server {
	s := &Server{
		store:   store,
		metrics: metrics,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHistoryHandler())
	s.mux.HandleFunc("/api/metrics", s.metricsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on http://%s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Stop SSE streams first so Shutdown does not wait on them
	s.sseHub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
