package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/taskstore"
)

const (
	defaultRunLimit = 20
	recentWindow    = 5 * time.Minute
)

// RunResponse is the API response for a pipeline run
type RunResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Stages      []string        `json:"stages"`
	FailedStage *string         `json:"failed_stage,omitempty"`
	Cancelled   bool            `json:"cancelled"`
	NotRun      []string        `json:"not_run,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   string          `json:"started_at"`
	FinishedAt  *string         `json:"finished_at,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	Results     []StageResponse `json:"results,omitempty"`
}

// StageResponse is the API response for one stage of a run
type StageResponse struct {
	Name            string         `json:"name"`
	Index           int            `json:"index"`
	SuccessFraction float64        `json:"success_fraction"`
	Threshold       float64        `json:"required_success_fraction"`
	Passed          bool           `json:"passed"`
	Counts          domain.Counts  `json:"counts"`
	Duration        string         `json:"duration"`
	Tasks           []TaskResponse `json:"tasks,omitempty"`
}

// TaskResponse is the API response for a task result
type TaskResponse struct {
	RunID     string `json:"run_id"`
	Stage     string `json:"stage"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
	ExitCode  *int   `json:"exit_code"`
	Duration  string `json:"duration"`
	StdoutLog string `json:"stdout_log,omitempty"`
	StderrLog string `json:"stderr_log,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MetricsResponse is the API response for live task metrics
type MetricsResponse struct {
	Completed   int             `json:"completed"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Retries     int             `json:"retries"`
	Running     int             `json:"running"`
	AvgDuration string          `json:"avg_duration"`
	Stuck       []StuckResponse `json:"stuck,omitempty"`
	Recent      []string        `json:"recent,omitempty"`
}

// StuckResponse is a task running longer than expected
type StuckResponse struct {
	Stage   string `json:"stage"`
	TaskID  string `json:"task_id"`
	Elapsed string `json:"elapsed"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Latest  *RunResponse     `json:"latest,omitempty"`
	Runs    int              `json:"runs"`
	Metrics *MetricsResponse `json:"metrics,omitempty"`
	Clients int              `json:"event_clients"`
}

func runToResponse(r *taskstore.RunRecord) RunResponse {
	resp := RunResponse{
		ID:        r.ID,
		Status:    string(r.Status),
		Stages:    r.Stages,
		Cancelled: r.Cancelled,
		NotRun:    r.NotRun,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.FailedStage >= 0 && r.FailedStage < len(r.Stages) {
		name := r.Stages[r.FailedStage]
		resp.FailedStage = &name
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
		resp.Duration = r.Duration().Round(time.Second).String()
	}
	for _, st := range r.Results {
		resp.Results = append(resp.Results, StageResponse{
			Name:            st.Name,
			Index:           st.Index,
			SuccessFraction: st.SuccessFraction,
			Threshold:       st.Threshold,
			Passed:          st.Passed,
			Counts:          st.Counts,
			Duration:        st.Duration.Round(time.Second).String(),
		})
	}
	return resp
}

func taskToResponse(t taskstore.TaskRecord) TaskResponse {
	return TaskResponse{
		RunID:     t.RunID,
		Stage:     t.Stage,
		TaskID:    t.TaskID,
		Status:    string(t.Status),
		Reason:    string(t.Reason),
		Attempts:  t.Attempts,
		ExitCode:  t.ExitCode,
		Duration:  t.Duration.Round(time.Millisecond).String(),
		StdoutLog: t.StdoutLog,
		StderrLog: t.StderrLog,
		Error:     t.Error,
	}
}

func (s *Server) metricsResponse() *MetricsResponse {
	if s.metrics == nil {
		return nil
	}
	m := s.metrics.GetMetrics()
	resp := &MetricsResponse{
		Completed:   m.TotalCompleted,
		Succeeded:   m.TotalSucceeded,
		Failed:      m.TotalFailed,
		Skipped:     m.TotalSkipped,
		Retries:     m.TotalRetries,
		Running:     m.Running,
		AvgDuration: m.AvgDuration.Round(time.Second).String(),
		Recent:      s.metrics.GetRecentCompletions(recentWindow),
	}
	for _, st := range s.metrics.Stuck(time.Now()) {
		resp.Stuck = append(resp.Stuck, StuckResponse{
			Stage:   st.Stage,
			TaskID:  st.TaskID,
			Elapsed: st.Elapsed.Round(time.Second).String(),
		})
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns(0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Runs:    len(runs),
			Metrics: s.metricsResponse(),
			Clients: s.sseHub.Clients(),
		}
		if len(runs) > 0 {
			latest, err := s.store.GetRun(runs[0].ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := runToResponse(latest)
			status.Latest = &resp
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := defaultRunLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.store.ListRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, runToResponse(run))
		}
		writeJSON(w, resp)
	}
}

// getRunHandler serves /api/runs/{id} with every stage's task results
func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		run, err := s.store.GetRun(id)
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, taskstore.ErrAmbiguous):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		tasks, err := s.store.TaskResults(run.ID, "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := runToResponse(run)
		for i := range resp.Results {
			for _, t := range tasks {
				if t.Stage == resp.Results[i].Name {
					resp.Results[i].Tasks = append(resp.Results[i].Tasks, taskToResponse(t))
				}
			}
		}
		writeJSON(w, resp)
	}
}

// taskHistoryHandler serves /api/tasks/{id}/history
func (s *Server) taskHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		taskID, ok := strings.CutSuffix(rest, "/history")
		if !ok || taskID == "" || strings.Contains(taskID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		records, err := s.store.TaskHistory(taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]TaskResponse, 0, len(records))
		for _, t := range records {
			resp = append(resp, taskToResponse(t))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		m := s.metricsResponse()
		if m == nil {
			writeError(w, http.StatusNotFound, "no run in progress in this process")
			return
		}
		writeJSON(w, m)
	}
}
