package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
)

// TaskRecord is one task's line in a persisted stage summary
type TaskRecord struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	Attempts        int      `json:"attempts"`
	ExitCode        *int     `json:"exit_code"`
	DurationSeconds float64  `json:"duration_seconds"`
	StdoutLog       string   `json:"stdout_log,omitempty"`
	StderrLog       string   `json:"stderr_log,omitempty"`
	MissingOutputs  []string `json:"missing_outputs,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// StageSummary is the machine-readable record written after each stage
type StageSummary struct {
	RunID           string        `json:"run_id"`
	Stage           string        `json:"stage"`
	Index           int           `json:"index"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	SuccessFraction float64       `json:"success_fraction"`
	Threshold       float64       `json:"required_success_fraction"`
	Passed          bool          `json:"passed"`
	Counts          domain.Counts `json:"counts"`
	Tasks           []TaskRecord  `json:"tasks"`
}

// NewStageSummary converts a stage report into its persisted form
func NewStageSummary(runID string, st domain.StageReport) StageSummary {
	s := StageSummary{
		RunID:           runID,
		Stage:           st.Name,
		Index:           st.Index,
		StartedAt:       st.StartedAt,
		DurationSeconds: st.Duration.Seconds(),
		SuccessFraction: st.SuccessFraction,
		Threshold:       st.Threshold,
		Passed:          st.Passed,
		Counts:          st.Report.Counts(),
		Tasks:           make([]TaskRecord, len(st.Report)),
	}
	for i, r := range st.Report {
		s.Tasks[i] = TaskRecord{
			ID:              r.TaskID,
			Status:          string(r.Status),
			Reason:          string(r.Reason),
			Attempts:        r.Attempts,
			ExitCode:        r.ExitCode,
			DurationSeconds: r.Duration.Seconds(),
			StdoutLog:       r.StdoutLog,
			StderrLog:       r.StderrLog,
			MissingOutputs:  r.MissingOutputs,
			Error:           r.Error,
		}
	}
	return s
}

// SummaryPath returns <dir>/<stage>.summary.json
func SummaryPath(dir, stage string) string {
	return filepath.Join(dir, stage+".summary.json")
}

// WriteStageSummary persists the summary atomically
func WriteStageSummary(dir string, s StageSummary) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating summary dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	path := SummaryPath(dir, s.Stage)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadStageSummary loads one stage's persisted summary
func ReadStageSummary(dir, stage string) (*StageSummary, error) {
	data, err := os.ReadFile(SummaryPath(dir, stage))
	if err != nil {
		return nil, err
	}
	var s StageSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s summary: %w", stage, err)
	}
	return &s, nil
}

// ReadStageSummaries loads every summary in dir, ordered by stage index.
// A missing dir yields no summaries.
func ReadStageSummaries(dir string) ([]StageSummary, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.summary.json"))
	if err != nil {
		return nil, err
	}

	var out []StageSummary
	for _, m := range matches {
		stage := filepath.Base(m)
		stage = stage[:len(stage)-len(".summary.json")]
		s, err := ReadStageSummary(dir, stage)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}
