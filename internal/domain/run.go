package domain

import (
	"fmt"
	"slices"
	"time"
)

// Stage is a named batch of tasks whose aggregate success gates the next stage
type Stage struct {
	Name                    string
	Tasks                   []TaskDescriptor
	RequiredSuccessFraction float64
}

// Validate checks the threshold and that every task is valid and uniquely named
func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if s.RequiredSuccessFraction < 0 || s.RequiredSuccessFraction > 1 {
		return fmt.Errorf("stage %s: required_success_fraction %.2f outside [0,1]", s.Name, s.RequiredSuccessFraction)
	}
	seen := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("stage %s: %w: duplicate id %q", s.Name, ErrInvalidTask, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// StageReport is the evaluated outcome of one stage
type StageReport struct {
	Name            string
	Index           int
	Report          BatchReport
	SuccessFraction float64
	Threshold       float64
	Passed          bool
	StartedAt       time.Time
	Duration        time.Duration
	BuildError      string
}

// Summary is the final structured outcome of a pipeline run
type Summary struct {
	RunID       string
	Stages      []StageReport
	FailedStage int // -1 when no stage fell below its threshold
	Cancelled   bool
	NotRun      []string
	StartedAt   time.Time
	FinishedAt  time.Time

	// StageOrder numbers failing stages for ExitCode. When empty, or when
	// the failed stage is not listed, its index within this run is used.
	StageOrder []string
}

// Exit codes reported by the CLI
const (
	ExitOK              = 0
	ExitError           = 1
	ExitStageFailedBase = 10
	ExitCancelled       = 130
)

// ExitCode maps the summary to a process exit code, distinct per failing stage
func (s *Summary) ExitCode() int {
	switch {
	case s.FailedStage >= 0:
		return ExitStageFailedBase + s.failedPosition()
	case s.Cancelled:
		return ExitCancelled
	default:
		return ExitOK
	}
}

func (s *Summary) failedPosition() int {
	if s.FailedStage < len(s.Stages) {
		if i := slices.Index(s.StageOrder, s.Stages[s.FailedStage].Name); i >= 0 {
			return i
		}
	}
	return s.FailedStage
}

// Status returns the run status recorded in the history store
func (s *Summary) Status() RunStatus {
	switch {
	case s.FailedStage >= 0:
		return RunHalted
	case s.Cancelled:
		return RunCancelled
	default:
		return RunCompleted
	}
}

// FailedTaskIDs lists failed task IDs per stage for operator follow-up
func (s *Summary) FailedTaskIDs() map[string][]string {
	out := make(map[string][]string)
	for _, st := range s.Stages {
		if ids := st.Report.FailedIDs(); len(ids) > 0 {
			out[st.Name] = ids
		}
	}
	return out
}
