package pipeline

import (
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
)

// EventKind identifies a progress event
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventStageStarted  EventKind = "stage_started"
	EventTaskStarted   EventKind = "task_started"
	EventTaskFinished  EventKind = "task_finished"
	EventStageFinished EventKind = "stage_finished"
	EventRunFinished   EventKind = "run_finished"
)

// Event reports pipeline progress to observers. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind       EventKind           `json:"kind"`
	Time       time.Time           `json:"time"`
	RunID      string              `json:"run_id"`
	Stage      string              `json:"stage,omitempty"`
	StageIndex int                 `json:"stage_index"`
	StageNames []string            `json:"stages,omitempty"`
	TaskCount  int                 `json:"task_count,omitempty"`
	TaskID     string              `json:"task_id,omitempty"`
	Result     *domain.TaskResult  `json:"result,omitempty"`
	Report     *domain.StageReport `json:"-"`
	Summary    *domain.Summary     `json:"-"`
	Fraction   float64             `json:"fraction,omitempty"`
	Passed     bool                `json:"passed,omitempty"`
}

// Observer receives events. Task events arrive from worker goroutines, so
// observers must be safe for concurrent use.
type Observer func(Event)
