package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
)

// StageState is the display state of a stage
type StageState string

const (
	StagePending StageState = "pending"
	StageRunning StageState = "running"
	StagePassed  StageState = "passed"
	StageHalted  StageState = "halted"
	StageNotRun  StageState = "not run"
)

const maxRecent = 8

// StageView is a stage's progress in the dashboard
type StageView struct {
	Name      string
	State     StageState
	Total     int
	Counts    domain.Counts
	Threshold float64
	Fraction  float64
}

// Done returns how many of the stage's tasks have a result
func (s StageView) Done() int {
	return s.Counts.Total
}

// TaskView is a running or finished task
type TaskView struct {
	Stage    string
	TaskID   string
	Started  time.Time
	Result   *domain.TaskResult
	Finished time.Time
}

// Model is the TUI application model
type Model struct {
	// Data
	runID   string
	stages  []*StageView
	running []*TaskView
	recent  []*TaskView
	failed  []*TaskView
	summary *domain.Summary
	runErr  error

	concurrency int
	cancel      func()

	// UI state
	width      int
	height     int
	activeTab  int
	cancelling bool
	done       bool
	started    time.Time
	now        time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Stages      []string
	Thresholds  map[string]float64
	Concurrency int
	// Cancel stops the run: queued tasks are skipped, running ones finish
	Cancel func()
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	stages := make([]*StageView, len(cfg.Stages))
	for i, name := range cfg.Stages {
		stages[i] = &StageView{Name: name, State: StagePending, Threshold: cfg.Thresholds[name]}
	}
	now := time.Now()
	return Model{
		stages:      stages,
		concurrency: cfg.Concurrency,
		cancel:      cfg.Cancel,
		started:     now,
		now:         now,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg refreshes elapsed times
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// EventMsg carries a pipeline event into the program
type EventMsg pipeline.Event

// DoneMsg is sent when the pipeline run returns
type DoneMsg struct {
	Summary *domain.Summary
	Err     error
}

// Forward returns an observer that sends pipeline events to p
func Forward(p *tea.Program) pipeline.Observer {
	return func(ev pipeline.Event) {
		p.Send(EventMsg(ev))
	}
}

// Summary returns the run summary once the run has finished
func (m Model) Summary() *domain.Summary {
	return m.summary
}

func (m Model) stage(name string) *StageView {
	for _, s := range m.stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}
