// Package pipeline sequences stages of tasks. Each stage is dispatched in
// parallel and gates the next one on its success fraction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fjbalvino/magenta/internal/dispatch"
	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/notify"
	"github.com/google/uuid"
)

// ErrStageBuild is returned when a stage's task list cannot be built
var ErrStageBuild = errors.New("building stage")

// fractionEpsilon absorbs float error when comparing against the threshold
const fractionEpsilon = 1e-9

// Config holds the orchestrator's limits and output locations
type Config struct {
	Concurrency int
	SummaryDir  string // empty disables summary files
	Debug       bool
	StageOrder  []string // numbers exit codes, see domain.Summary
}

// RunnerFactory returns the task runner used for a stage
type RunnerFactory func(stage string) dispatch.TaskRunner

// SharedRunner uses the same runner for every stage
func SharedRunner(r dispatch.TaskRunner) RunnerFactory {
	return func(string) dispatch.TaskRunner { return r }
}

// StageSpec describes a stage whose tasks are built when the stage starts.
// Build receives the IDs of the previous stage's successful and skipped
// tasks, or nil for the first stage of a run.
type StageSpec struct {
	Name                    string
	RequiredSuccessFraction float64
	Build                   func(upstream []string) ([]domain.TaskDescriptor, error)
}

// Static wraps a stage whose tasks are already known
func Static(s domain.Stage) StageSpec {
	tasks := s.Tasks
	return StageSpec{
		Name:                    s.Name,
		RequiredSuccessFraction: s.RequiredSuccessFraction,
		Build: func([]string) ([]domain.TaskDescriptor, error) {
			return tasks, nil
		},
	}
}

// Recorder persists run history
type Recorder interface {
	BeginRun(runID string, stages []string, startedAt time.Time) error
	RecordStage(runID string, st domain.StageReport) error
	FinishRun(runID string, summary *domain.Summary, runErr error) error
}

// Orchestrator runs one pipeline. Once cancelled it stays cancelled.
type Orchestrator struct {
	cfg       Config
	runnerFor RunnerFactory
	recorder  Recorder
	notifier  notify.Notifier
	observers []Observer

	mu        sync.Mutex
	cancelled bool
	cancelCtx context.CancelFunc
	current   *dispatch.Dispatcher
}

// New creates an orchestrator
func New(runnerFor RunnerFactory, cfg Config) (*Orchestrator, error) {
	if runnerFor == nil {
		return nil, fmt.Errorf("nil runner factory")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	return &Orchestrator{
		cfg:       cfg,
		runnerFor: runnerFor,
		notifier:  notify.NoopNotifier{},
	}, nil
}

// SetRecorder sets the run history recorder
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// SetNotifier sets the notifier for halted and finished runs
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	if n == nil {
		n = notify.NoopNotifier{}
	}
	o.notifier = n
}

// Subscribe registers an observer for progress events
func (o *Orchestrator) Subscribe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Cancel skips every task that has not started and halts the run after the
// current stage. Running tasks finish their current attempt.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelled {
		return
	}
	o.cancelled = true
	log.Printf("[pipeline] cancellation requested, halting after the current stage")
	if o.current != nil {
		o.current.Cancel()
	}
	if o.cancelCtx != nil {
		o.cancelCtx()
	}
}

// Cancelled reports whether Cancel has been called
func (o *Orchestrator) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// RunStages runs stages whose task lists are fixed up front
func (o *Orchestrator) RunStages(ctx context.Context, stages []domain.Stage) (*domain.Summary, error) {
	specs := make([]StageSpec, len(stages))
	for i, s := range stages {
		specs[i] = Static(s)
	}
	return o.Run(ctx, specs)
}

// Run executes the stages in order. The summary is returned even when err is
// non-nil; err reports configuration or infrastructure failures only. A stage
// below its threshold is reported through Summary.FailedStage.
func (o *Orchestrator) Run(ctx context.Context, specs []StageSpec) (*domain.Summary, error) {
	names, err := validateSpecs(specs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelCtx = cancel
	o.mu.Unlock()
	stop := context.AfterFunc(ctx, o.Cancel)
	defer stop()

	summary := &domain.Summary{
		RunID:       uuid.NewString(),
		FailedStage: -1,
		StartedAt:   time.Now(),
		StageOrder:  o.cfg.StageOrder,
	}
	if o.recorder != nil {
		if err := o.recorder.BeginRun(summary.RunID, names, summary.StartedAt); err != nil {
			log.Printf("[pipeline] warning: recording run start: %v", err)
		}
	}
	log.Printf("[pipeline] run %s: %d stage(s), concurrency %d", summary.RunID, len(specs), o.cfg.Concurrency)
	o.emit(Event{Kind: EventRunStarted, RunID: summary.RunID, StageNames: names})

	var upstream []string
	var runErr error
	for i, spec := range specs {
		if o.Cancelled() {
			summary.NotRun = names[i:]
			break
		}

		st, err := o.runStage(runCtx, summary.RunID, i, len(specs), spec, upstream)
		if err != nil {
			runErr = err
			summary.NotRun = names[i:]
			break
		}
		summary.Stages = append(summary.Stages, st)

		if o.cfg.SummaryDir != "" {
			if err := WriteStageSummary(o.cfg.SummaryDir, NewStageSummary(summary.RunID, st)); err != nil {
				runErr = fmt.Errorf("persisting %s summary: %w", st.Name, err)
				summary.NotRun = names[i+1:]
				break
			}
		}
		if o.recorder != nil {
			if err := o.recorder.RecordStage(summary.RunID, st); err != nil {
				log.Printf("[pipeline] warning: recording stage %s: %v", st.Name, err)
			}
		}

		if !st.Passed {
			summary.FailedStage = i
			summary.NotRun = names[i+1:]
			log.Printf("[pipeline] stage %s below threshold (%.2f < %.2f), halting", st.Name, st.SuccessFraction, st.Threshold)
			o.notify(notify.StageHalted(summary.RunID, st))
			break
		}
		upstream = st.Report.PassedIDs()
	}

	summary.Cancelled = o.Cancelled()
	summary.FinishedAt = time.Now()

	if o.recorder != nil {
		if err := o.recorder.FinishRun(summary.RunID, summary, runErr); err != nil {
			log.Printf("[pipeline] warning: recording run finish: %v", err)
		}
	}
	if runErr == nil {
		o.notify(notify.RunFinished(summary))
	}
	log.Printf("[pipeline] run %s finished: %s in %s", summary.RunID, summary.Status(), summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	o.emit(Event{Kind: EventRunFinished, RunID: summary.RunID, Summary: summary})

	return summary, runErr
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, index, total int, spec StageSpec, upstream []string) (domain.StageReport, error) {
	st := domain.StageReport{
		Name:      spec.Name,
		Index:     index,
		Threshold: spec.RequiredSuccessFraction,
		StartedAt: time.Now(),
	}

	tasks, err := spec.Build(upstream)
	if err != nil {
		return st, fmt.Errorf("%w %s: %w", ErrStageBuild, spec.Name, err)
	}
	stage := domain.Stage{Name: spec.Name, Tasks: tasks, RequiredSuccessFraction: spec.RequiredSuccessFraction}
	if err := stage.Validate(); err != nil {
		return st, fmt.Errorf("%w: %w", ErrStageBuild, err)
	}

	log.Printf("[pipeline] stage %d/%d %s: %d task(s)", index+1, total, spec.Name, len(tasks))
	o.emit(Event{Kind: EventStageStarted, RunID: runID, Stage: spec.Name, StageIndex: index, TaskCount: len(tasks)})

	report := make(domain.BatchReport, len(tasks))
	var pending []domain.TaskDescriptor
	var pendingIdx []int
	rejected := 0
	for i, t := range tasks {
		if t.Unsupported != "" {
			report[i] = domain.RejectedResult(t)
			o.emitResult(runID, spec.Name, index, report[i])
			rejected++
			continue
		}
		if t.OutputsPresent() {
			report[i] = domain.SkippedResult(t.ID, domain.ReasonPreExistingOutput)
			o.emitResult(runID, spec.Name, index, report[i])
			continue
		}
		pending = append(pending, t)
		pendingIdx = append(pendingIdx, i)
	}
	if rejected > 0 {
		log.Printf("[pipeline] stage %s: %d task(s) rejected as unsupported input", spec.Name, rejected)
	}
	if n := len(tasks) - len(pending) - rejected; n > 0 {
		log.Printf("[pipeline] stage %s: %d task(s) already have their outputs, skipping", spec.Name, n)
	}

	if len(pending) > 0 {
		d, err := dispatch.New(o.runnerFor(spec.Name), o.cfg.Concurrency)
		if err != nil {
			return st, err
		}
		d.SetOnStart(func(_ int, t domain.TaskDescriptor) {
			if o.cfg.Debug {
				log.Printf("[pipeline] %s/%s started", spec.Name, t.ID)
			}
			o.emit(Event{Kind: EventTaskStarted, Time: time.Now(), RunID: runID, Stage: spec.Name, StageIndex: index, TaskID: t.ID})
		})
		d.SetOnResult(func(_ int, r domain.TaskResult) {
			o.emitResult(runID, spec.Name, index, r)
		})

		o.attach(d)
		batch := d.Dispatch(ctx, pending)
		o.detach()

		for j, r := range batch {
			report[pendingIdx[j]] = r
		}
	}

	st.Report = report
	st.SuccessFraction = report.SuccessFraction()
	st.Passed = st.SuccessFraction+fractionEpsilon >= st.Threshold
	st.Duration = time.Since(st.StartedAt)

	c := report.Counts()
	log.Printf("[pipeline] stage %s: %d succeeded, %d skipped, %d failed, %d timed out (fraction %.2f, required %.2f)",
		spec.Name, c.Succeeded, c.Skipped, c.Failed, c.TimedOut, st.SuccessFraction, st.Threshold)
	if ids := report.FailedIDs(); len(ids) > 0 {
		log.Printf("[pipeline] stage %s failed tasks: %v", spec.Name, ids)
	}

	o.emit(Event{
		Kind:       EventStageFinished,
		RunID:      runID,
		Stage:      spec.Name,
		StageIndex: index,
		TaskCount:  len(tasks),
		Report:     &st,
		Fraction:   st.SuccessFraction,
		Passed:     st.Passed,
	})
	return st, nil
}

// attach makes d the target of Cancel for the duration of a stage
func (o *Orchestrator) attach(d *dispatch.Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = d
	if o.cancelled {
		d.Cancel()
	}
}

func (o *Orchestrator) detach() {
	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()
}

func (o *Orchestrator) emitResult(runID, stage string, index int, r domain.TaskResult) {
	o.emit(Event{Kind: EventTaskFinished, RunID: runID, Stage: stage, StageIndex: index, TaskID: r.TaskID, Result: &r})
}

func (o *Orchestrator) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, obs := range o.observers {
		obs(e)
	}
}

func (o *Orchestrator) notify(n notify.Notification) {
	if err := o.notifier.Send(n); err != nil {
		log.Printf("[pipeline] warning: notification failed: %v", err)
	}
}

func validateSpecs(specs []StageSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no stages to run")
	}
	names := make([]string, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		if s.Build == nil {
			return nil, fmt.Errorf("stage %s has no task builder", s.Name)
		}
		if s.RequiredSuccessFraction < 0 || s.RequiredSuccessFraction > 1 {
			return nil, fmt.Errorf("stage %s: required_success_fraction %.2f outside [0,1]", s.Name, s.RequiredSuccessFraction)
		}
		seen[s.Name] = true
		names[i] = s.Name
	}
	return names, nil
}
