package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
)

// Observer follows pipeline events and collects task metrics
type Observer struct {
	stuckThreshold time.Duration

	running     map[string]time.Time // stage/task -> started
	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	Stage       string
	TaskID      string
	Status      domain.TaskStatus
	Attempts    int
	Duration    time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int
	TotalSucceeded int
	TotalFailed    int
	TotalSkipped   int
	TotalRetries   int
	Running        int
	AvgDuration    time.Duration
}

// StuckTask is a task running longer than the stuck threshold
type StuckTask struct {
	Stage   string
	TaskID  string
	Elapsed time.Duration
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		running:        make(map[string]time.Time),
	}
}

func key(stage, taskID string) string {
	return stage + "/" + taskID
}

// Handle records a pipeline event. It can be passed to
// Orchestrator.Subscribe directly.
func (o *Observer) Handle(ev pipeline.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Kind {
	case pipeline.EventTaskStarted:
		o.running[key(ev.Stage, ev.TaskID)] = ev.Time
	case pipeline.EventTaskFinished:
		delete(o.running, key(ev.Stage, ev.TaskID))
		if ev.Result == nil {
			return
		}
		o.completions = append(o.completions, completion{
			Stage:       ev.Stage,
			TaskID:      ev.TaskID,
			Status:      ev.Result.Status,
			Attempts:    ev.Result.Attempts,
			Duration:    ev.Result.Duration,
			CompletedAt: ev.Time,
		})
	case pipeline.EventRunFinished:
		o.running = make(map[string]time.Time)
	}
}

// Stuck returns running tasks older than the threshold, longest first
func (o *Observer) Stuck(now time.Time) []StuckTask {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []StuckTask
	for k, started := range o.running {
		elapsed := now.Sub(started)
		if elapsed <= o.stuckThreshold {
			continue
		}
		stage, id := splitKey(k)
		out = append(out, StuckTask{Stage: stage, TaskID: id, Elapsed: elapsed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Elapsed > out[j].Elapsed })
	return out
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:]
		}
	}
	return "", k
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{Running: len(o.running)}
	var totalDuration time.Duration
	var ran int

	for _, c := range o.completions {
		metrics.TotalCompleted++
		switch c.Status {
		case domain.StatusSuccess:
			metrics.TotalSucceeded++
		case domain.StatusSkipped:
			metrics.TotalSkipped++
		default:
			metrics.TotalFailed++
		}
		if c.Attempts > 1 {
			metrics.TotalRetries += c.Attempts - 1
		}
		if c.Attempts > 0 {
			totalDuration += c.Duration
			ran++
		}
	}

	if ran > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(ran)
	}

	return metrics
}

// GetRecentCompletions returns stage/task keys completed in the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, key(c.Stage, c.TaskID))
		}
	}

	return result
}
