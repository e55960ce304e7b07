// Package schedule runs the pipeline on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fjbalvino/magenta/internal/config"
)

// RunFunc runs the pipeline for one schedule
type RunFunc func(ctx context.Context, sc config.ScheduleConfig) error

// Scheduler manages scheduled pipeline runs
type Scheduler struct {
	configs map[string]config.ScheduleConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	mu      sync.RWMutex
}

// New creates a scheduler for the given schedules
func New(configs []config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{
		configs: make(map[string]config.ScheduleConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
	}

	for _, sc := range configs {
		if sc.Name == "" {
			return nil, fmt.Errorf("schedule name is required")
		}
		if _, dup := s.configs[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		if _, err := s.parser.Parse(sc.Cron); err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", sc.Name, err)
		}
		s.configs[sc.Name] = sc
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled time for a schedule after now
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// LastRun returns when a schedule last finished, or zero
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun[name]
}

// Running reports whether a schedule has a run in progress
func (s *Scheduler) Running(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

// List returns all schedule names, sorted
func (s *Scheduler) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the config of a schedule
func (s *Scheduler) Get(name string) (config.ScheduleConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.configs[name]
	return sc, ok
}

func (s *Scheduler) markRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// Trigger runs a schedule now and waits for it. It returns false without
// running when the schedule is unknown or a previous run is still going.
// A non-zero MaxDuration bounds the run's context.
func (s *Scheduler) Trigger(ctx context.Context, name string, run RunFunc) bool {
	sc, ok := s.Get(name)
	if !ok {
		return false
	}
	if !s.markRunning(name) {
		log.Printf("[schedule] %s: previous run still in progress, skipping", name)
		return false
	}
	defer s.markComplete(name)

	if sc.MaxDuration.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.MaxDuration.Duration)
		defer cancel()
	}

	log.Printf("[schedule] %s: starting", name)
	start := time.Now()
	if err := run(ctx, sc); err != nil {
		log.Printf("[schedule] %s: failed after %s: %v", name, time.Since(start).Round(time.Second), err)
	} else {
		log.Printf("[schedule] %s: finished in %s", name, time.Since(start).Round(time.Second))
	}
	return true
}

// Start registers every schedule with a cron runner and blocks until ctx is
// done. Runs in progress get ctx's cancellation and are waited for.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) error {
	c := cron.New(cron.WithParser(s.parser))
	for _, name := range s.List() {
		name := name
		sc, _ := s.Get(name)
		if _, err := c.AddFunc(sc.Cron, func() { s.Trigger(ctx, name, run) }); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
		log.Printf("[schedule] %s: next run %s", name, s.NextRun(name).Format(time.RFC3339))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
