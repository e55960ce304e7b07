package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/notify"
	"github.com/fjbalvino/magenta/internal/report"
	"github.com/fjbalvino/magenta/internal/schedule"
	"github.com/fjbalvino/magenta/internal/stages"
	"github.com/fjbalvino/magenta/internal/taskstore"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured cron schedules",
	Long: `Schedule stays in the foreground and starts a pipeline run whenever
one of the [[schedule]] entries in the config fires. A schedule that is still
running when it fires again is skipped.`,
	Args: cobra.NoArgs,
	RunE: runScheduleDaemon,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured schedules and their next run",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleNow,
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func loadScheduler() (*config.Config, *schedule.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	sched, err := schedule.New(cfg.Schedules)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sched, nil
}

func runScheduleDaemon(cmd *cobra.Command, args []string) error {
	cfg, sched, err := loadScheduler()
	if err != nil {
		return err
	}
	if len(sched.List()) == 0 {
		return fmt.Errorf("no schedules in %s", configFile())
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, name := range sched.List() {
		log.Printf("[schedule] %s next run at %s", name, sched.NextRun(name).Format("2006-01-02 15:04"))
	}
	return sched.Start(cmd.Context(), scheduledRun(cfg, store))
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	_, sched, err := loadScheduler()
	if err != nil {
		return err
	}
	report.New(os.Stdout).Schedules(sched.List(), sched.NextRun, func(name string) []string {
		sc, _ := sched.Get(name)
		return sc.Stages
	})
	return nil
}

func runScheduleNow(cmd *cobra.Command, args []string) error {
	cfg, sched, err := loadScheduler()
	if err != nil {
		return err
	}
	if _, ok := sched.Get(args[0]); !ok {
		return fmt.Errorf("unknown schedule %q", args[0])
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var runErr error
	run := scheduledRun(cfg, store)
	sched.Trigger(cmd.Context(), args[0], func(ctx context.Context, sc config.ScheduleConfig) error {
		runErr = run(ctx, sc)
		return runErr
	})
	return runErr
}

// scheduledRun builds a fresh orchestrator for every firing
func scheduledRun(cfg *config.Config, store *taskstore.Store) schedule.RunFunc {
	return func(ctx context.Context, sc config.ScheduleConfig) error {
		names, err := resolveStages(sc.Stages)
		if err != nil {
			return err
		}
		var notifier notify.Notifier = newNotifier(cfg)
		if !sc.NotifyOnComplete {
			notifier = failuresOnly{next: notifier}
		}

		summary, err := runPipeline(ctx, cfg, store, notifier, names)
		if err != nil {
			return err
		}
		report.New(os.Stdout).Summary(summary)
		if code := summary.ExitCode(); code != domain.ExitOK {
			return &exitError{code: code, err: fmt.Errorf("run %s finished with exit status %d", shortRunID(summary.RunID), code)}
		}
		return nil
	}
}

// resolveStages validates a stage list and puts it in pipeline order.
// An empty list selects every stage.
func resolveStages(list []string) ([]string, error) {
	if len(list) == 0 {
		return append([]string(nil), stages.Order...), nil
	}
	want := make(map[string]bool, len(list))
	for _, name := range list {
		if name == "all" {
			return append([]string(nil), stages.Order...), nil
		}
		if _, err := stages.Select(name); err != nil {
			return nil, err
		}
		want[name] = true
	}
	var out []string
	for _, name := range stages.Order {
		if want[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// runPipeline runs the named stages without any interactive surface
func runPipeline(ctx context.Context, cfg *config.Config, store *taskstore.Store, notifier notify.Notifier, names []string) (*domain.Summary, error) {
	self, err := selfCommand()
	if err != nil {
		return nil, err
	}
	specs, err := stages.NewBuilder(cfg, self, nil).Specs(names)
	if err != nil {
		return nil, err
	}
	o, err := newOrchestrator(cfg, store, notifier)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, specs)
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
