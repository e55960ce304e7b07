package main

import (
	"os"
	"path/filepath"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/dispatch"
	"github.com/fjbalvino/magenta/internal/notify"
	"github.com/fjbalvino/magenta/internal/pipeline"
	"github.com/fjbalvino/magenta/internal/runner"
	"github.com/fjbalvino/magenta/internal/stages"
	"github.com/fjbalvino/magenta/internal/taskstore"
)

// configFile returns the config file in effect: --config, a magenta.toml
// found from the working directory, or the user config
func configFile() string {
	if configPath != "" {
		return configPath
	}
	if local := config.FindLocalConfig(); local != "" {
		return local
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return loadConfigWith(nil)
}

// loadConfigWith loads .env, the config file and environment overrides,
// applies override (command flags), then resolves and validates
func loadConfigWith(override func(*config.Config)) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selfCommand is the command line the fetch stage uses to call back into
// this binary with the same config file
func selfCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	self := []string{exe}
	path := configFile()
	if _, err := os.Stat(path); err == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		self = append(self, "--config", abs)
	}
	return self, nil
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if cfg.General.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
			return nil, err
		}
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// newOrchestrator wires the process runner, per-stage log dirs, the history
// store and notifications into a single-use orchestrator
func newOrchestrator(cfg *config.Config, store *taskstore.Store, notifier notify.Notifier) (*pipeline.Orchestrator, error) {
	base := runner.New(runner.Config{
		RetryBackoff: cfg.Runner.RetryBackoff.Duration,
		LogTailLines: cfg.Runner.LogTailLines,
		Debug:        cfg.General.Debug,
	})
	runnerFor := func(stage string) dispatch.TaskRunner {
		return base.WithLogDir(cfg.StageLogDir(stage))
	}

	o, err := pipeline.New(runnerFor, pipeline.Config{
		Concurrency: cfg.General.Concurrency,
		SummaryDir:  cfg.SummaryDir(),
		Debug:       cfg.General.Debug,
		StageOrder:  stages.Order,
	})
	if err != nil {
		return nil, err
	}
	if store != nil {
		o.SetRecorder(store)
	}
	o.SetNotifier(notifier)
	return o, nil
}

// failuresOnly drops success and info notifications
type failuresOnly struct {
	next notify.Notifier
}

func (f failuresOnly) Send(n notify.Notification) error {
	if n.Type == notify.NotifySuccess || n.Type == notify.NotifyInfo {
		return nil
	}
	return f.next.Send(n)
}
