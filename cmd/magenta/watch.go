package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/observer"
	"github.com/fjbalvino/magenta/internal/report"
)

var (
	watchStages   []string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run qc and assembly whenever new reads land in the data dir",
	Long: `Watch monitors the data directory for FASTQ files. Once writes settle
for the debounce period, new files are added to the sample sheet and the
selected stages run. Samples that already have outputs are skipped, so only
the new ones do any work.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchStages, "stages", []string{"qc", "assembly"}, "stages to run on new reads")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 30*time.Second, "quiet period before a run starts")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	names, err := resolveStages(watchStages)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir := cfg.General.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// One pending trigger is enough: a run picks up every file on disk
	trigger := make(chan struct{}, 1)
	dw, err := observer.NewDataWatcher(dataDir, func(files []string) {
		log.Printf("[watch] %d new read file(s)", len(files))
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	dw.SetDebounce(watchDebounce)

	ctx := cmd.Context()
	dw.Start(ctx)
	defer dw.Stop()
	log.Printf("[watch] watching %s (stages: %v)", dataDir, names)

	notifier := newNotifier(cfg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		}

		added, total, err := discoverInto(cfg, dataDir, nil, false)
		if err != nil {
			log.Printf("[watch] discovering samples: %v", err)
			continue
		}
		log.Printf("[watch] %d new sample(s), %d in sheet", added, total)

		summary, err := runPipeline(ctx, cfg, store, notifier, names)
		if err != nil {
			log.Printf("[watch] run failed: %v", err)
			continue
		}
		report.New(os.Stdout).Summary(summary)
		if summary.ExitCode() == domain.ExitCancelled {
			return &exitError{code: domain.ExitCancelled, err: fmt.Errorf("cancelled")}
		}
	}
}
