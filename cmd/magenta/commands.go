package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/observer"
	"github.com/fjbalvino/magenta/internal/pipeline"
	"github.com/fjbalvino/magenta/internal/report"
	"github.com/fjbalvino/magenta/internal/runner"
	"github.com/fjbalvino/magenta/internal/stages"
	"github.com/fjbalvino/magenta/internal/taskstore"
	"github.com/fjbalvino/magenta/tui"
	"github.com/fjbalvino/magenta/web/api"
)

// stuckThreshold flags tasks running far longer than a typical tool call
const stuckThreshold = 12 * time.Hour

var (
	runConcurrency int
	runDataDir     string
	runResultsDir  string
	runLogsDir     string
	runToolArgs    []string
	runAssembler   string
	runTUI         bool
	runListen      string

	historyLimit int

	logsStage   string
	logsAttempt int
	logsStderr  bool
	logsHistory bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run [STAGE|all]",
		Short: "Run one stage or the whole pipeline",
		Long: `Run executes the named stage, or every stage in order when STAGE is
"all" or omitted. Samples whose expected outputs already exist are skipped,
so an interrupted run can simply be started again.

Exit status is 0 on success and 1 on configuration errors. A stage that
falls below its required success fraction exits with 10 plus its position
in the full pipeline, whether it ran alone or with the others: 10 fetch,
11 download, 12 qc, 13 assembly. A cancelled run exits with 130.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "maximum tasks running at once (default from config)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "directory for downloaded reads")
	runCmd.Flags().StringVar(&runResultsDir, "results-dir", "", "directory for qc, assembly and summaries")
	runCmd.Flags().StringVar(&runLogsDir, "logs-dir", "", "directory for per-task logs")
	runCmd.Flags().StringArrayVar(&runToolArgs, "tool-arg", nil, "extra argument for a stage's tool as STAGE=ARG (repeatable)")
	runCmd.Flags().StringVar(&runAssembler, "assembler", "", "assembler to use: megahit or metaspades")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live progress dashboard")
	runCmd.Flags().StringVar(&runListen, "listen", "", "serve the status API and event stream on ADDR while running")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest summary of every stage",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show (0 for all)")
	rootCmd.AddCommand(historyCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run's stages and task results",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs TASK_ID",
		Short: "Print a task's log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logsStage, "stage", "", "stage the task ran in (default: latest stage with logs)")
	logsCmd.Flags().IntVar(&logsAttempt, "attempt", 0, "attempt number (default: last attempt)")
	logsCmd.Flags().BoolVar(&logsStderr, "stderr", false, "print stderr instead of stdout")
	logsCmd.Flags().BoolVar(&logsHistory, "history", false, "list the task's recorded results across runs")
	rootCmd.AddCommand(logsCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	stageArg := "all"
	if len(args) == 1 {
		stageArg = args[0]
	}
	names, err := stages.Select(stageArg)
	if err != nil {
		return err
	}
	toolArgs, err := stages.ParseToolArgs(runToolArgs)
	if err != nil {
		return err
	}

	cfg, err := loadConfigWith(func(c *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("concurrency") {
			c.General.Concurrency = runConcurrency
		}
		if runDataDir != "" {
			c.General.DataDir = runDataDir
		}
		if runResultsDir != "" {
			c.General.ResultsDir = runResultsDir
		}
		if runLogsDir != "" {
			c.General.LogsDir = runLogsDir
		}
		if runAssembler != "" {
			c.Assembly.Assembler = runAssembler
		}
	})
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	self, err := selfCommand()
	if err != nil {
		return err
	}
	specs, err := stages.NewBuilder(cfg, self, toolArgs).Specs(names)
	if err != nil {
		return err
	}

	o, err := newOrchestrator(cfg, store, newNotifier(cfg))
	if err != nil {
		return err
	}
	obs := observer.New(stuckThreshold)
	o.Subscribe(obs.Handle)

	ctx := cmd.Context()
	stopServer := func() {}
	if runListen != "" {
		srv := api.NewServer(store, obs, runListen)
		o.Subscribe(srv.Observer())
		stopServer = serveDuring(ctx, srv.Start)
	}

	var summary *domain.Summary
	if runTUI {
		summary, err = runWithTUI(ctx, cfg, o, specs)
	} else {
		summary, err = o.Run(ctx, specs)
	}
	stopServer()

	if summary != nil {
		report.New(os.Stdout).Summary(summary)
	}
	if err != nil {
		return &exitError{code: domain.ExitError, err: err}
	}
	if code := summary.ExitCode(); code != domain.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// serveDuring starts a server that outlives cancellation of ctx, so the
// status API keeps answering while cancelled tasks drain. The returned
// function stops the server and waits for it to exit.
func serveDuring(ctx context.Context, start func(context.Context) error) (stop func()) {
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := start(srvCtx); err != nil {
			fmt.Fprintf(os.Stderr, "status API: %v\n", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runWithTUI runs the pipeline behind the dashboard. Log output goes to
// <logs>/magenta.log while the dashboard owns the terminal.
func runWithTUI(ctx context.Context, cfg *config.Config, o *pipeline.Orchestrator, specs []pipeline.StageSpec) (*domain.Summary, error) {
	if err := os.MkdirAll(cfg.General.LogsDir, 0755); err != nil {
		return nil, err
	}
	logFile, err := tea.LogToFile(filepath.Join(cfg.General.LogsDir, "magenta.log"), "")
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	names := make([]string, len(specs))
	thresholds := make(map[string]float64, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		thresholds[s.Name] = s.RequiredSuccessFraction
	}

	p := tea.NewProgram(tui.NewModel(tui.ModelConfig{
		Stages:      names,
		Thresholds:  thresholds,
		Concurrency: cfg.General.Concurrency,
		Cancel:      o.Cancel,
	}), tea.WithAltScreen())
	o.Subscribe(tui.Forward(p))

	var summary *domain.Summary
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		summary, runErr = o.Run(ctx, specs)
		p.Send(tui.DoneMsg{Summary: summary, Err: runErr})
		if ctx.Err() != nil {
			p.Quit()
		}
	}()

	if _, err := p.Run(); err != nil {
		o.Cancel()
		<-done
		return summary, err
	}
	// Quitting the dashboard early cancels the run
	o.Cancel()
	<-done
	return summary, runErr
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	list, err := pipeline.ReadStageSummaries(cfg.SummaryDir())
	if err != nil {
		return err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return stagePosition(list[i].Stage) < stagePosition(list[j].Stage)
	})
	report.New(os.Stdout).StageSummaries(list)
	return nil
}

func stagePosition(name string) int {
	for i, s := range stages.Order {
		if s == name {
			return i
		}
	}
	return len(stages.Order)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	report.New(os.Stdout).Runs(runs)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	tasks, err := store.TaskResults(run.ID, "")
	if err != nil {
		return err
	}

	byStage := make(map[string][]taskstore.TaskRecord)
	for _, t := range tasks {
		byStage[t.Stage] = append(byStage[t.Stage], t)
	}
	report.New(os.Stdout).Run(run, byStage)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if logsHistory {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		records, err := store.TaskHistory(taskID)
		if err != nil {
			return err
		}
		report.New(os.Stdout).TaskHistory(records)
		return nil
	}

	path, err := findLog(cfg, taskID, logsStage, logsAttempt, logsStderr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(os.Stderr, "==> %s <==\n", path)
	_, err = io.Copy(os.Stdout, f)
	return err
}

// findLog locates a task's log. Without a stage it takes the last stage in
// pipeline order that has logs for the task; without an attempt, the highest.
func findLog(cfg *config.Config, taskID, stage string, attempt int, stderr bool) (string, error) {
	candidates := stages.Order
	if stage != "" {
		if _, err := stages.Select(stage); err != nil || stage == "all" {
			return "", fmt.Errorf("unknown stage %q", stage)
		}
		candidates = []string{stage}
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		dir := cfg.StageLogDir(candidates[i])
		n := attempt
		if n == 0 {
			n = lastAttempt(dir, taskID)
		}
		if n == 0 {
			continue
		}
		stdoutPath, stderrPath := runner.LogPaths(dir, taskID, n)
		path := stdoutPath
		if stderr {
			path = stderrPath
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no logs for task %s in %s", taskID, cfg.General.LogsDir)
}

// lastAttempt returns the highest attempt number with a log in dir, or 0
func lastAttempt(dir, taskID string) int {
	matches, _ := filepath.Glob(filepath.Join(dir, taskID+".*.stdout.log"))
	last := 0
	for _, m := range matches {
		rest := strings.TrimPrefix(filepath.Base(m), taskID+".")
		n, err := strconv.Atoi(strings.TrimSuffix(rest, ".stdout.log"))
		if err == nil && n > last {
			last = n
		}
	}
	return last
}
