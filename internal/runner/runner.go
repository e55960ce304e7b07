// Package runner executes a single task descriptor as a subprocess with
// per-attempt log files, a timeout and bounded retries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
)

// waitDelay bounds how long Wait blocks on I/O after the process is killed
const waitDelay = 5 * time.Second

// Config configures the process runner
type Config struct {
	LogDir       string
	RetryBackoff time.Duration
	LogTailLines int
	Debug        bool
}

// Runner runs task descriptors as external processes
type Runner struct {
	config Config
}

// New creates a new process runner
func New(config Config) *Runner {
	return &Runner{config: config}
}

// LogDir returns the directory log files are written to
func (r *Runner) LogDir() string {
	return r.config.LogDir
}

// WithLogDir returns a runner with the same settings writing logs to dir
func (r *Runner) WithLogDir(dir string) *Runner {
	cfg := r.config
	cfg.LogDir = dir
	return New(cfg)
}

// LogPaths returns the stdout and stderr log paths for an attempt
func (r *Runner) LogPaths(taskID string, attempt int) (stdout, stderr string) {
	return LogPaths(r.config.LogDir, taskID, attempt)
}

// LogPaths returns <dir>/<task_id>.<attempt>.{stdout,stderr}.log
func LogPaths(dir, taskID string, attempt int) (stdout, stderr string) {
	base := filepath.Join(dir, fmt.Sprintf("%s.%d", taskID, attempt))
	return base + ".stdout.log", base + ".stderr.log"
}

// Run executes the task, retrying failed and timed out attempts up to
// task.MaxRetries times. Cancelling ctx never interrupts a running attempt;
// it only prevents further retries.
func (r *Runner) Run(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
	start := time.Now()

	if err := task.Validate(); err != nil {
		return domain.TaskResult{
			TaskID:   task.ID,
			Status:   domain.StatusFailed,
			Reason:   domain.ReasonStartError,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}
	if task.Unsupported != "" {
		return domain.RejectedResult(task)
	}

	maxAttempts := 1 + task.MaxRetries
	var result domain.TaskResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && !r.wait(ctx) {
			log.Printf("[runner] %s: not retrying after cancellation", task.ID)
			break
		}

		result = r.attempt(ctx, task, attempt)
		result.Attempts = attempt

		if result.Status == domain.StatusSuccess {
			break
		}
		r.logFailure(task, result, attempt, maxAttempts)
		if !result.Reason.Retryable() {
			break
		}
	}

	result.Duration = time.Since(start)
	if r.config.Debug {
		log.Printf("[runner] %s finished in %.2fs: %s after %d attempt(s)",
			task.ID, result.Duration.Seconds(), result.Status, result.Attempts)
	}
	return result
}

// wait sleeps for the retry backoff. It returns false once ctx is done.
func (r *Runner) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if r.config.RetryBackoff <= 0 {
		return true
	}
	timer := time.NewTimer(r.config.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) attempt(ctx context.Context, task domain.TaskDescriptor, attempt int) domain.TaskResult {
	res := domain.TaskResult{TaskID: task.ID}
	res.StdoutLog, res.StderrLog = r.LogPaths(task.ID, attempt)

	path, err := resolveExecutable(task)
	if err != nil {
		res.Status = domain.StatusFailed
		res.Reason = domain.ReasonToolNotFound
		res.Error = err.Error()
		return res
	}

	if err := r.prepareDirs(task); err != nil {
		return startFailure(res, err)
	}

	stdout, err := os.Create(res.StdoutLog)
	if err != nil {
		return startFailure(res, fmt.Errorf("creating stdout log: %w", err))
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrLog)
	if err != nil {
		return startFailure(res, fmt.Errorf("creating stderr log: %w", err))
	}
	defer stderr.Close()

	// The attempt only ends on process exit or its own deadline.
	base := context.WithoutCancel(ctx)
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		actx, cancel = context.WithTimeout(base, task.Timeout)
	} else {
		actx, cancel = context.WithCancel(base)
	}
	defer cancel()

	cmd := exec.CommandContext(actx, path, task.Command[1:]...)
	cmd.Dir = task.WorkDir
	cmd.Env = buildEnv(task.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	if r.config.Debug {
		log.Printf("[runner] %s attempt %d: %s (dir=%s)", task.ID, attempt, task.String(), task.WorkDir)
	}

	err = cmd.Run()
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		res.Status = domain.StatusTimedOut
		res.Reason = domain.ReasonTimeout
		res.Error = fmt.Sprintf("timed out after %s", task.Timeout)
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			res.ExitCode = &code
			res.Status = domain.StatusFailed
			res.Reason = domain.ReasonNonZeroExit
			res.Error = fmt.Sprintf("exit code %d", code)
			return res
		}
		return startFailure(res, err)
	}

	code := 0
	res.ExitCode = &code
	if missing := task.MissingOutputs(); len(missing) > 0 {
		res.Status = domain.StatusFailed
		res.Reason = domain.ReasonMissingExpectedOutput
		res.MissingOutputs = missing
		res.Error = "exit 0 but missing declared outputs: " + strings.Join(missing, ", ")
		return res
	}

	res.Status = domain.StatusSuccess
	return res
}

func (r *Runner) prepareDirs(task domain.TaskDescriptor) error {
	if r.config.LogDir != "" {
		if err := os.MkdirAll(r.config.LogDir, 0755); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
	}
	if task.WorkDir != "" {
		if err := os.MkdirAll(task.WorkDir, 0755); err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
	}
	return nil
}

func (r *Runner) logFailure(task domain.TaskDescriptor, res domain.TaskResult, attempt, maxAttempts int) {
	log.Printf("[runner] %s attempt %d/%d %s: %s", task.ID, attempt, maxAttempts, res.Status, res.Error)
	if r.config.LogTailLines <= 0 || res.Reason == domain.ReasonToolNotFound {
		return
	}
	lines, err := tailLines(res.StderrLog, r.config.LogTailLines)
	if err != nil || len(lines) == 0 {
		return
	}
	log.Printf("[runner] %s stderr tail (%s):", task.ID, res.StderrLog)
	for _, line := range lines {
		log.Printf("[runner]   %s", line)
	}
}

func startFailure(res domain.TaskResult, err error) domain.TaskResult {
	res.Status = domain.StatusFailed
	res.Reason = domain.ReasonStartError
	res.Error = err.Error()
	return res
}

// resolveExecutable finds the task's executable. Relative paths with a
// separator are taken relative to the task's work dir.
func resolveExecutable(task domain.TaskDescriptor) (string, error) {
	exe := task.Command[0]
	if strings.ContainsRune(exe, filepath.Separator) && !filepath.IsAbs(exe) && task.WorkDir != "" {
		exe = filepath.Join(task.WorkDir, exe)
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("%s: %w", task.Command[0], err)
	}
	return filepath.Abs(path)
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
