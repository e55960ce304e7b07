package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/runner"
)

type funcRunner func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult

func (f funcRunner) Run(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
	return f(ctx, task)
}

func success(task domain.TaskDescriptor) domain.TaskResult {
	return domain.TaskResult{TaskID: task.ID, Status: domain.StatusSuccess, Attempts: 1}
}

func makeTasks(n int) []domain.TaskDescriptor {
	tasks := make([]domain.TaskDescriptor, n)
	for i := range tasks {
		tasks[i] = domain.TaskDescriptor{
			ID:      fmt.Sprintf("SRR%03d", i),
			Command: []string{"true"},
		}
	}
	return tasks
}

func TestNew_RejectsInvalidLimit(t *testing.T) {
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult { return success(task) })
	if _, err := New(r, 0); err == nil {
		t.Error("New(limit=0) should error")
	}
	if _, err := New(nil, 2); err == nil {
		t.Error("New(nil runner) should error")
	}
}

func TestDispatch_PreservesSubmissionOrder(t *testing.T) {
	for _, limit := range []int{1, 3, 8, 50} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			tasks := makeTasks(20)
			r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
				// Later tasks finish first
				var idx int
				fmt.Sscanf(task.ID, "SRR%03d", &idx)
				time.Sleep(time.Duration(20-idx) * time.Millisecond)
				return success(task)
			})

			d, err := New(r, limit)
			if err != nil {
				t.Fatal(err)
			}
			report := d.Dispatch(context.Background(), tasks)

			if len(report) != len(tasks) {
				t.Fatalf("len(report) = %d, want %d", len(report), len(tasks))
			}
			for i, res := range report {
				if res.TaskID != tasks[i].ID {
					t.Errorf("report[%d].TaskID = %s, want %s", i, res.TaskID, tasks[i].ID)
				}
			}
		})
	}
}

func TestDispatch_RespectsConcurrencyLimit(t *testing.T) {
	var active, peak int32
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return success(task)
	})

	d, _ := New(r, 3)
	d.Dispatch(context.Background(), makeTasks(12))

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	if peak < 2 {
		t.Errorf("peak concurrency = %d, tasks did not run in parallel", peak)
	}
}

func TestDispatch_FailureDoesNotStopBatch(t *testing.T) {
	var calls int32
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
		atomic.AddInt32(&calls, 1)
		if task.ID == "SRR001" || task.ID == "SRR004" {
			code := 1
			return domain.TaskResult{TaskID: task.ID, Status: domain.StatusFailed, Reason: domain.ReasonNonZeroExit, ExitCode: &code, Attempts: 1}
		}
		return success(task)
	})

	d, _ := New(r, 2)
	report := d.Dispatch(context.Background(), makeTasks(6))

	if calls != 6 {
		t.Errorf("runner called %d times, want 6", calls)
	}
	c := report.Counts()
	if c.Failed != 2 || c.Succeeded != 4 {
		t.Errorf("Counts() = %+v, want 2 failed, 4 succeeded", c)
	}
}

func TestDispatch_CancelSkipsQueuedTasks(t *testing.T) {
	var d *Dispatcher
	var started int32
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
		atomic.AddInt32(&started, 1)
		d.Cancel()
		time.Sleep(20 * time.Millisecond)
		return success(task)
	})

	d, _ = New(r, 1)
	report := d.Dispatch(context.Background(), makeTasks(5))

	if started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}
	if report[0].Status != domain.StatusSuccess {
		t.Errorf("report[0].Status = %s, want success", report[0].Status)
	}
	for i := 1; i < 5; i++ {
		if report[i].Status != domain.StatusSkipped || report[i].Reason != domain.ReasonCancelled {
			t.Errorf("report[%d] = %s/%s, want skipped/cancelled", i, report[i].Status, report[i].Reason)
		}
		if report[i].Attempts != 0 {
			t.Errorf("report[%d].Attempts = %d, want 0", i, report[i].Attempts)
		}
	}
}

func TestDispatch_ContextCancellationActsAsFlag(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var d *Dispatcher
	r := funcRunner(func(_ context.Context, task domain.TaskDescriptor) domain.TaskResult {
		cancel()
		deadline := time.Now().Add(2 * time.Second)
		for !d.Cancelled() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return success(task)
	})

	d, _ = New(r, 1)
	report := d.Dispatch(ctx, makeTasks(3))

	if report[0].Status != domain.StatusSuccess {
		t.Errorf("report[0].Status = %s, want success", report[0].Status)
	}
	if report[1].Status != domain.StatusSkipped || report[2].Status != domain.StatusSkipped {
		t.Errorf("queued tasks = %s, %s, want skipped", report[1].Status, report[2].Status)
	}
}

func TestDispatch_Callbacks(t *testing.T) {
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult { return success(task) })
	d, _ := New(r, 2)

	var mu sync.Mutex
	startedIdx := map[int]bool{}
	resultIdx := map[int]domain.TaskStatus{}
	d.SetOnStart(func(index int, task domain.TaskDescriptor) {
		mu.Lock()
		startedIdx[index] = true
		mu.Unlock()
	})
	d.SetOnResult(func(index int, res domain.TaskResult) {
		mu.Lock()
		resultIdx[index] = res.Status
		mu.Unlock()
	})

	d.Dispatch(context.Background(), makeTasks(4))

	if len(startedIdx) != 4 || len(resultIdx) != 4 {
		t.Errorf("started %d, results %d, want 4 each", len(startedIdx), len(resultIdx))
	}
}

func TestDispatch_RecoversRunnerPanic(t *testing.T) {
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
		if task.ID == "SRR000" {
			panic("boom")
		}
		return success(task)
	})
	d, _ := New(r, 2)
	report := d.Dispatch(context.Background(), makeTasks(3))

	if report[0].Status != domain.StatusFailed {
		t.Errorf("report[0].Status = %s, want failed", report[0].Status)
	}
	if report[1].Status != domain.StatusSuccess || report[2].Status != domain.StatusSuccess {
		t.Error("siblings of a panicking task should still succeed")
	}
}

func TestDispatcher_Queued(t *testing.T) {
	var d *Dispatcher
	var seen []int
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult {
		seen = append(seen, d.Queued())
		return success(task)
	})
	d, _ = New(r, 1)

	if d.Queued() != 0 {
		t.Errorf("Queued() before dispatch = %d, want 0", d.Queued())
	}
	d.Dispatch(context.Background(), makeTasks(3))

	// One worker pops a task before running it
	if len(seen) != 3 || seen[0] != 2 || seen[1] != 1 || seen[2] != 0 {
		t.Errorf("Queued() during batch = %v, want [2 1 0]", seen)
	}
	if d.Queued() != 0 {
		t.Errorf("Queued() after dispatch = %d, want 0", d.Queued())
	}
}

func TestDispatch_Empty(t *testing.T) {
	r := funcRunner(func(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult { return success(task) })
	d, _ := New(r, 4)
	if report := d.Dispatch(context.Background(), nil); len(report) != 0 {
		t.Errorf("len(report) = %d, want 0", len(report))
	}
}

func TestDispatch_TimeoutDoesNotBlockSiblings(t *testing.T) {
	work := t.TempDir()
	pr := runner.New(runner.Config{LogDir: filepath.Join(work, "logs")})

	tasks := []domain.TaskDescriptor{
		{
			ID:      "hanging",
			Command: []string{"sh", "-c", "sleep 60"},
			WorkDir: work,
			Timeout: time.Second,
		},
		{
			ID:              "fast",
			Command:         []string{"sh", "-c", "echo done > fast.out"},
			WorkDir:         work,
			ExpectedOutputs: []string{"fast.out"},
		},
	}

	d, _ := New(pr, 2)
	start := time.Now()
	report := d.Dispatch(context.Background(), tasks)

	if len(report) != 2 {
		t.Fatalf("len(report) = %d, want 2", len(report))
	}
	if report[0].TaskID != "hanging" || report[0].Status != domain.StatusTimedOut {
		t.Errorf("report[0] = %s/%s, want hanging/timed_out", report[0].TaskID, report[0].Status)
	}
	if report[1].TaskID != "fast" || report[1].Status != domain.StatusSuccess {
		t.Errorf("report[1] = %s/%s, want fast/success", report[1].TaskID, report[1].Status)
	}
	if report[1].Duration > time.Second {
		t.Errorf("fast task took %s, it was blocked by the hanging task", report[1].Duration)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("batch took %s", elapsed)
	}
}
