package taskstore

import (
	"errors"
	"testing"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func intPtr(i int) *int { return &i }

func qcReport() domain.StageReport {
	return domain.StageReport{
		Name:            "qc",
		Index:           2,
		SuccessFraction: 0.5,
		Threshold:       0.5,
		Passed:          true,
		StartedAt:       time.Now(),
		Duration:        1500 * time.Millisecond,
		Report: domain.BatchReport{
			{TaskID: "SRR1", Status: domain.StatusSuccess, ExitCode: intPtr(0), Attempts: 1, Duration: 2 * time.Second, StdoutLog: "/logs/qc/SRR1.1.stdout.log"},
			{TaskID: "SRR2", Status: domain.StatusFailed, Reason: domain.ReasonNonZeroExit, ExitCode: intPtr(2), Attempts: 3, Error: "exit code 2"},
		},
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	store := newTestStore(t)
	started := time.Now().Add(-time.Minute)

	if err := store.BeginRun("run-a", []string{"download", "qc", "assembly"}, started); err != nil {
		t.Fatal(err)
	}

	run, err := store.GetRun("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunRunning {
		t.Errorf("Status = %s, want running", run.Status)
	}
	if run.FinishedAt != nil {
		t.Error("FinishedAt should be nil while running")
	}

	if err := store.RecordStage("run-a", qcReport()); err != nil {
		t.Fatal(err)
	}

	summary := &domain.Summary{RunID: "run-a", FailedStage: 2, NotRun: []string{"assembly"}, FinishedAt: time.Now()}
	if err := store.FinishRun("run-a", summary, nil); err != nil {
		t.Fatal(err)
	}

	run, err = store.GetRun("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunHalted {
		t.Errorf("Status = %s, want halted", run.Status)
	}
	if run.FailedStage != 2 {
		t.Errorf("FailedStage = %d, want 2", run.FailedStage)
	}
	if len(run.Stages) != 3 || len(run.NotRun) != 1 || run.NotRun[0] != "assembly" {
		t.Errorf("Stages = %v, NotRun = %v", run.Stages, run.NotRun)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if len(run.Results) != 1 {
		t.Fatalf("Results = %d, want 1", len(run.Results))
	}
	st := run.Results[0]
	if st.Name != "qc" || st.Counts.Failed != 1 || st.Counts.Succeeded != 1 || st.Duration != 1500*time.Millisecond {
		t.Errorf("stage record = %+v", st)
	}
}

func TestStore_TaskResults(t *testing.T) {
	store := newTestStore(t)
	store.BeginRun("run-a", []string{"qc"}, time.Now())
	if err := store.RecordStage("run-a", qcReport()); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.TaskResults("run-a", "qc")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].TaskID != "SRR1" || tasks[1].TaskID != "SRR2" {
		t.Errorf("order = %s, %s", tasks[0].TaskID, tasks[1].TaskID)
	}
	if tasks[1].ExitCode == nil || *tasks[1].ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", tasks[1].ExitCode)
	}
	if tasks[1].Reason != domain.ReasonNonZeroExit || tasks[1].Attempts != 3 {
		t.Errorf("task = %+v", tasks[1])
	}
	if tasks[0].StdoutLog != "/logs/qc/SRR1.1.stdout.log" {
		t.Errorf("StdoutLog = %q", tasks[0].StdoutLog)
	}

	// Recording the stage again replaces its tasks
	if err := store.RecordStage("run-a", qcReport()); err != nil {
		t.Fatal(err)
	}
	tasks, _ = store.TaskResults("run-a", "")
	if len(tasks) != 2 {
		t.Errorf("len(tasks) after re-record = %d, want 2", len(tasks))
	}
}

func TestStore_SkippedTaskHasNoExitCode(t *testing.T) {
	store := newTestStore(t)
	store.BeginRun("run-a", []string{"download"}, time.Now())
	st := domain.StageReport{
		Name:   "download",
		Report: domain.BatchReport{domain.SkippedResult("SRR1", domain.ReasonPreExistingOutput)},
	}
	if err := store.RecordStage("run-a", st); err != nil {
		t.Fatal(err)
	}
	tasks, _ := store.TaskResults("run-a", "download")
	if len(tasks) != 1 || tasks[0].ExitCode != nil || tasks[0].Attempts != 0 {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.BeginRun(id, []string{"qc"}, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Errorf("ListRuns(2) = %v", runIDs(runs))
	}

	latest, err := store.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "run-3" {
		t.Errorf("LatestRun() = %s, want run-3", latest.ID)
	}
}

func TestStore_GetRunByPrefix(t *testing.T) {
	store := newTestStore(t)
	store.BeginRun("4f1c2a-aaaa", []string{"qc"}, time.Now())
	store.BeginRun("4f1c2a-bbbb", []string{"qc"}, time.Now())
	store.BeginRun("9e0d11-cccc", []string{"qc"}, time.Now())

	run, err := store.GetRun("9e0d")
	if err != nil {
		t.Fatal(err)
	}
	if run.ID != "9e0d11-cccc" {
		t.Errorf("GetRun(9e0d) = %s", run.ID)
	}

	if _, err := store.GetRun("4f1c2a"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("GetRun(4f1c2a) error = %v, want ErrAmbiguous", err)
	}
	if _, err := store.GetRun("ffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(ffff) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FinishRunWithError(t *testing.T) {
	store := newTestStore(t)
	store.BeginRun("run-a", []string{"qc"}, time.Now())

	summary := &domain.Summary{RunID: "run-a", FailedStage: -1, NotRun: []string{"qc"}}
	if err := store.FinishRun("run-a", summary, errors.New("building stage qc: no samples")); err != nil {
		t.Fatal(err)
	}
	run, _ := store.GetRun("run-a")
	if run.Status != domain.RunErrored || run.Error == "" {
		t.Errorf("run = %+v", run)
	}

	if err := store.FinishRun("missing", summary, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_TaskHistory(t *testing.T) {
	store := newTestStore(t)
	store.BeginRun("run-old", []string{"qc"}, time.Now().Add(-time.Hour))
	store.BeginRun("run-new", []string{"qc"}, time.Now())
	store.RecordStage("run-old", qcReport())
	store.RecordStage("run-new", qcReport())

	history, err := store.TaskHistory("SRR2")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].RunID != "run-new" {
		t.Errorf("TaskHistory = %+v", history)
	}
}

func runIDs(runs []*RunRecord) []string {
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}
