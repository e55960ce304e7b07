// Package taskstore keeps the history of pipeline runs in SQLite.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjbalvino/magenta/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no run matches an ID
	ErrNotFound = errors.New("run not found")
	// ErrAmbiguous is returned when a run ID prefix matches several runs
	ErrAmbiguous = errors.New("run id prefix is ambiguous")
)

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// RunRecord is one pipeline run
type RunRecord struct {
	ID          string
	Status      domain.RunStatus
	Stages      []string
	FailedStage int
	Cancelled   bool
	NotRun      []string
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Results     []StageRecord
}

// StageRecord is one evaluated stage of a run
type StageRecord struct {
	RunID           string
	Name            string
	Index           int
	SuccessFraction float64
	Threshold       float64
	Passed          bool
	Counts          domain.Counts
	StartedAt       time.Time
	Duration        time.Duration
}

// TaskRecord is one task result of a run
type TaskRecord struct {
	RunID     string
	Stage     string
	TaskID    string
	Status    domain.TaskStatus
	Reason    domain.Reason
	Attempts  int
	ExitCode  *int
	Duration  time.Duration
	StdoutLog string
	StderrLog string
	Error     string
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun inserts a running run
func (s *Store) BeginRun(runID string, stages []string, startedAt time.Time) error {
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, status, stages, started_at)
		VALUES (?, ?, ?, ?)
	`, runID, string(domain.RunRunning), string(stagesJSON), startedAt)
	return err
}

// RecordStage stores a stage outcome and all of its task results
func (s *Store) RecordStage(runID string, st domain.StageReport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c := st.Report.Counts()
	_, err = tx.Exec(`
		INSERT INTO stage_results (run_id, stage, stage_index, success_fraction, threshold, passed,
			total, succeeded, skipped, failed, timed_out, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			success_fraction = excluded.success_fraction,
			passed = excluded.passed,
			total = excluded.total,
			succeeded = excluded.succeeded,
			skipped = excluded.skipped,
			failed = excluded.failed,
			timed_out = excluded.timed_out,
			duration_ms = excluded.duration_ms
	`,
		runID, st.Name, st.Index, st.SuccessFraction, st.Threshold, st.Passed,
		c.Total, c.Succeeded, c.Skipped, c.Failed, c.TimedOut,
		st.StartedAt, st.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting stage %s: %w", st.Name, err)
	}

	if _, err := tx.Exec(`DELETE FROM task_results WHERE run_id = ? AND stage = ?`, runID, st.Name); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO task_results (run_id, stage, position, task_id, status, reason, attempts, exit_code,
			duration_ms, stdout_log, stderr_log, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range st.Report {
		var exitCode sql.NullInt64
		if r.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
		}
		if _, err := stmt.Exec(runID, st.Name, i, r.TaskID, string(r.Status), string(r.Reason), r.Attempts,
			exitCode, r.Duration.Milliseconds(), r.StdoutLog, r.StderrLog, r.Error); err != nil {
			return fmt.Errorf("inserting task %s: %w", r.TaskID, err)
		}
	}

	return tx.Commit()
}

// FinishRun stores the final status of a run. A non-nil runErr marks the run errored.
func (s *Store) FinishRun(runID string, summary *domain.Summary, runErr error) error {
	status := summary.Status()
	var errText string
	if runErr != nil {
		status = domain.RunErrored
		errText = runErr.Error()
	}
	notRunJSON, err := json.Marshal(summary.NotRun)
	if err != nil {
		return err
	}

	finished := summary.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, failed_stage = ?, cancelled = ?, not_run = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(status), summary.FailedStage, summary.Cancelled, string(notRunJSON), errText, finished, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

const runColumns = `id, status, stages, failed_stage, cancelled, not_run, error, started_at, finished_at`

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *Store) ListRuns(limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its stage results. id may be a unique prefix.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id = ? DESC LIMIT 2`,
		id, id+"%", id)
	if err != nil {
		return nil, err
	}
	var matches []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case len(matches) > 1 && matches[0].ID != id:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, id)
	}

	run := matches[0]
	run.Results, err = s.stageResults(run.ID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun returns the most recently started run
func (s *Store) LatestRun() (*RunRecord, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return s.GetRun(runs[0].ID)
}

// TaskResults returns a run's task results in submission order. An empty
// stage returns the results of every stage.
func (s *Store) TaskResults(runID, stage string) ([]TaskRecord, error) {
	query := `SELECT run_id, stage, task_id, status, reason, attempts, exit_code, duration_ms, stdout_log, stderr_log, error
		FROM task_results WHERE run_id = ?`
	args := []interface{}{runID}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}
	query += " ORDER BY id"
	return s.queryTasks(query, args...)
}

// TaskHistory returns every recorded result for a task ID, newest first
func (s *Store) TaskHistory(taskID string) ([]TaskRecord, error) {
	return s.queryTasks(`
		SELECT t.run_id, t.stage, t.task_id, t.status, t.reason, t.attempts, t.exit_code, t.duration_ms, t.stdout_log, t.stderr_log, t.error
		FROM task_results t JOIN runs r ON r.id = t.run_id
		WHERE t.task_id = ?
		ORDER BY r.started_at DESC, t.id DESC
	`, taskID)
}

func (s *Store) stageResults(runID string) ([]StageRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, stage, stage_index, success_fraction, threshold, passed,
			total, succeeded, skipped, failed, timed_out, started_at, duration_ms
		FROM stage_results WHERE run_id = ? ORDER BY stage_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var st StageRecord
		var durationMs int64
		c := &st.Counts
		if err := rows.Scan(&st.RunID, &st.Name, &st.Index, &st.SuccessFraction, &st.Threshold, &st.Passed,
			&c.Total, &c.Succeeded, &c.Skipped, &c.Failed, &c.TimedOut, &st.StartedAt, &durationMs); err != nil {
			return nil, err
		}
		st.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]TaskRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var status string
		var reason, stdout, stderr, errText sql.NullString
		var exitCode sql.NullInt64
		var durationMs int64
		if err := rows.Scan(&t.RunID, &t.Stage, &t.TaskID, &status, &reason, &t.Attempts, &exitCode,
			&durationMs, &stdout, &stderr, &errText); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		t.Reason = domain.Reason(reason.String)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			t.ExitCode = &code
		}
		t.Duration = time.Duration(durationMs) * time.Millisecond
		t.StdoutLog = stdout.String
		t.StderrLog = stderr.String
		t.Error = errText.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (*RunRecord, error) {
	var run RunRecord
	var status, stagesJSON string
	var notRunJSON, errText sql.NullString
	var finished sql.NullTime

	err := rows.Scan(&run.ID, &status, &stagesJSON, &run.FailedStage, &run.Cancelled, &notRunJSON, &errText, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Error = errText.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
		return nil, fmt.Errorf("decoding stages of run %s: %w", run.ID, err)
	}
	if notRunJSON.Valid && notRunJSON.String != "" && notRunJSON.String != "null" {
		if err := json.Unmarshal([]byte(notRunJSON.String), &run.NotRun); err != nil {
			return nil, fmt.Errorf("decoding not_run of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

// Duration returns how long the run took, or has been running
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
