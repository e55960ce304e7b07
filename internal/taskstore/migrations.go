package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    stages TEXT NOT NULL,
    failed_stage INTEGER NOT NULL DEFAULT -1,
    cancelled BOOLEAN NOT NULL DEFAULT FALSE,
    not_run TEXT,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS stage_results (
    run_id TEXT NOT NULL REFERENCES runs(id),
    stage TEXT NOT NULL,
    stage_index INTEGER NOT NULL,
    success_fraction REAL NOT NULL,
    threshold REAL NOT NULL,
    passed BOOLEAN NOT NULL,
    total INTEGER NOT NULL,
    succeeded INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    timed_out INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS task_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    stage TEXT NOT NULL,
    position INTEGER NOT NULL,
    task_id TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    attempts INTEGER NOT NULL,
    exit_code INTEGER,
    duration_ms INTEGER NOT NULL,
    stdout_log TEXT,
    stderr_log TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_results_run ON task_results(run_id, stage);
CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id);
`
