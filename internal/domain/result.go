package domain

import "time"

// TaskResult is the terminal outcome of one task descriptor
type TaskResult struct {
	TaskID         string
	Status         TaskStatus
	Reason         Reason
	ExitCode       *int
	Attempts       int
	StdoutLog      string
	StderrLog      string
	Duration       time.Duration
	MissingOutputs []string
	Error          string
}

// Succeeded returns true for results that count towards a stage's success fraction
func (r TaskResult) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusSkipped
}

// SkippedResult builds the result for a task that was never invoked
func SkippedResult(taskID string, reason Reason) TaskResult {
	return TaskResult{
		TaskID: taskID,
		Status: StatusSkipped,
		Reason: reason,
	}
}

// RejectedResult builds the failed result for a task whose input the stage
// cannot handle
func RejectedResult(t TaskDescriptor) TaskResult {
	return TaskResult{
		TaskID: t.ID,
		Status: StatusFailed,
		Reason: ReasonUnsupportedInput,
		Error:  t.Unsupported,
	}
}

// BatchReport holds one result per submitted task, in submission order
type BatchReport []TaskResult

// Counts aggregates a batch report by status
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

// Counts tallies the results by status
func (b BatchReport) Counts() Counts {
	c := Counts{Total: len(b)}
	for _, r := range b {
		switch r.Status {
		case StatusSuccess:
			c.Succeeded++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		case StatusTimedOut:
			c.TimedOut++
		}
	}
	return c
}

// SuccessFraction returns (success + skipped) / total. An empty batch has
// nothing that failed and reports 1.
func (b BatchReport) SuccessFraction() float64 {
	if len(b) == 0 {
		return 1
	}
	c := b.Counts()
	return float64(c.Succeeded+c.Skipped) / float64(c.Total)
}

// FailedIDs returns the IDs of failed and timed out tasks in submission order
func (b BatchReport) FailedIDs() []string {
	var ids []string
	for _, r := range b {
		if r.Status == StatusFailed || r.Status == StatusTimedOut {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

// PassedIDs returns the IDs of successful and skipped tasks in submission order
func (b BatchReport) PassedIDs() []string {
	ids := []string{}
	for _, r := range b {
		if r.Succeeded() {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}
