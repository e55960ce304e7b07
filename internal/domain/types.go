package domain

// TaskStatus is the terminal state of a task in a batch
type TaskStatus string

const (
	StatusSuccess  TaskStatus = "success"
	StatusFailed   TaskStatus = "failed"
	StatusTimedOut TaskStatus = "timed_out"
	StatusSkipped  TaskStatus = "skipped"
)

// Reason classifies why a task ended up in its status
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonToolNotFound          Reason = "tool_not_found"
	ReasonNonZeroExit           Reason = "non_zero_exit"
	ReasonTimeout               Reason = "timeout"
	ReasonMissingExpectedOutput Reason = "missing_expected_output"
	ReasonStartError            Reason = "start_error"
	ReasonPreExistingOutput     Reason = "pre_existing_output"
	ReasonCancelled             Reason = "cancelled"
	ReasonUnsupportedInput      Reason = "unsupported_input"
)

// Retryable reports whether another attempt could change the outcome.
// A missing executable will still be missing on the next attempt.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonNonZeroExit, ReasonTimeout, ReasonMissingExpectedOutput, ReasonStartError:
		return true
	default:
		return false
	}
}

// RunStatus represents the state of a pipeline run in the history store
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
	RunCancelled RunStatus = "cancelled"
	RunErrored   RunStatus = "errored"
)
