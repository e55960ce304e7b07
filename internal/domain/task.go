package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidTask is returned when a task descriptor fails validation
var ErrInvalidTask = errors.New("invalid task")

// TaskDescriptor describes one invocation of an external tool.
// It is passed by value and never modified once built.
type TaskDescriptor struct {
	ID              string
	Command         []string
	WorkDir         string
	ExpectedOutputs []string
	MaxRetries      int
	Timeout         time.Duration
	Env             map[string]string

	// Unsupported is set when the input cannot be handled by the stage's
	// tool. The task is reported failed without being invoked.
	Unsupported string
}

// Validate checks that the descriptor can be executed and logged
func (t TaskDescriptor) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if strings.ContainsAny(t.ID, `/\`) || t.ID == "." || t.ID == ".." {
		return fmt.Errorf("%w: id %q cannot be used as a file name", ErrInvalidTask, t.ID)
	}
	if t.Unsupported == "" && (len(t.Command) == 0 || t.Command[0] == "") {
		return fmt.Errorf("%w: %s has no command", ErrInvalidTask, t.ID)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: %s has negative max_retries", ErrInvalidTask, t.ID)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: %s has negative timeout", ErrInvalidTask, t.ID)
	}
	return nil
}

// String returns the command line for logging
func (t TaskDescriptor) String() string {
	return strings.Join(t.Command, " ")
}

// MissingOutputs returns the expected outputs that are absent or empty
func (t TaskDescriptor) MissingOutputs() []string {
	var missing []string
	for _, p := range t.ExpectedOutputs {
		if !NonEmpty(t.resolve(p)) {
			missing = append(missing, p)
		}
	}
	return missing
}

// OutputsPresent returns true if the task declares outputs and all of them
// already exist and are non-empty
func (t TaskDescriptor) OutputsPresent() bool {
	return len(t.ExpectedOutputs) > 0 && len(t.MissingOutputs()) == 0
}

func (t TaskDescriptor) resolve(p string) string {
	if filepath.IsAbs(p) || t.WorkDir == "" {
		return p
	}
	return filepath.Join(t.WorkDir, p)
}

// NonEmpty reports whether path is a non-empty file, or a directory holding
// at least one non-empty file
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return info.Size() > 0
	}

	found := false
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil && fi.Size() > 0 {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}
