// Package notify delivers pipeline outcome notifications.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fjbalvino/magenta/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Stage   string // Optional stage reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// StageHalted builds the notification for a stage that fell below its threshold
func StageHalted(runID string, st domain.StageReport) Notification {
	msg := fmt.Sprintf("%.0f%% of tasks passed, %.0f%% required.", st.SuccessFraction*100, st.Threshold*100)
	if ids := st.Report.FailedIDs(); len(ids) > 0 {
		msg += " Failed: " + strings.Join(ids, ", ")
	}
	return Notification{
		Title:   fmt.Sprintf("magenta: stage %s halted the pipeline", st.Name),
		Message: msg,
		Type:    NotifyError,
		RunID:   runID,
		Stage:   st.Name,
	}
}

// RunFinished builds the notification sent when a run ends
func RunFinished(s *domain.Summary) Notification {
	n := Notification{RunID: s.RunID}
	var total, failed int
	for _, st := range s.Stages {
		c := st.Report.Counts()
		total += c.Total
		failed += c.Failed + c.TimedOut
	}
	n.Message = fmt.Sprintf("%d stage(s), %d task(s), %d failed", len(s.Stages), total, failed)

	switch s.Status() {
	case domain.RunHalted:
		n.Title = "magenta: run halted"
		n.Type = NotifyError
	case domain.RunCancelled:
		n.Title = "magenta: run cancelled"
		n.Type = NotifyWarning
	default:
		n.Title = "magenta: run completed"
		n.Type = NotifySuccess
		if failed > 0 {
			n.Type = NotifyWarning
		}
	}
	return n
}
