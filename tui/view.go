package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fjbalvino/magenta/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	pendingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))
)

const barWidth = 24

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	runID := m.runID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	header := fmt.Sprintf(" magenta │ Run: %s │ Running: %d/%d │ Elapsed: %s ",
		runID, len(m.running), m.concurrency, m.now.Sub(m.started).Round(time.Second))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderStages()))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")
	switch m.activeTab {
	case 0:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActivity()))
	case 1:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderFailures()))
	}
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Activity", fmt.Sprintf("Failures (%d)", len(m.failed))}
	var parts []string
	for i, t := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(t))
		} else {
			parts = append(parts, tabInactiveStyle.Render(t))
		}
	}
	return " " + strings.Join(parts, "  ")
}

func (m Model) renderStages() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("STAGES"))
	b.WriteString("\n")

	for _, s := range m.stages {
		line := fmt.Sprintf("%-10s %s %3d/%-3d ok %d  skip %d  fail %d  timeout %d",
			s.Name, progressBar(s.Done(), s.Total), s.Done(), s.Total,
			s.Counts.Succeeded, s.Counts.Skipped, s.Counts.Failed, s.Counts.TimedOut)
		b.WriteString(line)
		b.WriteString("  ")
		b.WriteString(stageStateLabel(s))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func stageStateLabel(s *StageView) string {
	switch s.State {
	case StageRunning:
		return runningStyle.Render("running")
	case StagePassed:
		return runningStyle.Render(fmt.Sprintf("passed %.0f%% (need %.0f%%)", s.Fraction*100, s.Threshold*100))
	case StageHalted:
		return errorStyle.Render(fmt.Sprintf("HALTED %.0f%% < %.0f%%", s.Fraction*100, s.Threshold*100))
	case StageNotRun:
		return pendingStyle.Render("not run")
	}
	return pendingStyle.Render("pending")
}

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * barWidth / total
	}
	if filled > barWidth {
		filled = barWidth
	}
	return runningStyle.Render(strings.Repeat("█", filled)) + pendingStyle.Render(strings.Repeat("░", barWidth-filled))
}

func (m Model) renderActivity() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")
	if len(m.running) == 0 {
		b.WriteString(pendingStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, t := range m.running {
		b.WriteString(fmt.Sprintf("  %s %-10s %-16s %s\n", runningStyle.Render("●"), t.Stage, t.TaskID, m.now.Sub(t.Started).Round(time.Second)))
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("RECENT"))
	b.WriteString("\n")
	if len(m.recent) == 0 {
		b.WriteString(pendingStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, t := range m.recent {
		b.WriteString(fmt.Sprintf("  %s %-10s %-16s %s\n", resultMark(t.Result), t.Stage, t.TaskID, resultText(t.Result)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderFailures() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("FAILED TASKS"))
	b.WriteString("\n")
	if len(m.failed) == 0 {
		b.WriteString(pendingStyle.Render("  (none)"))
		return b.String()
	}
	for _, t := range m.failed {
		b.WriteString(fmt.Sprintf("  %s %-10s %-16s %s\n", errorStyle.Render("✗"), t.Stage, t.TaskID, resultText(t.Result)))
		if t.Result != nil && t.Result.StderrLog != "" {
			b.WriteString(pendingStyle.Render("      " + t.Result.StderrLog))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultMark(r *domain.TaskResult) string {
	switch {
	case r == nil:
		return pendingStyle.Render("?")
	case r.Status == domain.StatusSuccess:
		return runningStyle.Render("✓")
	case r.Status == domain.StatusSkipped:
		return pendingStyle.Render("-")
	case r.Status == domain.StatusTimedOut:
		return warningStyle.Render("⏱")
	}
	return errorStyle.Render("✗")
}

func resultText(r *domain.TaskResult) string {
	if r == nil {
		return ""
	}
	text := string(r.Status)
	if r.Reason != domain.ReasonNone {
		text += " (" + string(r.Reason) + ")"
	}
	if r.Attempts > 1 {
		text += fmt.Sprintf(" after %d attempts", r.Attempts)
	}
	if r.Attempts > 0 {
		text += " " + r.Duration.Round(time.Second).String()
	}
	return text
}

func (m Model) renderStatusBar() string {
	var status string
	switch {
	case m.done && m.runErr != nil:
		status = errorStyle.Render(" error: "+m.runErr.Error()) + " │ q: quit"
	case m.done && m.summary != nil:
		status = fmt.Sprintf(" finished: %s (exit %d) │ q: quit", m.summary.Status(), m.summary.ExitCode())
	case m.done:
		status = " finished │ q: quit"
	case m.cancelling:
		status = warningStyle.Render(" cancelling: waiting for running tasks") + " │ ctrl+c: quit now"
	default:
		status = " q: cancel run │ tab: switch view │ f: failures"
	}
	return statusBarStyle.Width(m.width).Render(status)
}
