package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
)

func newTestModel(cancel func()) Model {
	m := NewModel(ModelConfig{
		Stages:      []string{"download", "qc", "assembly"},
		Thresholds:  map[string]float64{"download": 0.5, "qc": 0.5, "assembly": 0.5},
		Concurrency: 4,
		Cancel:      cancel,
	})
	m.width = 120
	m.height = 40
	return m
}

func send(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func event(kind pipeline.EventKind, stage, task string) EventMsg {
	return EventMsg(pipeline.Event{Kind: kind, Time: time.Now(), Stage: stage, TaskID: task})
}

func finishedMsg(stage, task string, status domain.TaskStatus, reason domain.Reason) EventMsg {
	ev := event(pipeline.EventTaskFinished, stage, task)
	ev.Result = &domain.TaskResult{TaskID: task, Status: status, Reason: reason, Attempts: 1}
	return ev
}

func TestNewModel(t *testing.T) {
	m := newTestModel(nil)

	if len(m.stages) != 3 {
		t.Fatalf("stages = %d, want 3", len(m.stages))
	}
	if m.stages[1].Name != "qc" || m.stages[1].State != StagePending || m.stages[1].Threshold != 0.5 {
		t.Errorf("stage 1 = %+v", m.stages[1])
	}
	if m.activeTab != 0 {
		t.Errorf("activeTab = %d, want 0", m.activeTab)
	}
}

func TestModel_AppliesEvents(t *testing.T) {
	m := newTestModel(nil)

	m = send(m, EventMsg(pipeline.Event{Kind: pipeline.EventRunStarted, Time: time.Now(), RunID: "run-1"}))
	stageStarted := event(pipeline.EventStageStarted, "qc", "")
	stageStarted.TaskCount = 3
	m = send(m, stageStarted)
	m = send(m, event(pipeline.EventTaskStarted, "qc", "SRR1"))
	m = send(m, event(pipeline.EventTaskStarted, "qc", "SRR2"))

	if len(m.running) != 2 {
		t.Fatalf("running = %d, want 2", len(m.running))
	}

	m = send(m, finishedMsg("qc", "SRR1", domain.StatusSuccess, ""))
	m = send(m, finishedMsg("qc", "SRR2", domain.StatusFailed, domain.ReasonNonZeroExit))
	m = send(m, finishedMsg("qc", "SRR3", domain.StatusSkipped, domain.ReasonPreExistingOutput))

	qc := m.stage("qc")
	if qc.State != StageRunning || qc.Total != 3 || qc.Done() != 3 {
		t.Errorf("qc = %+v", qc)
	}
	if qc.Counts.Succeeded != 1 || qc.Counts.Failed != 1 || qc.Counts.Skipped != 1 {
		t.Errorf("qc counts = %+v", qc.Counts)
	}
	if len(m.running) != 0 {
		t.Errorf("running = %d, want 0", len(m.running))
	}
	if len(m.failed) != 1 || m.failed[0].TaskID != "SRR2" {
		t.Errorf("failed = %+v", m.failed)
	}
	if len(m.recent) != 3 || m.recent[0].TaskID != "SRR3" {
		t.Errorf("recent should be newest first, got %d entries", len(m.recent))
	}

	stageDone := event(pipeline.EventStageFinished, "qc", "")
	stageDone.Fraction = 2.0 / 3
	stageDone.Passed = true
	m = send(m, stageDone)
	if qc.State != StagePassed {
		t.Errorf("qc state = %s, want passed", qc.State)
	}

	runDone := event(pipeline.EventRunFinished, "", "")
	runDone.Summary = &domain.Summary{NotRun: []string{"assembly"}}
	m = send(m, runDone)
	if m.stage("assembly").State != StageNotRun {
		t.Errorf("assembly state = %s, want not run", m.stage("assembly").State)
	}
}

func TestModel_RecentIsBounded(t *testing.T) {
	m := newTestModel(nil)
	for i := 0; i < maxRecent+5; i++ {
		m = send(m, finishedMsg("download", "SRR"+string(rune('A'+i)), domain.StatusSuccess, ""))
	}
	if len(m.recent) != maxRecent {
		t.Errorf("recent = %d, want %d", len(m.recent), maxRecent)
	}
}

func TestModel_QuitCancelsFirst(t *testing.T) {
	cancels := 0
	m := newTestModel(func() { cancels++ })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(Model)
	if cmd != nil {
		t.Error("q during a run should not quit")
	}
	if !m.cancelling || cancels != 1 {
		t.Errorf("cancelling = %v, cancels = %d", m.cancelling, cancels)
	}

	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cancels != 1 {
		t.Errorf("cancel called %d times, want 1", cancels)
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Error("ctrl+c while cancelling should quit")
	}
}

func TestModel_DoneThenQuit(t *testing.T) {
	m := newTestModel(nil)
	summary := &domain.Summary{RunID: "r", FailedStage: 1}
	m = send(m, DoneMsg{Summary: summary})

	if !m.done || m.Summary() != summary {
		t.Fatal("DoneMsg not applied")
	}
	if !strings.Contains(m.View(), "exit 11") {
		t.Errorf("status bar should show the exit code:\n%s", m.View())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("q after the run should quit")
	}
}

func TestModel_DoneWithError(t *testing.T) {
	m := newTestModel(nil)
	m = send(m, DoneMsg{Err: errors.New("stage build failed")})
	if !strings.Contains(m.View(), "stage build failed") {
		t.Errorf("view should show the error:\n%s", m.View())
	}
}

func TestModel_TabSwitching(t *testing.T) {
	m := newTestModel(nil)
	m = send(m, finishedMsg("qc", "SRR9", domain.StatusTimedOut, domain.ReasonTimeout))

	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activeTab != 1 {
		t.Fatalf("activeTab = %d, want 1", m.activeTab)
	}
	view := m.View()
	if !strings.Contains(view, "FAILED TASKS") || !strings.Contains(view, "SRR9") {
		t.Errorf("failures view:\n%s", view)
	}

	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activeTab != 0 {
		t.Errorf("activeTab = %d, want 0 after wrapping", m.activeTab)
	}
}

func TestModel_ViewBeforeResize(t *testing.T) {
	m := NewModel(ModelConfig{Stages: []string{"qc"}})
	if m.View() != "Loading..." {
		t.Errorf("View() = %q", m.View())
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		done, total int
		filled      int
	}{
		{0, 0, 0},
		{0, 4, 0},
		{2, 4, barWidth / 2},
		{4, 4, barWidth},
		{5, 4, barWidth},
	}
	for _, tt := range tests {
		got := strings.Count(progressBar(tt.done, tt.total), "█")
		if got != tt.filled {
			t.Errorf("progressBar(%d, %d) filled = %d, want %d", tt.done, tt.total, got, tt.filled)
		}
	}
}
