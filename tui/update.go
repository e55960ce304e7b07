package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
)

const numTabs = 2

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			if m.done {
				return m, tea.Quit
			}
			m.requestCancel()
		case "ctrl+c":
			if m.done || m.cancelling {
				return m, tea.Quit
			}
			m.requestCancel()
		case "tab":
			m.activeTab = (m.activeTab + 1) % numTabs
		case "f":
			m.activeTab = 1
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.now = time.Time(msg)
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case EventMsg:
		m.applyEvent(pipeline.Event(msg))

	case DoneMsg:
		m.done = true
		m.summary = msg.Summary
		m.runErr = msg.Err
		m.running = nil
	}

	return m, nil
}

func (m *Model) requestCancel() {
	if m.cancelling {
		return
	}
	m.cancelling = true
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Model) applyEvent(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventRunStarted:
		m.runID = ev.RunID
		m.started = ev.Time

	case pipeline.EventStageStarted:
		if s := m.stage(ev.Stage); s != nil {
			s.State = StageRunning
			s.Total = ev.TaskCount
		}

	case pipeline.EventTaskStarted:
		m.running = append(m.running, &TaskView{Stage: ev.Stage, TaskID: ev.TaskID, Started: ev.Time})

	case pipeline.EventTaskFinished:
		tv := &TaskView{Stage: ev.Stage, TaskID: ev.TaskID, Finished: ev.Time, Result: ev.Result}
		for i, r := range m.running {
			if r.Stage == ev.Stage && r.TaskID == ev.TaskID {
				tv.Started = r.Started
				m.running = append(m.running[:i], m.running[i+1:]...)
				break
			}
		}
		if s := m.stage(ev.Stage); s != nil && ev.Result != nil {
			s.Counts.Total++
			switch ev.Result.Status {
			case domain.StatusSuccess:
				s.Counts.Succeeded++
			case domain.StatusSkipped:
				s.Counts.Skipped++
			case domain.StatusTimedOut:
				s.Counts.TimedOut++
			default:
				s.Counts.Failed++
			}
			if !ev.Result.Succeeded() {
				m.failed = append(m.failed, tv)
			}
		}
		m.recent = append([]*TaskView{tv}, m.recent...)
		if len(m.recent) > maxRecent {
			m.recent = m.recent[:maxRecent]
		}

	case pipeline.EventStageFinished:
		if s := m.stage(ev.Stage); s != nil {
			s.Fraction = ev.Fraction
			if ev.Passed {
				s.State = StagePassed
			} else {
				s.State = StageHalted
			}
		}

	case pipeline.EventRunFinished:
		if ev.Summary != nil {
			for _, name := range ev.Summary.NotRun {
				if s := m.stage(name); s != nil {
					s.State = StageNotRun
				}
			}
		}
	}
}
