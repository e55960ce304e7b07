// Package report renders run summaries, stage summaries and run history for
// the terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
	"github.com/fjbalvino/magenta/internal/samples"
	"github.com/fjbalvino/magenta/internal/taskstore"
)

// Printer writes tables to w. Colors are used only when w is a terminal.
type Printer struct {
	w      io.Writer
	header lipgloss.Style
	ok     lipgloss.Style
	bad    lipgloss.Style
	warn   lipgloss.Style
	dim    lipgloss.Style
}

// New creates a printer for w
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("196")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("244")),
	}
}

func (p *Printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
}

// verdict is the last column of stage tables, styled after alignment
func (p *Printer) verdict(passed bool) string {
	if passed {
		return p.ok.Render("passed")
	}
	return p.bad.Render("HALTED")
}

func (p *Printer) runStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunCompleted:
		return p.ok.Render(string(s))
	case domain.RunHalted, domain.RunErrored:
		return p.bad.Render(string(s))
	case domain.RunCancelled, domain.RunRunning:
		return p.warn.Render(string(s))
	}
	return string(s)
}

func pct(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}

// Summary prints the outcome of a pipeline run
func (p *Printer) Summary(s *domain.Summary) {
	fmt.Fprintln(p.w, p.header.Render("Run "+s.RunID))

	w := p.table()
	fmt.Fprintln(w, "STAGE\tTASKS\tOK\tSKIPPED\tFAILED\tTIMED OUT\tPASSED\tREQUIRED\tTIME\tRESULT")
	for _, st := range s.Stages {
		c := st.Report.Counts()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			st.Name, c.Total, c.Succeeded, c.Skipped, c.Failed, c.TimedOut,
			pct(st.SuccessFraction), pct(st.Threshold),
			st.Duration.Round(time.Second), p.verdict(st.Passed))
	}
	w.Flush()

	failed := s.FailedTaskIDs()
	for _, st := range s.Stages {
		if ids := failed[st.Name]; len(ids) > 0 {
			fmt.Fprintf(p.w, "%s failed in %s: %s\n", p.bad.Render(fmt.Sprintf("%d", len(ids))), st.Name, strings.Join(ids, ", "))
		}
		if st.BuildError != "" {
			fmt.Fprintf(p.w, "%s: %s\n", st.Name, p.bad.Render(st.BuildError))
		}
	}

	switch {
	case s.FailedStage >= 0 && len(s.Stages) > 0:
		st := s.Stages[len(s.Stages)-1]
		fmt.Fprintf(p.w, "Halted: %s passed %s, required %s\n", st.Name, pct(st.SuccessFraction), pct(st.Threshold))
	case s.Cancelled:
		fmt.Fprintln(p.w, p.warn.Render("Cancelled"))
	}
	if len(s.NotRun) > 0 {
		fmt.Fprintf(p.w, "Not run: %s\n", strings.Join(s.NotRun, ", "))
	}
	fmt.Fprintf(p.w, "Finished in %s (exit %d)\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second), s.ExitCode())
}

// StageSummaries prints persisted stage summaries, as written by the last runs
func (p *Printer) StageSummaries(list []pipeline.StageSummary) {
	if len(list) == 0 {
		fmt.Fprintln(p.w, "No stage summaries yet")
		return
	}

	w := p.table()
	fmt.Fprintln(w, "STAGE\tRUN\tWHEN\tTASKS\tOK\tSKIPPED\tFAILED\tTIMED OUT\tPASSED\tREQUIRED\tRESULT")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.Stage, shortID(s.RunID), humanize.Time(s.StartedAt),
			s.Counts.Total, s.Counts.Succeeded, s.Counts.Skipped, s.Counts.Failed, s.Counts.TimedOut,
			pct(s.SuccessFraction), pct(s.Threshold), p.verdict(s.Passed))
	}
	w.Flush()

	for _, s := range list {
		var failed []string
		for _, t := range s.Tasks {
			if t.Status == string(domain.StatusFailed) || t.Status == string(domain.StatusTimedOut) {
				failed = append(failed, t.ID)
			}
		}
		if len(failed) > 0 {
			fmt.Fprintf(p.w, "%s failed in %s: %s\n", p.bad.Render(fmt.Sprintf("%d", len(failed))), s.Stage, strings.Join(failed, ", "))
		}
	}
}

// Runs prints run history, newest first
func (p *Printer) Runs(runs []*taskstore.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, "No runs recorded")
		return
	}

	w := p.table()
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSTAGES\tSTATUS")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), humanize.Time(r.StartedAt), dur, strings.Join(r.Stages, ","), p.runStatus(r.Status))
	}
	w.Flush()
}

// Run prints one run with its stages and task results
func (p *Printer) Run(r *taskstore.RunRecord, tasks map[string][]taskstore.TaskRecord) {
	fmt.Fprintf(p.w, "%s %s\n", p.header.Render("Run "+r.ID), p.runStatus(r.Status))
	fmt.Fprintf(p.w, "Started %s (%s)\n", r.StartedAt.Format(time.RFC3339), humanize.Time(r.StartedAt))
	if r.Error != "" {
		fmt.Fprintf(p.w, "Error: %s\n", p.bad.Render(r.Error))
	}
	if len(r.NotRun) > 0 {
		fmt.Fprintf(p.w, "Not run: %s\n", strings.Join(r.NotRun, ", "))
	}

	for _, st := range r.Results {
		fmt.Fprintf(p.w, "\n%s  %s of %d passed, required %s  %s\n",
			p.header.Render(st.Name), pct(st.SuccessFraction), st.Counts.Total, pct(st.Threshold), p.verdict(st.Passed))
		p.Tasks(tasks[st.Name])
	}
}

// Tasks prints task results
func (p *Printer) Tasks(tasks []taskstore.TaskRecord) {
	if len(tasks) == 0 {
		fmt.Fprintln(p.w, p.dim.Render("(no tasks)"))
		return
	}

	w := p.table()
	fmt.Fprintln(w, "TASK\tSTATUS\tREASON\tATTEMPTS\tEXIT\tDURATION")
	for _, t := range tasks {
		reason := string(t.Reason)
		if reason == "" {
			reason = "-"
		}
		exit := "-"
		if t.ExitCode != nil {
			exit = fmt.Sprintf("%d", *t.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.TaskID, t.Status, reason, t.Attempts, exit, t.Duration.Round(time.Second))
	}
	w.Flush()
}

// TaskHistory prints every recorded result of one task, across runs
func (p *Printer) TaskHistory(records []taskstore.TaskRecord) {
	if len(records) == 0 {
		fmt.Fprintln(p.w, "No results recorded for this task")
		return
	}

	w := p.table()
	fmt.Fprintln(w, "RUN\tSTAGE\tSTATUS\tREASON\tATTEMPTS\tSTDERR LOG")
	for _, t := range records {
		reason := string(t.Reason)
		if reason == "" {
			reason = "-"
		}
		logPath := t.StderrLog
		if logPath == "" {
			logPath = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", shortID(t.RunID), t.Stage, t.Status, reason, t.Attempts, logPath)
	}
	w.Flush()
}

// Samples prints the sample sheet with on-disk read sizes
func (p *Printer) Samples(sheet *samples.Sheet, dataDir string) {
	if len(sheet.Samples) == 0 {
		fmt.Fprintln(p.w, "Sample sheet is empty")
		return
	}

	w := p.table()
	fmt.Fprintln(w, "SAMPLE\tLAYOUT\tREADS\tSIZE\tCOUNTRY")
	var total int64
	var present int
	for _, smp := range sheet.Samples {
		reads := samples.ReadPaths(dataDir, smp)
		size := samples.TotalSize(reads)
		sizeStr := "-"
		if size > 0 {
			sizeStr = humanize.Bytes(uint64(size))
			total += size
			present++
		}
		country := smp.Metadata["country"]
		if country == "" {
			country = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", smp.ID, smp.Layout, len(reads), sizeStr, country)
	}
	w.Flush()

	fmt.Fprintf(p.w, "%d samples, %d with reads on disk (%s)\n", len(sheet.Samples), present, humanize.Bytes(uint64(total)))
}

// Schedules prints configured schedules with their next run time
func (p *Printer) Schedules(names []string, next func(string) time.Time, stages func(string) []string) {
	if len(names) == 0 {
		fmt.Fprintln(p.w, "No schedules configured")
		return
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	w := p.table()
	fmt.Fprintln(w, "SCHEDULE\tSTAGES\tNEXT RUN")
	for _, name := range sorted {
		st := strings.Join(stages(name), ",")
		if st == "" {
			st = "all"
		}
		n := next(name)
		fmt.Fprintf(w, "%s\t%s\t%s (%s)\n", name, st, n.Format("2006-01-02 15:04"), humanize.Time(n))
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
