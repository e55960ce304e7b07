package stages

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/dispatch"
	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
	"github.com/fjbalvino/magenta/internal/runner"
	"github.com/fjbalvino/magenta/internal/samples"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.ProjectDir = t.TempDir()
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeSheet(t *testing.T, cfg *config.Config, list ...samples.Sample) {
	t.Helper()
	sheet := &samples.Sheet{Source: "test", Generated: time.Now(), Samples: list}
	if err := sheet.Save(cfg.SampleSheetPath()); err != nil {
		t.Fatal(err)
	}
}

func buildStage(t *testing.T, b *Builder, name string, upstream []string) []domain.TaskDescriptor {
	t.Helper()
	spec, err := b.Spec(name)
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := spec.Build(upstream)
	if err != nil {
		t.Fatal(err)
	}
	return tasks
}

func TestSelect(t *testing.T) {
	all, err := Select("all")
	if err != nil || !reflect.DeepEqual(all, Order) {
		t.Errorf("Select(all) = %v, %v", all, err)
	}
	if got, _ := Select("qc"); !reflect.DeepEqual(got, []string{"qc"}) {
		t.Errorf("Select(qc) = %v", got)
	}
	if _, err := Select("binning"); err == nil {
		t.Error("Select(binning) should error")
	}
}

func TestParseToolArgs(t *testing.T) {
	got, err := ParseToolArgs([]string{"qc=--nogroup", "assembly=--k-min", "assembly=27", "download=--include-technical"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"qc":       {"--nogroup"},
		"assembly": {"--k-min", "27"},
		"download": {"--include-technical"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseToolArgs() = %v, want %v", got, want)
	}

	for _, bad := range []string{"qc", "qc=", "binning=--x", "all=--x"} {
		if _, err := ParseToolArgs([]string{bad}); err == nil {
			t.Errorf("ParseToolArgs(%q) should error", bad)
		}
	}
}

func TestFetchTask(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg, []string{"/usr/local/bin/magenta", "--config", "/etc/magenta.toml"}, nil)

	tasks := buildStage(t, b, Fetch, nil)
	if len(tasks) != 1 || tasks[0].ID != FetchTaskID {
		t.Fatalf("tasks = %+v", tasks)
	}
	task := tasks[0]
	wantPrefix := []string{"/usr/local/bin/magenta", "--config", "/etc/magenta.toml", "fetch-metadata", "--output", cfg.SampleSheetPath()}
	if !reflect.DeepEqual(task.Command[:len(wantPrefix)], wantPrefix) {
		t.Errorf("Command = %v", task.Command)
	}
	if len(task.ExpectedOutputs) != 1 || task.ExpectedOutputs[0] != cfg.SampleSheetPath() {
		t.Errorf("ExpectedOutputs = %v", task.ExpectedOutputs)
	}
	if task.MaxRetries != cfg.Fetch.MaxRetries {
		t.Errorf("MaxRetries = %d", task.MaxRetries)
	}

	if _, err := NewBuilder(cfg, nil, nil).fetchTasks(nil); err == nil {
		t.Error("fetch without executable should error")
	}
}

func TestDownloadTasks(t *testing.T) {
	cfg := testConfig(t)
	writeSheet(t, cfg,
		samples.Sample{ID: "SRR1", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR2", Layout: samples.LayoutSingle},
		samples.Sample{ID: "local", Layout: samples.LayoutSingle, Reads: []string{"/reads/local.fq.gz"}},
	)
	b := NewBuilder(cfg, nil, map[string][]string{Download: {"--skip-technical"}})

	tasks := buildStage(t, b, Download, []string{FetchTaskID})
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}

	dl := tasks[0]
	outDir := filepath.Join(cfg.General.DataDir, "SRR1")
	want := []string{"fasterq-dump", "SRR1", "--outdir", outDir, "--split-3", "--threads", "4", "--skip-technical"}
	if !reflect.DeepEqual(dl.Command, want) {
		t.Errorf("Command = %v, want %v", dl.Command, want)
	}
	if len(dl.ExpectedOutputs) != 2 || !strings.HasSuffix(dl.ExpectedOutputs[1], "SRR1_2.fastq") {
		t.Errorf("paired ExpectedOutputs = %v", dl.ExpectedOutputs)
	}
	if got := tasks[1].ExpectedOutputs; len(got) != 1 || !strings.HasSuffix(got[0], "SRR2.fastq") {
		t.Errorf("single ExpectedOutputs = %v", got)
	}
	if got := tasks[2].ExpectedOutputs; len(got) != 1 || got[0] != "/reads/local.fq.gz" {
		t.Errorf("local ExpectedOutputs = %v", got)
	}
}

func TestQCTasks_FeedForward(t *testing.T) {
	cfg := testConfig(t)
	writeSheet(t, cfg,
		samples.Sample{ID: "SRR1", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR2", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR3", Layout: samples.LayoutPaired},
	)
	b := NewBuilder(cfg, nil, nil)

	tasks := buildStage(t, b, QC, []string{"SRR3", "SRR1"})
	if len(tasks) != 2 || tasks[0].ID != "SRR1" || tasks[1].ID != "SRR3" {
		t.Fatalf("tasks = %v", tasks)
	}

	qc := tasks[0]
	outDir := QCDir(cfg, "SRR1")
	if qc.Command[0] != "fastqc" || qc.Command[1] != "-o" || qc.Command[2] != outDir {
		t.Errorf("Command = %v", qc.Command)
	}
	if last := qc.Command[len(qc.Command)-1]; !strings.HasSuffix(last, "SRR1_2.fastq") {
		t.Errorf("reads should come last, got %v", qc.Command)
	}
	want := []string{filepath.Join(outDir, "SRR1_1_fastqc.html"), filepath.Join(outDir, "SRR1_2_fastqc.html")}
	if !reflect.DeepEqual(qc.ExpectedOutputs, want) {
		t.Errorf("ExpectedOutputs = %v, want %v", qc.ExpectedOutputs, want)
	}

	if all := buildStage(t, b, QC, nil); len(all) != 3 {
		t.Errorf("standalone qc built %d tasks, want 3", len(all))
	}
}

func TestAssemblyTasks_MegahitSmallestFirst(t *testing.T) {
	cfg := testConfig(t)
	data := cfg.General.DataDir
	for id, size := range map[string]int{"big": 500, "small": 20} {
		for _, mate := range []string{"_1", "_2"} {
			p := filepath.Join(data, id, id+mate+".fastq")
			os.MkdirAll(filepath.Dir(p), 0755)
			os.WriteFile(p, []byte(strings.Repeat("A", size)), 0644)
		}
	}
	writeSheet(t, cfg,
		samples.Sample{ID: "big", Layout: samples.LayoutPaired},
		samples.Sample{ID: "small", Layout: samples.LayoutPaired},
		samples.Sample{ID: "se", Layout: samples.LayoutSingle, Reads: []string{"/r/se.fastq"}},
	)

	tasks := buildStage(t, NewBuilder(cfg, nil, nil), Assembly, nil)
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	// se has no readable files so it sorts as size 0
	if tasks[0].ID != "se" || tasks[1].ID != "small" || tasks[2].ID != "big" {
		t.Errorf("order = %s %s %s, want se small big", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}

	small := tasks[1]
	outDir := AssemblyDir(cfg, "small")
	joined := strings.Join(small.Command, " ")
	for _, part := range []string{"megahit -1 ", "-o " + outDir + " -f", "--presets meta-sensitive", "--min-contig-len 1000", "-t 8"} {
		if !strings.Contains(joined, part) {
			t.Errorf("Command %q missing %q", joined, part)
		}
	}
	if small.ExpectedOutputs[0] != filepath.Join(outDir, "final.contigs.fa") {
		t.Errorf("ExpectedOutputs = %v", small.ExpectedOutputs)
	}
	if small.WorkDir != filepath.Dir(outDir) {
		t.Errorf("WorkDir = %q", small.WorkDir)
	}
	if !strings.Contains(strings.Join(tasks[0].Command, " "), "-r /r/se.fastq") {
		t.Errorf("single-end command = %v", tasks[0].Command)
	}
}

func TestAssemblyTasks_Metaspades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assembly.Assembler = config.AssemblerMetaspades
	writeSheet(t, cfg,
		samples.Sample{ID: "SRR1", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR2", Layout: samples.LayoutSingle},
	)

	tasks := buildStage(t, NewBuilder(cfg, nil, map[string][]string{Assembly: {"--only-assembler"}}), Assembly, nil)
	if len(tasks) != 2 || tasks[0].ID != "SRR1" || tasks[1].ID != "SRR2" {
		t.Fatalf("tasks = %+v, want SRR1 and SRR2", tasks)
	}
	if tasks[0].Unsupported != "" {
		t.Errorf("paired sample Unsupported = %q", tasks[0].Unsupported)
	}
	if se := tasks[1]; se.Unsupported == "" || len(se.Command) != 0 {
		t.Errorf("single-end sample = %+v, want rejected with no command", se)
	}
	cmd := tasks[0].Command
	if cmd[0] != "metaspades.py" || cmd[len(cmd)-1] != "--only-assembler" {
		t.Errorf("Command = %v", cmd)
	}
	if !strings.Contains(strings.Join(cmd, " "), "-m 64") {
		t.Errorf("Command = %v, want memory flag", cmd)
	}
	if !strings.HasSuffix(tasks[0].ExpectedOutputs[0], filepath.Join("SRR1", "contigs.fasta")) {
		t.Errorf("ExpectedOutputs = %v", tasks[0].ExpectedOutputs)
	}
}

func TestBuild_MissingSheet(t *testing.T) {
	cfg := testConfig(t)
	spec, _ := NewBuilder(cfg, nil, nil).Spec(QC)
	if _, err := spec.Build(nil); err == nil || !strings.Contains(err.Error(), "no sample sheet") {
		t.Errorf("Build() error = %v", err)
	}
}

func TestFastQCReportName(t *testing.T) {
	tests := map[string]string{
		"/d/SRR1_1.fastq.gz": "SRR1_1_fastqc.html",
		"SRR1.fastq":         "SRR1_fastqc.html",
		"x.fq":               "x_fastqc.html",
		"weird.reads":        "weird.reads_fastqc.html",
	}
	for in, want := range tests {
		if got := FastQCReportName(in); got != want {
			t.Errorf("FastQCReportName(%q) = %q, want %q", in, got, want)
		}
	}
}

const fakeDownload = `#!/bin/sh
echo "download $1" >> "$MAG_CALLS"
acc=$1; shift
while [ $# -gt 0 ]; do
  case "$1" in --outdir) out=$2; shift;; esac
  shift
done
mkdir -p "$out"
printf '@r\nACGT\n+\nIIII\n' > "$out/${acc}_1.fastq"
printf '@r\nACGT\n+\nIIII\n' > "$out/${acc}_2.fastq"
`

const fakeFastQC = `#!/bin/sh
echo "qc" >> "$MAG_CALLS"
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out=$2; shift;;
    -t) shift;;
    *) b=$(basename "$1" .fastq); echo "<html/>" > "$out/${b}_fastqc.html";;
  esac
  shift
done
`

const fakeMegahit = `#!/bin/sh
echo "assembly" >> "$MAG_CALLS"
while [ $# -gt 0 ]; do
  case "$1" in -o) out=$2; shift;; esac
  shift
done
case "$out" in *SRR3) echo "k-mer graph error" >&2; exit 2;; esac
mkdir -p "$out"
printf '>k141_1\nACGTACGT\n' > "$out/final.contigs.fa"
`

func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPipeline_EndToEndWithFakeTools(t *testing.T) {
	cfg := testConfig(t)
	bin := t.TempDir()
	calls := filepath.Join(t.TempDir(), "calls")
	t.Setenv("MAG_CALLS", calls)

	cfg.Download.Tool = writeTool(t, bin, "fasterq-dump", fakeDownload)
	cfg.QC.Tool = writeTool(t, bin, "fastqc", fakeFastQC)
	cfg.Assembly.Tool = writeTool(t, bin, "megahit", fakeMegahit)
	cfg.Assembly.MaxRetries = 1
	writeSheet(t, cfg,
		samples.Sample{ID: "SRR1", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR2", Layout: samples.LayoutPaired},
		samples.Sample{ID: "SRR3", Layout: samples.LayoutPaired},
	)

	b := NewBuilder(cfg, nil, nil)
	specs, err := b.Specs([]string{Download, QC, Assembly})
	if err != nil {
		t.Fatal(err)
	}
	base := runner.New(runner.Config{LogTailLines: 3})
	runnerFor := func(stage string) dispatch.TaskRunner { return base.WithLogDir(cfg.StageLogDir(stage)) }

	run := func() *domain.Summary {
		o, err := pipeline.New(runnerFor, pipeline.Config{Concurrency: 2, SummaryDir: cfg.SummaryDir()})
		if err != nil {
			t.Fatal(err)
		}
		s, err := o.Run(context.Background(), specs)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	first := run()
	if first.ExitCode() != domain.ExitOK {
		t.Fatalf("ExitCode() = %d, want 0; stages = %+v", first.ExitCode(), first.Stages)
	}
	asm := first.Stages[2].Report
	if asm.Counts().Failed != 1 || asm.FailedIDs()[0] != "SRR3" {
		t.Errorf("assembly report = %+v", asm)
	}
	if asm[0].Attempts != 1 {
		t.Errorf("successful assembly Attempts = %d, want 1", asm[0].Attempts)
	}
	for _, r := range asm {
		if r.TaskID == "SRR3" && r.Attempts != 2 {
			t.Errorf("SRR3 Attempts = %d, want 2", r.Attempts)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.StageLogDir(Assembly), "SRR3.2.stderr.log")); err != nil {
		t.Errorf("retry log missing: %v", err)
	}

	before, _ := os.ReadFile(calls)
	second := run()
	after, _ := os.ReadFile(calls)

	// Only the failed assembly is attempted again
	newCalls := strings.Fields(strings.TrimPrefix(string(after), string(before)))
	if len(newCalls) != 2 || newCalls[0] != "assembly" {
		t.Errorf("second run invoked %v, want two assembly attempts", newCalls)
	}
	for _, st := range second.Stages[:2] {
		if c := st.Report.Counts(); c.Skipped != 3 {
			t.Errorf("stage %s counts = %+v, want 3 skipped", st.Name, c)
		}
	}

	summaries, err := pipeline.ReadStageSummaries(cfg.SummaryDir())
	if err != nil || len(summaries) != 3 {
		t.Fatalf("summaries = %d, %v", len(summaries), err)
	}
}

func TestPipeline_MetaspadesRejectsSingleEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assembly.Assembler = config.AssemblerMetaspades
	cfg.Assembly.RequiredSuccessFraction = 1
	writeSheet(t, cfg,
		samples.Sample{ID: "SRR7", Layout: samples.LayoutSingle},
		samples.Sample{ID: "SRR8", Layout: samples.LayoutSingle},
	)

	specs, err := NewBuilder(cfg, nil, nil).Specs([]string{Assembly})
	if err != nil {
		t.Fatal(err)
	}
	base := runner.New(runner.Config{})
	runnerFor := func(stage string) dispatch.TaskRunner { return base.WithLogDir(cfg.StageLogDir(stage)) }
	o, err := pipeline.New(runnerFor, pipeline.Config{Concurrency: 2, SummaryDir: cfg.SummaryDir(), StageOrder: Order})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := o.Run(context.Background(), specs)
	if err != nil {
		t.Fatal(err)
	}

	st := summary.Stages[0]
	if len(st.Report) != 2 {
		t.Fatalf("len(Report) = %d, want 2", len(st.Report))
	}
	for _, r := range st.Report {
		if r.Status != domain.StatusFailed || r.Reason != domain.ReasonUnsupportedInput {
			t.Errorf("%s = %s/%s, want failed/unsupported_input", r.TaskID, r.Status, r.Reason)
		}
		if r.Attempts != 0 {
			t.Errorf("%s Attempts = %d, want 0", r.TaskID, r.Attempts)
		}
	}
	if st.Passed || st.SuccessFraction != 0 {
		t.Errorf("stage passed = %v fraction = %v, want failed at 0", st.Passed, st.SuccessFraction)
	}
	// assembly is the fourth stage of the full pipeline
	if summary.ExitCode() != domain.ExitStageFailedBase+3 {
		t.Errorf("ExitCode() = %d, want %d", summary.ExitCode(), domain.ExitStageFailedBase+3)
	}
	if entries, _ := os.ReadDir(cfg.StageLogDir(Assembly)); len(entries) != 0 {
		t.Errorf("rejected tasks wrote %d log file(s)", len(entries))
	}
}
