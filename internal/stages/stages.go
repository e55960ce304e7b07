// Package stages builds the fetch, download, qc and assembly stages from
// configuration and the sample sheet.
package stages

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/domain"
	"github.com/fjbalvino/magenta/internal/pipeline"
	"github.com/fjbalvino/magenta/internal/samples"
)

// Stage names in pipeline order
const (
	Fetch    = "fetch"
	Download = "download"
	QC       = "qc"
	Assembly = "assembly"
)

// FetchTaskID is the ID of the single fetch task
const FetchTaskID = "metadata"

// Order lists every stage in the order they run
var Order = []string{Fetch, Download, QC, Assembly}

// Select resolves a stage argument. "all" or "" selects every stage.
func Select(name string) ([]string, error) {
	if name == "" || name == "all" {
		return append([]string(nil), Order...), nil
	}
	for _, s := range Order {
		if s == name {
			return []string{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown stage %q (want one of %s or all)", name, strings.Join(Order, ", "))
}

// ParseToolArgs parses STAGE=ARG pairs into extra arguments per stage
func ParseToolArgs(pairs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, p := range pairs {
		stage, arg, ok := strings.Cut(p, "=")
		if !ok || arg == "" {
			return nil, fmt.Errorf("tool arg %q: want STAGE=ARG", p)
		}
		if _, err := Select(stage); err != nil || stage == "all" {
			return nil, fmt.Errorf("tool arg %q: unknown stage %q", p, stage)
		}
		out[stage] = append(out[stage], arg)
	}
	return out, nil
}

// Builder turns configuration and the sample sheet into stage specs
type Builder struct {
	cfg      *config.Config
	self     []string
	toolArgs map[string][]string
}

// NewBuilder creates a builder. self is the command line that invokes this
// program; the fetch stage runs "<self> fetch-metadata".
func NewBuilder(cfg *config.Config, self []string, toolArgs map[string][]string) *Builder {
	return &Builder{cfg: cfg, self: self, toolArgs: toolArgs}
}

// Specs returns the specs for the named stages, in the given order
func (b *Builder) Specs(names []string) ([]pipeline.StageSpec, error) {
	specs := make([]pipeline.StageSpec, 0, len(names))
	for _, name := range names {
		spec, err := b.Spec(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Spec returns the spec for one stage
func (b *Builder) Spec(name string) (pipeline.StageSpec, error) {
	switch name {
	case Fetch:
		return pipeline.StageSpec{Name: Fetch, RequiredSuccessFraction: b.cfg.Fetch.RequiredSuccessFraction, Build: b.fetchTasks}, nil
	case Download:
		return pipeline.StageSpec{Name: Download, RequiredSuccessFraction: b.cfg.Download.RequiredSuccessFraction, Build: b.downloadTasks}, nil
	case QC:
		return pipeline.StageSpec{Name: QC, RequiredSuccessFraction: b.cfg.QC.RequiredSuccessFraction, Build: b.qcTasks}, nil
	case Assembly:
		return pipeline.StageSpec{Name: Assembly, RequiredSuccessFraction: b.cfg.Assembly.RequiredSuccessFraction, Build: b.assemblyTasks}, nil
	}
	return pipeline.StageSpec{}, fmt.Errorf("unknown stage %q", name)
}

func (b *Builder) fetchTasks([]string) ([]domain.TaskDescriptor, error) {
	if len(b.self) == 0 {
		return nil, fmt.Errorf("fetch stage needs the magenta executable")
	}
	sheet := b.cfg.SampleSheetPath()
	cmd := append([]string(nil), b.self...)
	cmd = append(cmd, "fetch-metadata", "--output", sheet, "--raw", MetadataTSVPath(b.cfg))
	cmd = append(cmd, b.extra(Fetch, b.cfg.Fetch.StageConfig)...)

	return []domain.TaskDescriptor{{
		ID:              FetchTaskID,
		Command:         cmd,
		WorkDir:         b.cfg.General.ProjectDir,
		ExpectedOutputs: []string{sheet},
		MaxRetries:      b.cfg.Fetch.MaxRetries,
		Timeout:         b.cfg.Fetch.Timeout.Duration,
	}}, nil
}

// downloadTasks ignores upstream: the fetch stage gates on the sheet as a whole
func (b *Builder) downloadTasks([]string) ([]domain.TaskDescriptor, error) {
	sheet, err := b.loadSheet()
	if err != nil {
		return nil, err
	}
	s := b.cfg.Download
	data := b.cfg.General.DataDir

	var tasks []domain.TaskDescriptor
	for _, smp := range sheet.Samples {
		outDir := filepath.Join(data, smp.ID)
		cmd := []string{s.Tool, smp.ID, "--outdir", outDir, "--split-3"}
		if s.Threads > 0 {
			cmd = append(cmd, "--threads", strconv.Itoa(s.Threads))
		}
		cmd = append(cmd, b.extra(Download, s)...)

		tasks = append(tasks, domain.TaskDescriptor{
			ID:              smp.ID,
			Command:         cmd,
			WorkDir:         outDir,
			ExpectedOutputs: samples.ReadPaths(data, smp),
			MaxRetries:      s.MaxRetries,
			Timeout:         s.Timeout.Duration,
		})
	}
	return tasks, nil
}

func (b *Builder) qcTasks(upstream []string) ([]domain.TaskDescriptor, error) {
	sheet, err := b.loadSheet()
	if err != nil {
		return nil, err
	}
	s := b.cfg.QC
	data := b.cfg.General.DataDir

	var tasks []domain.TaskDescriptor
	for _, smp := range sheet.Select(upstream) {
		reads := samples.ReadPaths(data, smp)
		outDir := QCDir(b.cfg, smp.ID)

		cmd := []string{s.Tool, "-o", outDir}
		if s.Threads > 0 {
			cmd = append(cmd, "-t", strconv.Itoa(s.Threads))
		}
		cmd = append(cmd, b.extra(QC, s)...)
		cmd = append(cmd, reads...)

		expected := make([]string, len(reads))
		for i, r := range reads {
			expected[i] = filepath.Join(outDir, FastQCReportName(r))
		}

		tasks = append(tasks, domain.TaskDescriptor{
			ID:              smp.ID,
			Command:         cmd,
			WorkDir:         outDir,
			ExpectedOutputs: expected,
			MaxRetries:      s.MaxRetries,
			Timeout:         s.Timeout.Duration,
		})
	}
	return tasks, nil
}

func (b *Builder) assemblyTasks(upstream []string) ([]domain.TaskDescriptor, error) {
	sheet, err := b.loadSheet()
	if err != nil {
		return nil, err
	}
	a := b.cfg.Assembly
	data := b.cfg.General.DataDir

	selected := sheet.Select(upstream)
	samples.SortBySize(data, selected)

	var tasks []domain.TaskDescriptor
	for _, smp := range selected {
		reads := samples.ReadPaths(data, smp)
		outDir := AssemblyDir(b.cfg, smp.ID)

		var cmd []string
		var contigs string
		switch a.Assembler {
		case config.AssemblerMetaspades:
			if !smp.Paired() || len(reads) != 2 {
				log.Printf("[stages] rejecting %s: metaspades needs paired reads", smp.ID)
				tasks = append(tasks, domain.TaskDescriptor{
					ID:          smp.ID,
					Unsupported: fmt.Sprintf("metaspades needs paired reads, got layout %q with %d read file(s)", smp.Layout, len(reads)),
				})
				continue
			}
			cmd = []string{a.Executable(), "-1", reads[0], "-2", reads[1], "-o", outDir}
			if a.Threads > 0 {
				cmd = append(cmd, "-t", strconv.Itoa(a.Threads))
			}
			if a.MemoryGB > 0 {
				cmd = append(cmd, "-m", strconv.Itoa(a.MemoryGB))
			}
			contigs = filepath.Join(outDir, "contigs.fasta")
		default:
			cmd = []string{a.Executable()}
			if smp.Paired() && len(reads) == 2 {
				cmd = append(cmd, "-1", reads[0], "-2", reads[1])
			} else {
				cmd = append(cmd, "-r", strings.Join(reads, ","))
			}
			cmd = append(cmd, "-o", outDir, "-f")
			if a.Threads > 0 {
				cmd = append(cmd, "-t", strconv.Itoa(a.Threads))
			}
			if a.Preset != "" {
				cmd = append(cmd, "--presets", a.Preset)
			}
			if a.MinContigLen > 0 {
				cmd = append(cmd, "--min-contig-len", strconv.Itoa(a.MinContigLen))
			}
			contigs = filepath.Join(outDir, "final.contigs.fa")
		}
		cmd = append(cmd, b.extra(Assembly, a.StageConfig)...)

		tasks = append(tasks, domain.TaskDescriptor{
			ID:              smp.ID,
			Command:         cmd,
			WorkDir:         filepath.Dir(outDir),
			ExpectedOutputs: []string{contigs},
			MaxRetries:      a.MaxRetries,
			Timeout:         a.Timeout.Duration,
		})
	}
	return tasks, nil
}

func (b *Builder) extra(stage string, s config.StageConfig) []string {
	out := append([]string(nil), s.ExtraArgs...)
	return append(out, b.toolArgs[stage]...)
}

func (b *Builder) loadSheet() (*samples.Sheet, error) {
	path := b.cfg.SampleSheetPath()
	sheet, err := samples.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no sample sheet at %s: run the fetch stage or 'magenta samples discover' first", path)
	}
	return sheet, err
}

// QCDir is where fastqc writes a sample's reports
func QCDir(cfg *config.Config, sampleID string) string {
	return filepath.Join(cfg.General.ResultsDir, "qc", sampleID)
}

// AssemblyDir is the assembler output directory of a sample
func AssemblyDir(cfg *config.Config, sampleID string) string {
	return filepath.Join(cfg.General.ResultsDir, "assembly", sampleID)
}

// MetadataTSVPath is where the raw portal response is kept
func MetadataTSVPath(cfg *config.Config) string {
	return filepath.Join(cfg.General.ResultsDir, "metadata", "ena_read_run.tsv")
}

// FastQCReportName returns the HTML report fastqc writes for a read file:
// SRR1_1.fastq.gz becomes SRR1_1_fastqc.html
func FastQCReportName(readPath string) string {
	base := filepath.Base(readPath)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".bz2")
	for _, ext := range []string{".fastq", ".fq", ".sam", ".bam"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return base + "_fastqc.html"
}
