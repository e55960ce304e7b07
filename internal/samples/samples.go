// Package samples holds the sample sheet shared by the pipeline stages and
// discovers FASTQ files on disk.
package samples

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Library layouts
const (
	LayoutPaired = "PAIRED"
	LayoutSingle = "SINGLE"
)

// Sample is one sequencing run to process
type Sample struct {
	ID       string            `yaml:"id"`
	Layout   string            `yaml:"layout"`
	Reads    []string          `yaml:"reads,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Paired reports whether the sample has forward and reverse reads
func (s Sample) Paired() bool {
	return s.Layout == LayoutPaired
}

// Sheet is the list of samples a pipeline run works on
type Sheet struct {
	Source    string    `yaml:"source"`
	Query     string    `yaml:"query,omitempty"`
	Generated time.Time `yaml:"generated"`
	Samples   []Sample  `yaml:"samples"`
}

// Load reads a sample sheet
func Load(path string) (*Sheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sheet Sheet
	if err := yaml.Unmarshal(data, &sheet); err != nil {
		return nil, fmt.Errorf("parsing sample sheet %s: %w", path, err)
	}
	if err := sheet.Validate(); err != nil {
		return nil, fmt.Errorf("sample sheet %s: %w", path, err)
	}
	return &sheet, nil
}

// Save writes the sheet atomically
func (s *Sheet) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate rejects sheets with empty or duplicate sample IDs
func (s *Sheet) Validate() error {
	seen := make(map[string]bool, len(s.Samples))
	for i, smp := range s.Samples {
		if smp.ID == "" {
			return fmt.Errorf("sample %d has no id", i)
		}
		if seen[smp.ID] {
			return fmt.Errorf("duplicate sample id %q", smp.ID)
		}
		switch smp.Layout {
		case LayoutPaired, LayoutSingle:
		default:
			return fmt.Errorf("sample %s: unknown layout %q", smp.ID, smp.Layout)
		}
		seen[smp.ID] = true
	}
	return nil
}

// IDs returns sample IDs in sheet order
func (s *Sheet) IDs() []string {
	ids := make([]string, len(s.Samples))
	for i, smp := range s.Samples {
		ids[i] = smp.ID
	}
	return ids
}

// Select returns the samples whose IDs are in ids, in sheet order.
// A nil ids selects every sample.
func (s *Sheet) Select(ids []string) []Sample {
	if ids == nil {
		return append([]Sample(nil), s.Samples...)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Sample
	for _, smp := range s.Samples {
		if want[smp.ID] {
			out = append(out, smp)
		}
	}
	return out
}

// Merge adds samples not already in the sheet and returns how many were added
func (s *Sheet) Merge(samples []Sample) int {
	seen := make(map[string]bool, len(s.Samples))
	for _, smp := range s.Samples {
		seen[smp.ID] = true
	}
	added := 0
	for _, smp := range samples {
		if seen[smp.ID] {
			continue
		}
		s.Samples = append(s.Samples, smp)
		seen[smp.ID] = true
		added++
	}
	return added
}

// DownloadedReads returns the reads fasterq-dump writes for a run under
// <dataDir>/<id>/: <id>_1.fastq and <id>_2.fastq when paired, <id>.fastq
// otherwise.
func DownloadedReads(dataDir string, smp Sample) []string {
	dir := filepath.Join(dataDir, smp.ID)
	if smp.Paired() {
		return []string{
			filepath.Join(dir, smp.ID+"_1.fastq"),
			filepath.Join(dir, smp.ID+"_2.fastq"),
		}
	}
	return []string{filepath.Join(dir, smp.ID+".fastq")}
}

// ReadPaths returns the sample's local reads, or the download locations
// when the sheet lists none
func ReadPaths(dataDir string, smp Sample) []string {
	if len(smp.Reads) > 0 {
		return smp.Reads
	}
	return DownloadedReads(dataDir, smp)
}

// TotalSize sums the sizes of the files that exist
func TotalSize(paths []string) int64 {
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// SortBySize orders samples by ascending total read size. Ties keep sheet order.
func SortBySize(dataDir string, list []Sample) {
	sizes := make(map[string]int64, len(list))
	for _, smp := range list {
		sizes[smp.ID] = TotalSize(ReadPaths(dataDir, smp))
	}
	sort.SliceStable(list, func(i, j int) bool {
		return sizes[list[i].ID] < sizes[list[j].ID]
	})
}
