package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/config"
	"github.com/fjbalvino/magenta/internal/report"
	"github.com/fjbalvino/magenta/internal/samples"
)

var (
	discoverDir     string
	discoverPattern string
	discoverReplace bool
)

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "Manage the sample sheet",
}

var samplesDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Add local FASTQ files to the sample sheet",
	Long: `Discover walks a directory for FASTQ files and pairs mates by name
(SAMPLE_1.fastq[.gz] / SAMPLE_2.fastq[.gz]); files without a mate become
single-end samples. Discovered samples are merged into the existing sheet
unless --replace is given. Their reads count as already downloaded.`,
	Args: cobra.NoArgs,
	RunE: runSamplesDiscover,
}

var samplesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the sample sheet",
	Args:  cobra.NoArgs,
	RunE:  runSamplesList,
}

func init() {
	samplesDiscoverCmd.Flags().StringVar(&discoverDir, "dir", "", "directory to scan (default: data dir)")
	samplesDiscoverCmd.Flags().StringVar(&discoverPattern, "pattern", "", "regex with a sample ID group and a mate (1|2) group")
	samplesDiscoverCmd.Flags().BoolVar(&discoverReplace, "replace", false, "replace the sheet instead of merging")
	samplesCmd.AddCommand(samplesDiscoverCmd)
	samplesCmd.AddCommand(samplesListCmd)
	rootCmd.AddCommand(samplesCmd)
}

func runSamplesDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := discoverDir
	if dir == "" {
		dir = cfg.General.DataDir
	}
	var pattern *regexp.Regexp
	if discoverPattern != "" {
		pattern, err = regexp.Compile(discoverPattern)
		if err != nil {
			return fmt.Errorf("invalid --pattern: %w", err)
		}
	}

	added, total, err := discoverInto(cfg, config.ExpandPath(dir), pattern, discoverReplace)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d sample(s); %s now lists %d\n", added, cfg.SampleSheetPath(), total)
	return nil
}

// discoverInto merges samples found under dir into the sample sheet
func discoverInto(cfg *config.Config, dir string, pattern *regexp.Regexp, replace bool) (added, total int, err error) {
	found, err := samples.Discover(dir, pattern)
	if err != nil {
		return 0, 0, err
	}

	path := cfg.SampleSheetPath()
	sheet, err := samples.Load(path)
	switch {
	case replace || errors.Is(err, os.ErrNotExist):
		sheet = &samples.Sheet{Source: "local"}
	case err != nil:
		return 0, 0, err
	}

	added = sheet.Merge(found)
	sheet.Generated = time.Now().UTC()
	if err := sheet.Save(path); err != nil {
		return 0, 0, err
	}
	return added, len(sheet.Samples), nil
}

func runSamplesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sheet, err := samples.Load(cfg.SampleSheetPath())
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no sample sheet at %s: run 'magenta run fetch' or 'magenta samples discover'", cfg.SampleSheetPath())
	}
	if err != nil {
		return err
	}
	report.New(os.Stdout).Samples(sheet, cfg.General.DataDir)
	return nil
}
