package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/ena"
	"github.com/fjbalvino/magenta/internal/samples"
)

var (
	fetchOutput string
	fetchRaw    string
)

// fetch-metadata is what the fetch stage runs as its single task
var fetchMetadataCmd = &cobra.Command{
	Use:    "fetch-metadata",
	Short:  "Query the ENA portal and write the sample sheet",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runFetchMetadata,
}

func init() {
	fetchMetadataCmd.Flags().StringVar(&fetchOutput, "output", "", "sample sheet to write")
	fetchMetadataCmd.Flags().StringVar(&fetchRaw, "raw", "", "also keep the raw TSV response here")
	fetchMetadataCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(fetchMetadataCmd)
}

func runFetchMetadata(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cfg.Fetch

	var raw io.Writer
	if fetchRaw != "" {
		if err := os.MkdirAll(filepath.Dir(fetchRaw), 0755); err != nil {
			return err
		}
		file, err := os.Create(fetchRaw)
		if err != nil {
			return err
		}
		defer file.Close()
		raw = file
	}

	client := ena.NewClient(f.URL, f.RequestTimeout.Duration)
	records, err := client.Search(cmd.Context(), ena.Query{Query: f.Query, Fields: f.Fields, Limit: f.Limit}, raw)
	if err != nil {
		return err
	}

	kept := ena.Filter{LibraryStrategy: f.LibraryStrategy, InstrumentPlatform: f.InstrumentPlatform}.Apply(records)
	list := ena.ToSamples(kept)
	log.Printf("[fetch] %d run(s) returned, %d after filtering, %d unique samples", len(records), len(kept), len(list))
	if len(list) == 0 {
		return fmt.Errorf("no runs matched the query")
	}

	sheet := &samples.Sheet{
		Source:    "ena",
		Query:     f.Query,
		Generated: time.Now().UTC(),
		Samples:   list,
	}
	if err := sheet.Save(fetchOutput); err != nil {
		return err
	}
	fmt.Printf("Wrote %d samples to %s\n", len(list), fetchOutput)
	return nil
}
