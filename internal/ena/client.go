// Package ena queries the ENA portal API for sequencing run metadata.
package ena

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fjbalvino/magenta/internal/samples"
)

// Record is one TSV row keyed by column name
type Record map[string]string

// Query describes a read_run search
type Query struct {
	Query  string
	Fields []string
	Limit  int // 0 returns every match
}

// Client talks to the portal API search endpoint
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the search endpoint at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SearchURL returns the request URL for q
func (c *Client) SearchURL(q Query) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing portal url: %w", err)
	}
	params := url.Values{}
	params.Set("result", "read_run")
	params.Set("query", q.Query)
	params.Set("fields", strings.Join(q.Fields, ","))
	params.Set("format", "tsv")
	params.Set("limit", strconv.Itoa(q.Limit))
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Search runs q and returns the parsed rows. The raw TSV is copied to raw
// when it is non-nil.
func (c *Client) Search(ctx context.Context, q Query, raw io.Writer) ([]Record, error) {
	endpoint, err := c.SearchURL(q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")

	log.Printf("[ena] GET %s", endpoint)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying ENA portal: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ENA portal returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body io.Reader = resp.Body
	if raw != nil {
		body = io.TeeReader(resp.Body, raw)
	}
	return ParseTSV(body)
}

// ParseTSV reads a header line followed by tab separated rows
func ParseTSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading TSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading TSV row: %w", err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = strings.TrimSpace(row[i])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Filter keeps rows whose library strategy and platform match. Empty fields
// match anything; comparison ignores case.
type Filter struct {
	LibraryStrategy    string
	InstrumentPlatform string
}

// Apply returns the matching records in their original order
func (f Filter) Apply(records []Record) []Record {
	var out []Record
	for _, r := range records {
		if f.LibraryStrategy != "" && !strings.EqualFold(r["library_strategy"], f.LibraryStrategy) {
			continue
		}
		if f.InstrumentPlatform != "" && !strings.EqualFold(r["instrument_platform"], f.InstrumentPlatform) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ToSamples converts rows to samples keyed by run accession. Rows without an
// accession and repeated accessions are dropped.
func ToSamples(records []Record) []samples.Sample {
	seen := make(map[string]bool, len(records))
	var out []samples.Sample
	for _, r := range records {
		id := r["run_accession"]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		layout := samples.LayoutSingle
		if strings.EqualFold(r["library_layout"], samples.LayoutPaired) {
			layout = samples.LayoutPaired
		}

		meta := make(map[string]string)
		for k, v := range r {
			if k == "run_accession" || v == "" {
				continue
			}
			meta[k] = v
		}
		out = append(out, samples.Sample{ID: id, Layout: layout, Metadata: meta})
	}
	return out
}
