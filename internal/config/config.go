package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// LocalConfigName is the per-project config file looked up from the working directory
const LocalConfigName = "magenta.toml"

// Assemblers supported by the assembly stage
const (
	AssemblerMegahit    = "megahit"
	AssemblerMetaspades = "metaspades"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runner        RunnerConfig        `toml:"runner"`
	Fetch         FetchConfig         `toml:"fetch"`
	Download      StageConfig         `toml:"download"`
	QC            StageConfig         `toml:"qc"`
	Assembly      AssemblyConfig      `toml:"assembly"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// GeneralConfig holds directory layout and global limits
type GeneralConfig struct {
	ProjectDir   string `toml:"project_dir"`
	DataDir      string `toml:"data_dir"`
	ResultsDir   string `toml:"results_dir"`
	LogsDir      string `toml:"logs_dir"`
	DatabasePath string `toml:"database_path"`
	Concurrency  int    `toml:"concurrency"`
	Debug        bool   `toml:"debug"`
}

// RunnerConfig holds process runner settings shared by all stages
type RunnerConfig struct {
	RetryBackoff Duration `toml:"retry_backoff"`
	LogTailLines int      `toml:"log_tail_lines"`
}

// StageConfig holds the settings every tool stage has
type StageConfig struct {
	Tool                    string   `toml:"tool"`
	Threads                 int      `toml:"threads"`
	ExtraArgs               []string `toml:"extra_args"`
	MaxRetries              int      `toml:"max_retries"`
	Timeout                 Duration `toml:"timeout"`
	RequiredSuccessFraction float64  `toml:"required_success_fraction"`
}

// FetchConfig holds metadata fetch settings
type FetchConfig struct {
	StageConfig
	URL                string   `toml:"url"`
	Query              string   `toml:"query"`
	Fields             []string `toml:"fields"`
	Limit              int      `toml:"limit"`
	LibraryStrategy    string   `toml:"library_strategy"`
	InstrumentPlatform string   `toml:"instrument_platform"`
	RequestTimeout     Duration `toml:"request_timeout"`
}

// AssemblyConfig holds assembler settings
type AssemblyConfig struct {
	StageConfig
	Assembler    string `toml:"assembler"`
	Preset       string `toml:"preset"`
	MinContigLen int    `toml:"min_contig_len"`
	MemoryGB     int    `toml:"memory_gb"`
}

// Executable returns the assembler binary, honouring an explicit tool override
func (a AssemblyConfig) Executable() string {
	if a.Tool != "" {
		return a.Tool
	}
	if a.Assembler == AssemblerMetaspades {
		return "metaspades.py"
	}
	return "megahit"
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ScheduleConfig describes a cron-triggered pipeline run
type ScheduleConfig struct {
	Name             string   `toml:"name"`
	Cron             string   `toml:"cron"`
	Stages           []string `toml:"stages"`
	MaxDuration      Duration `toml:"max_duration"`
	NotifyOnComplete bool     `toml:"notify_on_complete"`
}

// Default ENA portal query: Illumina WGS runs from mangrove metagenomes
const DefaultQuery = `(library_strategy="WGS" AND instrument_platform="ILLUMINA" AND (scientific_name="mangrove metagenome" OR mangrove))`

// DefaultFields are the read_run columns requested from the portal API
var DefaultFields = []string{
	"run_accession", "sample_accession", "study_accession",
	"library_strategy", "library_layout", "instrument_platform",
	"collection_date", "country", "location", "lat", "lon",
	"fastq_ftp", "fastq_http", "fastq_md5",
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "data",
			ResultsDir:  "results",
			LogsDir:     "logs",
			Concurrency: 4,
		},
		Runner: RunnerConfig{
			RetryBackoff: Duration{5 * time.Second},
			LogTailLines: 20,
		},
		Fetch: FetchConfig{
			StageConfig: StageConfig{
				MaxRetries:              2,
				Timeout:                 Duration{10 * time.Minute},
				RequiredSuccessFraction: 1,
			},
			URL:                "https://www.ebi.ac.uk/ena/portal/api/search",
			Query:              DefaultQuery,
			Fields:             append([]string(nil), DefaultFields...),
			LibraryStrategy:    "WGS",
			InstrumentPlatform: "ILLUMINA",
			RequestTimeout:     Duration{2 * time.Minute},
		},
		Download: StageConfig{
			Tool:                    "fasterq-dump",
			Threads:                 4,
			MaxRetries:              2,
			Timeout:                 Duration{6 * time.Hour},
			RequiredSuccessFraction: 0.5,
		},
		QC: StageConfig{
			Tool:                    "fastqc",
			Threads:                 2,
			MaxRetries:              1,
			Timeout:                 Duration{2 * time.Hour},
			RequiredSuccessFraction: 0.5,
		},
		Assembly: AssemblyConfig{
			StageConfig: StageConfig{
				Threads:                 8,
				Timeout:                 Duration{48 * time.Hour},
				RequiredSuccessFraction: 0.5,
			},
			Assembler:    AssemblerMegahit,
			Preset:       "meta-sensitive",
			MinContigLen: 1000,
			MemoryGB:     64,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, else a magenta.toml
// found from the working directory upwards, else the user config.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// magenta.toml. It returns "" when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. MAG_PROJECT_DIR
// takes precedence over MAGENTA_DIR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MAGENTA_DIR"); ok && v != "" {
		c.General.ProjectDir = v
	}
	if v, ok := lookup("MAG_PROJECT_DIR"); ok && v != "" {
		c.General.ProjectDir = v
	}
	if v, ok := lookup("MAG_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAG_CONCURRENCY=%q is not a number", ErrInvalid, v)
		}
		c.General.Concurrency = n
	}
	if v, ok := lookup("MAG_ASSEMBLER"); ok && v != "" {
		c.Assembly.Assembler = v
	}
	if v, ok := lookup("MAG_SLACK_WEBHOOK"); ok && v != "" {
		c.Notifications.SlackWebhook = v
	}
	return nil
}

// Resolve makes every directory absolute. Relative data, results and logs
// dirs are taken relative to the project dir, which defaults to the working
// directory.
func (c *Config) Resolve() error {
	g := &c.General
	project := ExpandPath(g.ProjectDir)
	if project == "" {
		project = "."
	}
	project, err := filepath.Abs(project)
	if err != nil {
		return err
	}
	g.ProjectDir = project

	under := func(p, fallback string) string {
		if p == "" {
			p = fallback
		}
		p = ExpandPath(p)
		if !filepath.IsAbs(p) {
			p = filepath.Join(project, p)
		}
		return filepath.Clean(p)
	}
	g.DataDir = under(g.DataDir, "data")
	g.ResultsDir = under(g.ResultsDir, "results")
	g.LogsDir = under(g.LogsDir, "logs")
	if g.DatabasePath == "" {
		g.DatabasePath = filepath.Join(g.ResultsDir, "magenta.db")
	} else if g.DatabasePath != ":memory:" {
		g.DatabasePath = under(g.DatabasePath, "")
	}
	return nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.General.Concurrency < 1 {
		bad("general.concurrency must be at least 1, got %d", c.General.Concurrency)
	}
	if c.Runner.RetryBackoff.Duration < 0 {
		bad("runner.retry_backoff must not be negative")
	}

	stages := map[string]StageConfig{
		"fetch":    c.Fetch.StageConfig,
		"download": c.Download,
		"qc":       c.QC,
		"assembly": c.Assembly.StageConfig,
	}
	for _, name := range []string{"fetch", "download", "qc", "assembly"} {
		s := stages[name]
		if s.RequiredSuccessFraction < 0 || s.RequiredSuccessFraction > 1 {
			bad("%s.required_success_fraction %.2f outside [0,1]", name, s.RequiredSuccessFraction)
		}
		if s.MaxRetries < 0 {
			bad("%s.max_retries must not be negative", name)
		}
		if s.Timeout.Duration < 0 {
			bad("%s.timeout must not be negative", name)
		}
		if s.Threads < 0 {
			bad("%s.threads must not be negative", name)
		}
	}
	if c.Download.Tool == "" {
		bad("download.tool is required")
	}
	if c.QC.Tool == "" {
		bad("qc.tool is required")
	}

	switch c.Assembly.Assembler {
	case AssemblerMegahit, AssemblerMetaspades:
	default:
		bad("assembly.assembler must be %s or %s, got %q", AssemblerMegahit, AssemblerMetaspades, c.Assembly.Assembler)
	}

	if c.Fetch.URL == "" {
		bad("fetch.url is required")
	}

	for i, s := range c.Schedules {
		if s.Name == "" {
			bad("schedule %d: name is required", i)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			bad("schedule %q: invalid cron expression %q: %v", s.Name, s.Cron, err)
		}
	}

	return errors.Join(errs...)
}

// SummaryDir holds the per-stage JSON summaries
func (c *Config) SummaryDir() string {
	return filepath.Join(c.General.ResultsDir, "summaries")
}

// SampleSheetPath is where the fetch stage writes and later stages read samples
func (c *Config) SampleSheetPath() string {
	return filepath.Join(c.General.ResultsDir, "samples.yaml")
}

// StageLogDir holds one stage's task logs
func (c *Config) StageLogDir(stage string) string {
	return filepath.Join(c.General.LogsDir, stage)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "magenta", "config.toml")
}

// Duration is a time.Duration written as a string such as "90m" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
