package jobcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the engine and its subsystems.
type Config struct {
	// ThreadWorkers is the size of the in-process goroutine pool.
	ThreadWorkers int

	// ProcessWorkers is the number of child-process jobs run concurrently.
	ProcessWorkers int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxLogTail is the number of recent log lines kept per job record.
	MaxLogTail int

	// MaxRecords is the number of job records retained before the oldest
	// terminal ones are purged.
	MaxRecords int

	// JournalPath is the append-only event log file. Empty disables
	// persistence and replay.
	JournalPath string

	// JournalMaxBytes triggers rotation when the journal grows past it.
	JournalMaxBytes int64

	// JournalMaxArchives bounds how many rotated journal files are kept.
	JournalMaxArchives int

	// RunsDir is where per-job run folders and manifests are written.
	RunsDir string

	// DefaultPolicy applies to submissions that pass a zero Policy.
	DefaultPolicy Policy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ThreadWorkers:      4,
		ProcessWorkers:     2,
		ShutdownTimeout:    30 * time.Second,
		MaxLogTail:         400,
		MaxRecords:         200,
		JournalMaxBytes:    5 * 1024 * 1024,
		JournalMaxArchives: 5,
		DefaultPolicy:      DefaultPolicy(),
	}
}

// duration parses YAML scalars into time.Duration: either a Go duration
// string ("90s", "5m") or a bare number of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = duration(secs * float64(time.Second))
	return nil
}

// fileConfig mirrors Config with pointer fields so a key absent from the
// file can be told apart from an explicit zero.
type fileConfig struct {
	ThreadWorkers      *int        `yaml:"thread_workers"`
	ProcessWorkers     *int        `yaml:"process_workers"`
	ShutdownTimeout    *duration   `yaml:"shutdown_timeout"`
	MaxLogTail         *int        `yaml:"max_log_tail"`
	MaxRecords         *int        `yaml:"max_records"`
	JournalPath        *string     `yaml:"journal_path"`
	JournalMaxBytes    *int64      `yaml:"journal_max_bytes"`
	JournalMaxArchives *int        `yaml:"journal_max_archives"`
	RunsDir            *string     `yaml:"runs_dir"`
	DefaultPolicy      *filePolicy `yaml:"default_policy"`
}

type filePolicy struct {
	Timeout       *duration `yaml:"timeout"`
	MaxRetries    *int      `yaml:"max_retries"`
	Backoff       *duration `yaml:"backoff"`
	Jitter        *float64  `yaml:"jitter"`
	RetryDeadline *duration `yaml:"retry_deadline"`
}

// LoadConfig reads a YAML config file over the defaults. Fields absent
// from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("jobcore: read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("jobcore: parse config %s: %w", path, err)
	}

	setInt(&cfg.ThreadWorkers, fc.ThreadWorkers)
	setInt(&cfg.ProcessWorkers, fc.ProcessWorkers)
	setDur(&cfg.ShutdownTimeout, fc.ShutdownTimeout)
	setInt(&cfg.MaxLogTail, fc.MaxLogTail)
	setInt(&cfg.MaxRecords, fc.MaxRecords)
	if fc.JournalPath != nil {
		cfg.JournalPath = *fc.JournalPath
	}
	if fc.JournalMaxBytes != nil {
		cfg.JournalMaxBytes = *fc.JournalMaxBytes
	}
	setInt(&cfg.JournalMaxArchives, fc.JournalMaxArchives)
	if fc.RunsDir != nil {
		cfg.RunsDir = *fc.RunsDir
	}
	if fp := fc.DefaultPolicy; fp != nil {
		setDur(&cfg.DefaultPolicy.Timeout, fp.Timeout)
		setInt(&cfg.DefaultPolicy.MaxRetries, fp.MaxRetries)
		setDur(&cfg.DefaultPolicy.Backoff, fp.Backoff)
		if fp.Jitter != nil {
			cfg.DefaultPolicy.Jitter = *fp.Jitter
		}
		setDur(&cfg.DefaultPolicy.RetryDeadline, fp.RetryDeadline)
	}

	return cfg, nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDur(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
