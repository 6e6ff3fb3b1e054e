// Package journal persists job lifecycle events to an append-only JSONL
// file, one JSON record per line. It exists only for crash recovery and
// audit: it is written by a bus sink off the execution hot path and read
// once, during registry replay at startup.
//
// Appends are fail-safe: an IO failure never crashes or blocks the
// caller, but every failure is surfaced through the health callback and
// a failure counter rather than being silently swallowed.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shalfeiok/jobcore/event"
)

// Health receives persistence failures so an operator surface can show a
// persistence outage. Called outside the store lock.
type Health func(err error)

// Store is the append-only event log. Writes are serialized; the file is
// rotated once it grows past MaxBytes, keeping a bounded number of
// timestamped archives.
type Store struct {
	mu   sync.Mutex
	path string

	maxBytes    int64
	maxArchives int

	logger   *slog.Logger
	health   Health
	failures atomic.Int64
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes sets the rotation threshold. Zero disables rotation.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithMaxArchives bounds how many rotated files are kept.
func WithMaxArchives(n int) Option {
	return func(s *Store) { s.maxArchives = n }
}

// WithHealth sets the persistence failure callback.
func WithHealth(h Health) Option {
	return func(s *Store) { s.health = h }
}

// Open creates a store writing to path, creating parent directories as
// needed.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		maxBytes:    5 * 1024 * 1024,
		maxArchives: 5,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir for %s: %w", path, err)
	}
	return s, nil
}

// Path returns the journal file path.
func (s *Store) Path() string { return s.path }

// Failures returns how many appends have failed since startup.
func (s *Store) Failures() int64 { return s.failures.Load() }

// Append persists one event as a JSON line. Failures are reported through
// the health callback and counted, never returned: persistence must not
// break execution.
func (s *Store) Append(evt event.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.fail(fmt.Errorf("journal: marshal event: %w", err))
		return
	}

	s.mu.Lock()
	err = s.appendLocked(data)
	s.mu.Unlock()

	if err != nil {
		s.fail(err)
	}
}

func (s *Store) appendLocked(line []byte) error {
	if s.closed {
		return fmt.Errorf("journal: append: store closed")
	}

	s.rotateLocked()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write %s: %w", s.path, err)
	}
	return nil
}

// rotateLocked renames the journal once it exceeds maxBytes and prunes
// archives beyond maxArchives. Rotation failures are non-fatal; the next
// append simply keeps growing the current file.
func (s *Store) rotateLocked() {
	if s.maxBytes <= 0 {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil || info.Size() <= s.maxBytes {
		return
	}

	ext := filepath.Ext(s.path)
	stem := s.path[:len(s.path)-len(ext)]
	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := fmt.Sprintf("%s.%s%s", stem, stamp, ext)
	if err := os.Rename(s.path, rotated); err != nil {
		s.logger.Warn("journal rotation failed", slog.String("error", err.Error()))
		return
	}

	archives, err := filepath.Glob(fmt.Sprintf("%s.*%s", stem, ext))
	if err != nil || len(archives) <= s.maxArchives {
		return
	}
	sort.Strings(archives) // timestamped names sort oldest first
	for _, p := range archives[:len(archives)-s.maxArchives] {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("journal archive prune failed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Store) fail(err error) {
	s.failures.Add(1)
	s.logger.Error("journal append failed", slog.String("error", err.Error()))
	if s.health != nil {
		s.health(err)
	}
}

// Load reads all persisted events in append order. Malformed lines are
// skipped, not fatal: a crash can truncate the final line. A missing file
// yields no events.
func (s *Store) Load() ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", s.path, err)
	}
	defer f.Close()

	var out []event.Event
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(line, &evt); err != nil || evt.Kind == "" {
			skipped++
			continue
		}
		out = append(out, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", s.path, err)
	}

	if skipped > 0 {
		s.logger.Warn("journal load skipped malformed lines", slog.Int("skipped", skipped))
	}
	return out, nil
}

// Clear removes the journal file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: clear %s: %w", s.path, err)
	}
	return nil
}

// Close stops accepting appends. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
