package event

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
)

// Batch cadence for job log output: lines are buffered and flushed as
// JobLogBatch events at a bounded rate so a verbose job cannot amplify
// into one bus event per line.
const (
	LogBatchInterval = 150 * time.Millisecond
	LogBatchMaxLines = 40
)

var (
	ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ctrlRE = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)
)

// CleanLogLine strips ANSI escapes and control characters and trims
// whitespace, so progress-bar style output from external tools does not
// corrupt stored logs.
func CleanLogLine(line string) string {
	return strings.TrimSpace(ctrlRE.ReplaceAllString(ansiRE.ReplaceAllString(line, ""), ""))
}

// LogBuffer accumulates one job's log lines and publishes them as
// JobLogBatch events. Safe for concurrent use.
type LogBuffer struct {
	bus     *Bus
	jobID   id.JobID
	jobKind jobcore.Kind

	mu        sync.Mutex
	pending   []string
	lastFlush time.Time
}

// NewLogBuffer creates a buffer publishing batches for the given job.
func NewLogBuffer(bus *Bus, jobID id.JobID, jobKind jobcore.Kind) *LogBuffer {
	return &LogBuffer{bus: bus, jobID: jobID, jobKind: jobKind}
}

// Add cleans and buffers one line, flushing if the batch cadence allows.
// Empty lines after cleaning are dropped.
func (b *LogBuffer) Add(line string) {
	cleaned := CleanLogLine(line)
	if cleaned == "" {
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, cleaned)
	batches := b.takeLocked(false)
	b.mu.Unlock()

	b.publish(batches)
}

// Flush publishes buffered lines. With force, the cadence is ignored;
// every exit path of a job must force-flush so no output is lost.
func (b *LogBuffer) Flush(force bool) {
	b.mu.Lock()
	batches := b.takeLocked(force)
	b.mu.Unlock()

	b.publish(batches)
}

func (b *LogBuffer) takeLocked(force bool) [][]string {
	if len(b.pending) == 0 {
		return nil
	}
	now := time.Now()
	if !force && now.Sub(b.lastFlush) < LogBatchInterval {
		return nil
	}

	var batches [][]string
	for len(b.pending) > 0 {
		n := min(len(b.pending), LogBatchMaxLines)
		batches = append(batches, b.pending[:n:n])
		b.pending = b.pending[n:]
	}
	b.pending = nil
	b.lastFlush = now
	return batches
}

func (b *LogBuffer) publish(batches [][]string) {
	for _, lines := range batches {
		b.bus.Publish(LogBatch(b.jobID, b.jobKind, lines))
	}
}

// LineWriter adapts a LogBuffer into an io.Writer that splits its input
// into lines. It is the explicit per-job output sink handed to job
// bodies: output is keyed by job identity, never by a global stream swap,
// so concurrent jobs' output cannot interleave into each other's record.
type LineWriter struct {
	buf *LogBuffer

	mu      sync.Mutex
	partial strings.Builder
}

// NewLineWriter creates a line-splitting writer over buf.
func NewLineWriter(buf *LogBuffer) *LineWriter {
	return &LineWriter{buf: buf}
}

// Write implements io.Writer. Complete lines go to the buffer; a trailing
// partial line is held until the next write or Close.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.partial.Write(p)
	s := w.partial.String()
	w.partial.Reset()

	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		line := s[:i]
		s = s[i+1:]
		if strings.TrimSpace(line) != "" {
			w.mu.Unlock()
			w.buf.Add(line)
			w.mu.Lock()
		}
	}
	w.partial.WriteString(s)
	w.mu.Unlock()
	return len(p), nil
}

// Close flushes any trailing partial line and force-flushes the buffer.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	rest := w.partial.String()
	w.partial.Reset()
	w.mu.Unlock()

	if strings.TrimSpace(rest) != "" {
		w.buf.Add(rest)
	}
	w.buf.Flush(true)
	return nil
}
