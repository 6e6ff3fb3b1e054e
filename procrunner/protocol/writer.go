package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer emits envelopes from the child side, one JSON object per line.
// Safe for concurrent use so a worker's goroutines can all report.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates an envelope writer, normally over os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) send(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(env)
}

// Progress reports completion in [0,1] with an optional message.
func (w *Writer) Progress(p float64, message string) error {
	return w.send(Envelope{Kind: KindProgress, Progress: &p, Message: message})
}

// Log emits one log line.
func (w *Writer) Log(line string) error {
	return w.send(Envelope{Kind: KindLog, Line: line})
}

// Logf emits one formatted log line.
func (w *Writer) Logf(format string, args ...any) error {
	return w.Log(fmt.Sprintf(format, args...))
}

// Result emits the terminal success payload. The parent only reports
// success after receiving this envelope; exiting without it fails the
// job regardless of exit code.
func (w *Writer) Result(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal result: %w", err)
	}
	return w.send(Envelope{Kind: KindResult, Result: data})
}

// Error emits the terminal failure payload with an optional jobcore
// error code tag.
func (w *Writer) Error(message, code string) error {
	return w.send(Envelope{Kind: KindError, Error: message, Code: code})
}
