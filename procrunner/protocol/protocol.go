// Package protocol defines the message envelope exchanged between the
// process job runner and its child worker processes. The child writes
// newline-delimited JSON envelopes to stdout (child → parent only); the
// parent's sole reverse channel is process-level termination.
//
// The protocol is strict: an envelope with an unknown kind or a
// structurally invalid payload fails the job rather than being ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Envelope kinds.
const (
	KindProgress = "progress"
	KindLog      = "log"
	KindResult   = "result"
	KindError    = "error"
)

// Envelope is one wire message. Only the fields relevant to Kind are set.
type Envelope struct {
	Kind string `json:"kind"`

	// KindProgress. A pointer so a missing value is distinguishable from 0.
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`

	// KindLog.
	Line string `json:"line,omitempty"`

	// KindResult.
	Result json.RawMessage `json:"result,omitempty"`

	// KindError. Code optionally classifies the failure with one of the
	// jobcore error codes; unknown codes degrade to internal.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Decode parses and validates one envelope line.
func Decode(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks structural invariants for the envelope's kind.
// Out-of-range progress is not an error here: the parent clamps finite
// values into [0,1] rather than dropping them.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindProgress:
		if e.Progress == nil {
			return fmt.Errorf("protocol: progress envelope without progress value")
		}
		if math.IsNaN(*e.Progress) || math.IsInf(*e.Progress, 0) {
			return fmt.Errorf("protocol: non-finite progress %v", *e.Progress)
		}
		return nil
	case KindLog:
		return nil
	case KindResult:
		return nil
	case KindError:
		if e.Error == "" {
			return fmt.Errorf("protocol: error envelope without message")
		}
		return nil
	case "":
		return fmt.Errorf("protocol: envelope without kind")
	default:
		return fmt.Errorf("protocol: unknown envelope kind %q", e.Kind)
	}
}
