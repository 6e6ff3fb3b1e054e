package jobcore

// Kind identifies a job type. The set of kinds is closed: every kind is
// registered with the engine catalog at startup and submissions of an
// unregistered kind are rejected as validation errors, so dispatch sites
// can rely on exhaustive handling.
type Kind string

// String returns the kind tag.
func (k Kind) String() string { return string(k) }

// Isolation selects the execution domain for a job kind.
type Isolation string

const (
	// IsolationThread runs the job on a shared goroutine pool inside the
	// parent process. Cancellation and timeout are cooperative.
	IsolationThread Isolation = "thread"

	// IsolationProcess runs the job in an isolated child process that can
	// be hard-killed.
	IsolationProcess Isolation = "process"
)
