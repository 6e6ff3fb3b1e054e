package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
)

// Manifest describes one job run that produced file artifacts: where the
// run folder lives, what spec produced it, and the environment it ran in.
type Manifest struct {
	RunID     id.RunID          `json:"run_id"`
	JobID     id.JobID          `json:"job_id"`
	Kind      jobcore.Kind      `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Spec      map[string]any    `json:"spec,omitempty"`
	Env       map[string]string `json:"env"`
	GitCommit string            `json:"git_commit,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// indexEntry is one line of the job_id → run folder index.
type indexEntry struct {
	JobID id.JobID `json:"job_id"`
	Dir   string   `json:"dir"`
}

// Manifests writes per-run folders under a root directory, each with a
// manifest.json, plus an append-only index mapping job IDs to folders.
type Manifests struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
}

// NewManifests creates the manifest writer rooted at dir.
func NewManifests(dir string, logger *slog.Logger) *Manifests {
	return &Manifests{root: dir, logger: logger}
}

// Register creates a run folder for the job, writes its manifest, and
// appends the folder to the index. Returns the run folder path.
func (m *Manifests) Register(jobID id.JobID, kind jobcore.Kind, spec map[string]any, artifacts map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID := id.NewRunID()
	stamp := time.Now().UTC().Format("20060102-150405")
	s := runID.String()
	dir := filepath.Join(m.root, fmt.Sprintf("%s-%s-%s", stamp, s[len(s)-8:], kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("journal: create run dir: %w", err)
	}

	man := Manifest{
		RunID:     runID,
		JobID:     jobID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Spec:      spec,
		Env:       runEnv(),
		GitCommit: gitCommit(),
		Artifacts: artifacts,
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return "", fmt.Errorf("journal: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("journal: write manifest: %w", err)
	}

	if err := m.appendIndexLocked(indexEntry{JobID: jobID, Dir: dir}); err != nil {
		// The manifest itself is written; a broken index degrades lookup
		// but not the run.
		m.logger.Warn("manifest index append failed", slog.String("error", err.Error()))
	}
	return dir, nil
}

// Lookup returns the run folder registered for a job, if any.
func (m *Manifests) Lookup(jobID id.JobID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		return "", false
	}
	dir := ""
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e indexEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.JobID == jobID {
			dir = e.Dir // last entry wins
		}
	}
	return dir, dir != ""
}

func (m *Manifests) indexPath() string {
	return filepath.Join(m.root, "index.jsonl")
}

func (m *Manifests) appendIndexLocked(e indexEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func runEnv() map[string]string {
	return map[string]string{
		"go":   runtime.Version(),
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
}

// gitCommit returns the current HEAD commit if the process runs inside a
// work tree. Best effort.
func gitCommit() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
