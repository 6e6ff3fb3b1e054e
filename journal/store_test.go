package journal

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.jsonl"), testLogger(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendLoadRoundTrip(t *testing.T) {
	s := openStore(t)
	jobID := id.NewJobID()

	s.Append(event.Started(jobID, "train", id.Nil))
	s.Append(event.Progress(jobID, "train", 0.5, "halfway"))
	s.Append(event.Finished(jobID, "train", json.RawMessage(`{"ok":true}`)))

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("loaded %d events, want 3", len(events))
	}
	if events[0].Kind != event.KindStarted || events[0].JobID != jobID {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Progress != 0.5 || events[1].Message != "halfway" {
		t.Errorf("second event = %+v", events[1])
	}
	if string(events[2].Result) != `{"ok":true}` {
		t.Errorf("third event result = %s", events[2].Result)
	}
	if s.Failures() != 0 {
		t.Errorf("failures = %d", s.Failures())
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := openStore(t)
	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("loaded %d events from a missing file", len(events))
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	s := openStore(t)
	jobID := id.NewJobID()

	s.Append(event.Started(jobID, "train", id.Nil))
	s.Append(event.Finished(jobID, "train", nil))

	// Simulate a crash mid-write plus unrelated garbage.
	f, err := os.OpenFile(s.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString("{\"kind\":\"JobProg\x00\nnot json at all\n{}\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	s.Append(event.Started(id.NewJobID(), "sync", id.Nil))

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("loaded %d events, want 3 (garbage skipped)", len(events))
	}
}

func TestRotationKeepsBoundedArchives(t *testing.T) {
	s := openStore(t, WithMaxBytes(256), WithMaxArchives(2))
	jobID := id.NewJobID()

	for range 100 {
		s.Append(event.LogLine(jobID, "train", strings.Repeat("x", 64)))
	}

	dir := filepath.Dir(s.Path())
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}

	archives := 0
	live := false
	for _, e := range entries {
		switch {
		case e.Name() == filepath.Base(s.Path()):
			live = true
		case strings.HasPrefix(e.Name(), "events.") && strings.HasSuffix(e.Name(), ".jsonl"):
			archives++
		}
	}
	if !live {
		t.Error("live journal file missing after rotation")
	}
	if archives > 2 {
		t.Errorf("kept %d archives, want at most 2", archives)
	}
	if archives == 0 {
		t.Error("no rotation happened")
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat live journal: %v", err)
	}
	// The live file is bounded by one over-threshold append.
	if info.Size() > 1024 {
		t.Errorf("live journal is %d bytes, rotation not effective", info.Size())
	}
}

func TestAppendAfterCloseCountsFailure(t *testing.T) {
	var healthErr error
	s := openStore(t, WithHealth(func(err error) { healthErr = err }))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Append(event.Started(id.NewJobID(), "train", id.Nil))

	if s.Failures() != 1 {
		t.Errorf("failures = %d, want 1", s.Failures())
	}
	if healthErr == nil {
		t.Error("health callback not invoked")
	}
}

func TestClear(t *testing.T) {
	s := openStore(t)
	s.Append(event.Started(id.NewJobID(), "train", id.Nil))

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("journal file still exists after Clear")
	}
	// Clearing an already-clear journal is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestSinkPersistsBusEvents(t *testing.T) {
	s := openStore(t)
	bus := event.NewBus(testLogger())
	sink := NewSink(bus, s)

	jobID := id.NewJobID()
	bus.Publish(event.Started(jobID, "train", id.Nil))
	bus.Publish(event.Finished(jobID, "train", nil))

	sink.Close()
	bus.Publish(event.Started(id.NewJobID(), "train", id.Nil))

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("persisted %d events, want 2 (none after sink close)", len(events))
	}
}
