package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/id"
)

type sliceLoader []event.Event

func (l sliceLoader) Load() ([]event.Event, error) { return l, nil }

func sampleLog() (sliceLoader, id.JobID, id.JobID) {
	finished := id.NewJobID()
	interrupted := id.NewJobID()
	return sliceLoader{
		event.Started(finished, "train", id.Nil),
		event.Progress(finished, "train", 0.5, "halfway"),
		event.LogBatch(finished, "train", []string{"a", "b"}),
		event.Finished(finished, "train", json.RawMessage(`{"ok":true}`)),
		event.Started(interrupted, "sync", id.Nil),
		event.Progress(interrupted, "sync", 0.2, "downloading"),
	}, finished, interrupted
}

func TestReplayRebuildsRecords(t *testing.T) {
	r, _ := setupRegistry(t)
	log, finished, interrupted := sampleLog()

	require.NoError(t, r.Replay(log))

	rec, err := r.Get(finished)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, rec.Status)
	assert.Equal(t, 1.0, rec.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
	assert.Equal(t, []string{"a", "b"}, rec.LogTail)

	// A job whose log ends before its terminal event replays as running;
	// the process that owned it is gone, and the record says so honestly
	// until an operator purges or reruns it.
	rec, err = r.Get(interrupted)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.InDelta(t, 0.2, rec.Progress, 1e-9)
}

func TestReplayIsIdempotent(t *testing.T) {
	r, _ := setupRegistry(t)
	log, finished, _ := sampleLog()

	require.NoError(t, r.Replay(log))
	first, err := r.Get(finished)
	require.NoError(t, err)

	// Folding the same log again must not change any record.
	require.NoError(t, r.Replay(log))
	second, err := r.Get(finished)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.LogTail, second.LogTail)
	assert.Equal(t, len(r.List(Filter{})), 2)
}

func TestReplaySkipsCorruptEntries(t *testing.T) {
	r, _ := setupRegistry(t)
	jobID := id.NewJobID()

	log := sliceLoader{
		{},
		{Kind: event.KindProgress},
		event.Started(jobID, "train", id.Nil),
		event.Finished(jobID, "train", nil),
	}
	require.NoError(t, r.Replay(log))

	rec, err := r.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, rec.Status)
	assert.Len(t, r.List(Filter{}), 1)
}

func TestConcurrentPublishersNeverCorruptRecords(t *testing.T) {
	r, bus := setupRegistry(t, WithMaxRecords(1000))

	const jobs = 8
	const eventsPerJob = 200

	var wg sync.WaitGroup
	ids := make([]id.JobID, jobs)
	for j := range jobs {
		ids[j] = id.NewJobID()
		wg.Add(1)
		go func(jobID id.JobID, n int) {
			defer wg.Done()
			bus.Publish(event.Started(jobID, "stress", id.Nil))
			for i := range eventsPerJob {
				bus.Publish(event.Progress(jobID, "stress", float64(i)/eventsPerJob, ""))
				bus.Publish(event.LogLine(jobID, "stress", fmt.Sprintf("line %d", i)))
			}
			if n%2 == 0 {
				bus.Publish(event.Finished(jobID, "stress", json.RawMessage(`"done"`)))
			} else {
				bus.Publish(event.Failed(jobID, "stress",
					jobcore.NewError(jobcore.CodeInfrastructure, "boom")))
			}
		}(ids[j], j)
	}
	wg.Wait()

	for j, jobID := range ids {
		rec, err := r.Get(jobID)
		require.NoError(t, err, "job %d", j)
		require.True(t, rec.Status.Terminal(), "job %d status %s", j, rec.Status)

		if j%2 == 0 {
			assert.Equal(t, StatusFinished, rec.Status)
			assert.Equal(t, 1.0, rec.Progress)
		} else {
			assert.Equal(t, StatusFailed, rec.Status)
			require.NotNil(t, rec.Failure)
			assert.Equal(t, jobcore.CodeInfrastructure, rec.Failure.Code)
		}

		// Per-job publish order survives concurrent interleaving: the
		// log tail is a contiguous ordered suffix of that job's lines.
		require.NotEmpty(t, rec.LogTail)
		start := eventsPerJob - len(rec.LogTail)
		for i, line := range rec.LogTail {
			assert.Equal(t, fmt.Sprintf("line %d", start+i), line, "job %d", j)
		}

		assert.GreaterOrEqual(t, rec.Progress, 0.0)
		assert.LessOrEqual(t, rec.Progress, 1.0)
	}

	stats := r.Stat()
	assert.Equal(t, jobs, stats.Total)
	assert.Equal(t, jobs/2, stats.ByStatus[StatusFinished])
	assert.Equal(t, jobs/2, stats.ByStatus[StatusFailed])
}
