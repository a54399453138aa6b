package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

func TestRegisterThenHeartbeat(t *testing.T) {
	r := NewRegistry()
	r.Register(swarmtypes.WorkerInfo{ID: "w1"})

	w, ok := r.Heartbeat("w1", swarmtypes.WorkerBusy, "job-1")
	require.True(t, ok)
	require.Equal(t, swarmtypes.WorkerBusy, w.Status)
	require.Equal(t, "job-1", w.CurrentJobID)
}

func TestHeartbeatUnknownWorkerFails(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Heartbeat("ghost", swarmtypes.WorkerOnline, "")
	require.False(t, ok)
}

func TestSweepStaleDemotesAndReturnsOrphanedJobs(t *testing.T) {
	r := NewRegistry()
	r.Register(swarmtypes.WorkerInfo{ID: "w1"})
	r.MarkBusy("w1", "job-1")

	w, _ := r.Get("w1")
	w.LastHeartbeatMS = time.Now().Add(-time.Hour).UnixMilli()
	r.workers["w1"] = &w

	orphans := r.SweepStale(time.Minute)
	require.Equal(t, []string{"job-1"}, orphans)

	after, _ := r.Get("w1")
	require.Equal(t, swarmtypes.WorkerOffline, after.Status)
}

func TestSweepStaleIgnoresFreshHeartbeats(t *testing.T) {
	r := NewRegistry()
	r.Register(swarmtypes.WorkerInfo{ID: "w1"})

	orphans := r.SweepStale(time.Minute)
	require.Empty(t, orphans)
}

func TestRecordCompletionAndReset(t *testing.T) {
	r := NewRegistry()
	r.Register(swarmtypes.WorkerInfo{ID: "w1"})
	r.RecordCompletion("w1")
	r.RecordCompletion("w1")

	w, _ := r.Get("w1")
	require.Equal(t, 2, w.JobsCompletedInEpoch)

	r.ResetEpochCounters()
	w, _ = r.Get("w1")
	require.Equal(t, 0, w.JobsCompletedInEpoch)
}

func TestCountOnlineCountsBusyToo(t *testing.T) {
	r := NewRegistry()
	r.Register(swarmtypes.WorkerInfo{ID: "w1"})
	r.Register(swarmtypes.WorkerInfo{ID: "w2"})
	r.MarkBusy("w2", "job-1")
	r.SetStatus("w1", swarmtypes.WorkerOffline)

	require.Equal(t, 1, r.CountOnline())
}
