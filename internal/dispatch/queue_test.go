package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

func TestClaimReturnsFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	q.Enqueue(swarmtypes.QueuedJob{JobID: "a", EnqueuedUnix: 1})
	q.Enqueue(swarmtypes.QueuedJob{JobID: "b", EnqueuedUnix: 2})
	q.Enqueue(swarmtypes.QueuedJob{JobID: "c", EnqueuedUnix: 3})

	j1, ok := q.Claim("w1", 100)
	require.True(t, ok)
	require.Equal(t, "a", j1.JobID)

	j2, ok := q.Claim("w1", 100)
	require.True(t, ok)
	require.Equal(t, "b", j2.JobID)
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	q := NewQueue()
	q.Enqueue(swarmtypes.QueuedJob{JobID: "low", EnqueuedUnix: 1, Priority: 0})
	q.Enqueue(swarmtypes.QueuedJob{JobID: "high", EnqueuedUnix: 2, Priority: 5})

	j, ok := q.Claim("w1", 100)
	require.True(t, ok)
	require.Equal(t, "high", j.JobID)
}

func TestClaimOnEmptyQueueReturnsFalse(t *testing.T) {
	q := NewQueue()
	_, ok := q.Claim("w1", 100)
	require.False(t, ok)
}

// TestConcurrentClaimsAreExclusive: two workers racing to
// claim a single job must never both succeed.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q := NewQueue()
	q.Enqueue(swarmtypes.QueuedJob{JobID: "only-job", EnqueuedUnix: 1})

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Claim("w", 100)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestExpiredClaimsReportsStaleEntries(t *testing.T) {
	q := NewQueue()
	q.Enqueue(swarmtypes.QueuedJob{JobID: "job-1", EnqueuedUnix: 0})
	_, ok := q.Claim("w1", 0)
	require.True(t, ok)

	require.Empty(t, q.ExpiredClaims(30, 60))
	require.Equal(t, []string{"job-1"}, q.ExpiredClaims(100, 60))
}

func TestReleaseRemovesFromProcessing(t *testing.T) {
	q := NewQueue()
	q.Enqueue(swarmtypes.QueuedJob{JobID: "job-1", EnqueuedUnix: 0})
	q.Claim("w1", 0)

	q.Release("job-1")
	_, ok := q.ProcessingWorker("job-1")
	require.False(t, ok)
}
