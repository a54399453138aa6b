// Package dispatch implements the Dispatch Controller: the job queue,
// worker registry, claim-and-complete protocol, balance reservation via
// the Settlement Ledger, and epoch bookkeeping.
package dispatch

import (
	"container/heap"
	"sync"

	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// pendingItem is one entry in the priority queue: higher Priority first,
// ties broken by the earlier EnqueuedUnix (FIFO within priority).
type pendingItem struct {
	job   swarmtypes.QueuedJob
	index int
}

type priorityHeap []*pendingItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.EnqueuedUnix < h[j].job.EnqueuedUnix
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x interface{}) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the Controller's pending-job queue: priority-weighted FIFO,
// with an atomic pop-and-move into a processing set so two concurrent
// claimants can never receive the same job.
type Queue struct {
	mu         sync.Mutex
	pending    priorityHeap
	processing map[string]processingEntry
}

type processingEntry struct {
	job         swarmtypes.QueuedJob
	worker      string
	claimedUnix int64
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{processing: make(map[string]processingEntry)}
}

// Enqueue adds job to the pending heap.
func (q *Queue) Enqueue(job swarmtypes.QueuedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pending, &pendingItem{job: job})
}

// Depth reports the number of jobs currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Claim pops the highest-priority, oldest pending job and moves it into
// the processing set under worker, in one critical section — the pop and
// the move are never observable as two separate steps. Returns ok=false
// if the queue is empty.
func (q *Queue) Claim(worker string, nowUnix int64) (swarmtypes.QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return swarmtypes.QueuedJob{}, false
	}
	item := heap.Pop(&q.pending).(*pendingItem)
	q.processing[item.job.JobID] = processingEntry{job: item.job, worker: worker, claimedUnix: nowUnix}
	return item.job, true
}

// Release removes jobID from the processing set, used when a job
// completes, fails, or is reaped for claim-timeout.
func (q *Queue) Release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
}

// ExpiredClaims returns the job ids whose claim age exceeds timeoutSec as
// of nowUnix, for the claim-timeout reaper to act on.
func (q *Queue) ExpiredClaims(nowUnix int64, timeoutSec int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for jobID, entry := range q.processing {
		if nowUnix-entry.claimedUnix > timeoutSec {
			expired = append(expired, jobID)
		}
	}
	return expired
}

// ProcessingWorker returns the worker holding jobID, if any.
func (q *Queue) ProcessingWorker(jobID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[jobID]
	return e.worker, ok
}
