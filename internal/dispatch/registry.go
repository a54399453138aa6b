package dispatch

import (
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "dispatch")

// Registry holds every known worker's live status, in memory. A sweeper
// pass demotes workers whose heartbeat has gone stale to offline.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*swarmtypes.WorkerInfo
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*swarmtypes.WorkerInfo)}
}

// Register records worker, creating it if unseen or refreshing its
// static attributes if already known.
func (r *Registry) Register(info swarmtypes.WorkerInfo) swarmtypes.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.workers[info.ID]; ok {
		info.JobsCompletedInEpoch = prev.JobsCompletedInEpoch
		info.UptimeSecInEpoch = prev.UptimeSecInEpoch
	}
	info.Status = swarmtypes.WorkerOnline
	info.RegisteredUnix = time.Now().Unix()
	info.LastHeartbeatMS = time.Now().UnixMilli()
	r.workers[info.ID] = &info
	return info
}

// Heartbeat refreshes worker's liveness timestamp and status.
func (r *Registry) Heartbeat(worker string, status swarmtypes.WorkerStatus, currentJobID string) (swarmtypes.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[worker]
	if !ok {
		return swarmtypes.WorkerInfo{}, false
	}
	now := time.Now().UnixMilli()
	// Accrue uptime for the readiness pool: credit the gap since the last
	// heartbeat, capped so a worker returning from a long absence doesn't
	// back-claim the whole gap as uptime.
	delta := (now - w.LastHeartbeatMS) / 1000
	if delta > maxUptimeAccrualSec {
		delta = maxUptimeAccrualSec
	}
	if delta > 0 {
		w.UptimeSecInEpoch += delta
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	w.LastHeartbeatMS = now
	return *w, true
}

// maxUptimeAccrualSec bounds how much uptime a single heartbeat can
// claim: two heartbeat intervals at the 30 s default.
const maxUptimeAccrualSec = 60

// Get returns a copy of worker's current record.
func (r *Registry) Get(worker string) (swarmtypes.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[worker]
	if !ok {
		return swarmtypes.WorkerInfo{}, false
	}
	return *w, true
}

// SetStatus updates worker's status and, when transitioning into online,
// clears its current job.
func (r *Registry) SetStatus(worker string, status swarmtypes.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[worker]
	if !ok {
		return
	}
	w.Status = status
	if status == swarmtypes.WorkerOnline {
		w.CurrentJobID = ""
	}
}

// MarkBusy transitions worker into busy with the given job.
func (r *Registry) MarkBusy(worker, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[worker]; ok {
		w.Status = swarmtypes.WorkerBusy
		w.CurrentJobID = jobID
	}
}

// ClearJob drops worker's current-job marker if it still points at
// jobID, without touching the worker's status. Used when a job is reaped
// out from under a worker that may already be offline.
func (r *Registry) ClearJob(worker, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[worker]; ok && w.CurrentJobID == jobID {
		w.CurrentJobID = ""
	}
}

// RecordCompletion increments worker's epoch job counter, used for the
// work-pool fee split at seal time.
func (r *Registry) RecordCompletion(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[worker]; ok {
		w.JobsCompletedInEpoch++
	}
}

// ResetEpochCounters zeroes every worker's per-epoch counters, called
// once a new epoch becomes current.
func (r *Registry) ResetEpochCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		w.JobsCompletedInEpoch = 0
		w.UptimeSecInEpoch = 0
	}
}

// SweepStale demotes any worker whose heartbeat is older than timeout to
// offline and returns the job ids that were in-flight with them, so the
// caller can route those jobs onto the claim-timeout path immediately
// rather than waiting for CLAIM_TIMEOUT to elapse on its own.
func (r *Registry) SweepStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout).UnixMilli()
	var orphanedJobs []string
	for _, w := range r.workers {
		if w.Status == swarmtypes.WorkerOffline {
			continue
		}
		if w.LastHeartbeatMS < cutoff {
			if w.CurrentJobID != "" {
				orphanedJobs = append(orphanedJobs, w.CurrentJobID)
			}
			w.Status = swarmtypes.WorkerOffline
			w.CurrentJobID = ""
		}
	}
	return orphanedJobs
}

// CountOnline reports workers currently online or busy, for the
// workers_online gauge.
func (r *Registry) CountOnline() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Status == swarmtypes.WorkerOnline || w.Status == swarmtypes.WorkerBusy {
			n++
		}
	}
	return n
}

// Snapshot returns every worker's current stats, for computing the
// epoch fee split at seal time.
func (r *Registry) Snapshot() []swarmtypes.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]swarmtypes.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}
