package swarmtypes

// JobStatus enumerates the Job lifecycle: queued -> processing
// -> completed | failed, or queued -> cancelled.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Job is the unit of paid work, shared-by-value between the Controller
// (mutable owner during its life) and the Ledger (immutable archive entry
// once it reaches a terminal state).
type Job struct {
	ID       string    `json:"id"`
	EpochID  string    `json:"epoch_id"`
	Client   string    `json:"client"`
	Worker   string    `json:"worker,omitempty"`
	Kind     string    `json:"kind"`
	InputRef string    `json:"input_ref"`
	ResultRef string   `json:"result_ref,omitempty"`
	Fee      Amount    `json:"fee"`
	Status   JobStatus `json:"status"`
	PoEHash  string    `json:"poe_hash,omitempty"`

	ExecutionMS int64 `json:"execution_ms,omitempty"`

	SubmittedUnix int64 `json:"submitted_unix"`
	StartedUnix   int64 `json:"started_unix,omitempty"`
	CompletedUnix int64 `json:"completed_unix,omitempty"`
}

// Terminal reports whether the job has left the mutable part of its
// lifecycle; terminal Job fields (fee, result_ref) are then permanent
// receipt inputs.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// QueuedJob is the transient record living only in the pending queue;
// it is discarded once Claim moves the job into processing.
type QueuedJob struct {
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	Client      string `json:"client"`
	InputRef    string `json:"input_ref"`
	Fee         Amount `json:"fee"`
	EnqueuedUnix int64 `json:"enqueued_unix"`
	Priority    int    `json:"priority"`
}

// WorkerStatus enumerates the registry's lifecycle states.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerBusy     WorkerStatus = "busy"
	WorkerOffline  WorkerStatus = "offline"
	WorkerDraining WorkerStatus = "draining"
)

// WorkerInfo is the Controller's registry record for one worker.
// Address is the secp256k1 address recovered from the registration
// signature; complete/fail signatures must recover to the same address.
type WorkerInfo struct {
	ID              string       `json:"id"`
	Address         string       `json:"address,omitempty"`
	Status          WorkerStatus `json:"status"`
	GPUModel        string       `json:"gpu_model,omitempty"`
	VRAMGiB         int          `json:"vram_gib,omitempty"`
	Endpoint        string       `json:"endpoint,omitempty"`
	CurrentJobID    string       `json:"current_job_id,omitempty"`
	LastHeartbeatMS int64        `json:"last_heartbeat_ms"` // monotonic millis
	RegisteredUnix  int64        `json:"registered_unix"`

	// JobsCompletedInEpoch and UptimeSecInEpoch feed the work-pool and
	// readiness-pool fee splits and are reset on epoch rotation.
	JobsCompletedInEpoch int   `json:"jobs_completed_in_epoch"`
	UptimeSecInEpoch     int64 `json:"uptime_sec_in_epoch"`
}

// EpochStatus enumerates the settlement window lifecycle.
type EpochStatus string

const (
	EpochActive    EpochStatus = "active"
	EpochSealing   EpochStatus = "sealing"
	EpochFinalized EpochStatus = "finalized"
)

// Epoch is a settlement window; fields after JobsCount are populated
// only once sealing completes.
type Epoch struct {
	ID         string      `json:"id"`
	Status     EpochStatus `json:"status"`
	StartUnix  int64       `json:"start_unix"`
	EndUnix    int64       `json:"end_unix,omitempty"`

	JobsCount     int    `json:"jobs_count,omitempty"`
	TotalRevenue  Amount `json:"total_revenue,omitempty"`
	MerkleRoot    string `json:"merkle_root,omitempty"`
	Signature     string `json:"signature,omitempty"`
	CASHandle     string `json:"cas_handle,omitempty"`
	SealedUnix    int64  `json:"sealed_unix,omitempty"`
}
