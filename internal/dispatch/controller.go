package dispatch

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/cas"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/metrics"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// Options carries the Controller's tunables: the flat per-job price, the
// epoch fee split, the protocol timeouts, and the minimum per-epoch
// uptime a worker needs to qualify for the readiness pool.
type Options struct {
	PricePerJob           swarmtypes.Amount
	FeeSplit              config.FeeSplit
	Timeouts              config.Timeouts
	ReadinessMinUptimeSec int64
}

// Notifier is the push channel the Controller pokes when a job lands in
// the queue, so idle workers wake immediately instead of riding out
// their poll interval. A nil notifier means polling only.
type Notifier interface {
	JobEnqueued(job swarmtypes.QueuedJob)
}

// Controller is the dispatch core: it accepts client jobs, enforces
// funding through the Ledger, hands jobs to workers atomically, tracks
// per-job and per-worker lifecycle, and drives epoch rotation and
// sealing. Job records and the durable counters (epoch_seq, per-epoch
// job_seq) live in db so identity allocation survives restart.
type Controller struct {
	db       *storage.DB
	queue    *Queue
	registry *Registry
	ledger   LedgerClient
	opts     Options
	replay   *replayCache

	// Optional collaborators, wired by the binary before serving.
	Metrics  *metrics.Controller
	Notifier Notifier
	SealKey  *ecdsa.PrivateKey // signs the epoch-seal message
	Bundles  cas.Store         // receives the persisted epoch bundle

	epochMu sync.Mutex
	current swarmtypes.Epoch
}

func jobKey(id string) []byte     { return storage.KeyPrefix("job", id) }
func bindingKey(id string) []byte { return storage.KeyPrefix("binding", id) }

const (
	epochSeqKey     = "meta:epoch_seq"
	currentEpochKey = "meta:current_epoch"
)

func jobSeqKey(epochID string) []byte { return storage.KeyPrefix("meta", "job_seq", epochID) }

// NewController opens the dispatch core over db, resuming the persisted
// current epoch or starting epoch-001 if the store is fresh.
func NewController(db *storage.DB, ledger LedgerClient, opts Options) (*Controller, error) {
	c := &Controller{
		db:       db,
		queue:    NewQueue(),
		registry: NewRegistry(),
		ledger:   ledger,
		opts:     opts,
		replay:   newReplayCache(opts.Timeouts.ReplayWindow),
	}

	err := db.GetJSON([]byte(currentEpochKey), &c.current)
	if err == storage.ErrNotFound {
		c.current = swarmtypes.Epoch{ID: "epoch-001", Status: swarmtypes.EpochActive, StartUnix: time.Now().Unix()}
		if err := db.PutJSON([]byte(epochSeqKey), uint64(1)); err != nil {
			return nil, err
		}
		if err := db.PutJSON([]byte(currentEpochKey), c.current); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return c, nil
}

// CurrentEpoch returns the active settlement window.
func (c *Controller) CurrentEpoch() swarmtypes.Epoch {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	return c.current
}

// BindClient records the signing address bound to a client identity.
// Without an explicit binding, a client identity must itself be the
// lowercase hex address its submissions recover to.
func (c *Controller) BindClient(client, address string) error {
	return c.db.PutJSON(bindingKey(client), strings.ToLower(address))
}

func (c *Controller) boundAddress(client string) string {
	var addr string
	if err := c.db.GetJSON(bindingKey(client), &addr); err == nil {
		return addr
	}
	return strings.ToLower(client)
}

// allocJobID assigns the next job id for epochID, of shape
// job-<epoch_seq>-<seq>. The counter is read-modify-write against the
// durable store, never held only in memory.
func (c *Controller) allocJobID(epochID string) (string, error) {
	var seq uint64
	err := c.db.GetJSON(jobSeqKey(epochID), &seq)
	if err != nil && err != storage.ErrNotFound {
		return "", err
	}
	seq++
	if err := c.db.PutJSON(jobSeqKey(epochID), seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("job-%s-%04d", strings.TrimPrefix(epochID, "epoch-"), seq), nil
}

// Submit validates a client job request, reserves its fee with the
// Ledger, and enqueues it tagged with the current epoch.
func (c *Controller) Submit(req swarmtypes.SubmitRequest) (swarmtypes.SubmitResponse, error) {
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return swarmtypes.SubmitResponse{}, swarmtypes.NewError(swarmtypes.ErrBadRequest, "signature is not valid hex")
	}
	msg := cryptosig.SubmitMessage(req.Kind, req.Client, req.InputRef, req.Timestamp, req.Nonce)
	addr, err := cryptosig.RecoverAddress(msg, sig)
	if err != nil || string(addr) != c.boundAddress(req.Client) {
		return swarmtypes.SubmitResponse{}, swarmtypes.NewError(swarmtypes.ErrUnauthorized,
			"signature does not recover to the address bound to %s", req.Client)
	}

	now := time.Now().Unix()
	skew := now - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	// A submission at exactly the replay window is already stale.
	if skew >= int64(c.opts.Timeouts.ReplayWindow/time.Second) {
		return swarmtypes.SubmitResponse{}, swarmtypes.NewError(swarmtypes.ErrUnauthorized,
			"timestamp outside replay window")
	}
	if c.replay.Seen(req.Client, req.Nonce, now) {
		return swarmtypes.SubmitResponse{}, swarmtypes.NewError(swarmtypes.ErrConflict,
			"nonce %s already used by %s", req.Nonce, req.Client)
	}

	epoch := c.CurrentEpoch()
	jobID, err := c.allocJobID(epoch.ID)
	if err != nil {
		return swarmtypes.SubmitResponse{}, err
	}

	if err := c.ledger.Reserve(req.Client, c.opts.PricePerJob, jobID); err != nil {
		// The nonce wasn't consumed: a failed reservation must leave the
		// client free to retry the same request.
		c.replay.Forget(req.Client, req.Nonce)
		return swarmtypes.SubmitResponse{}, err
	}

	job := swarmtypes.Job{
		ID:            jobID,
		EpochID:       epoch.ID,
		Client:        req.Client,
		Kind:          req.Kind,
		InputRef:      req.InputRef,
		Fee:           c.opts.PricePerJob,
		Status:        swarmtypes.JobQueued,
		SubmittedUnix: now,
	}
	if err := c.db.PutJSON(jobKey(jobID), job); err != nil {
		return swarmtypes.SubmitResponse{}, err
	}

	qj := swarmtypes.QueuedJob{
		JobID: jobID, Kind: req.Kind, Client: req.Client,
		InputRef: req.InputRef, Fee: job.Fee, EnqueuedUnix: now,
	}
	c.queue.Enqueue(qj)
	if c.Notifier != nil {
		c.Notifier.JobEnqueued(qj)
	}
	if c.Metrics != nil {
		c.Metrics.JobsSubmitted.Inc()
		c.Metrics.QueueDepth.Set(float64(c.queue.Depth()))
	}
	log.Info("job submitted", "job_id", jobID, "client", req.Client, "kind", req.Kind, "fee", job.Fee.String())
	return swarmtypes.SubmitResponse{JobID: jobID, EpochID: epoch.ID, Fee: job.Fee}, nil
}

// Claim hands the oldest, highest-priority queued job to worker, or nil
// when the queue is empty. The pop and the move into processing are one
// atomic step; the job record and worker registry are updated after.
func (c *Controller) Claim(worker string) (*swarmtypes.QueuedJob, error) {
	w, ok := c.registry.Get(worker)
	if !ok {
		return nil, swarmtypes.NewError(swarmtypes.ErrNotFound, "worker %s is not registered", worker)
	}
	if w.Status != swarmtypes.WorkerOnline {
		return nil, swarmtypes.NewError(swarmtypes.ErrForbidden, "worker %s is %s, not online", worker, w.Status)
	}

	now := time.Now().Unix()
	qj, ok := c.queue.Claim(worker, now)
	if !ok {
		return nil, nil
	}

	var job swarmtypes.Job
	if err := c.db.GetJSON(jobKey(qj.JobID), &job); err != nil {
		return nil, err
	}
	job.Status = swarmtypes.JobProcessing
	job.Worker = worker
	job.StartedUnix = now
	if err := c.db.PutJSON(jobKey(qj.JobID), job); err != nil {
		return nil, err
	}
	c.registry.MarkBusy(worker, qj.JobID)
	if c.Metrics != nil {
		c.Metrics.JobsClaimed.Inc()
		c.Metrics.QueueDepth.Set(float64(c.queue.Depth()))
	}
	log.Debug("job claimed", "job_id", qj.JobID, "worker", worker)
	return &qj, nil
}

// workShare is the per-job work-pool allocation credited to a worker's
// pending at completion: fee x (1 - protocol - operator) x work_pool.
// The readiness pool has no per-job accrual; it is allocated at seal.
func (c *Controller) workShare(fee swarmtypes.Amount) swarmtypes.Amount {
	fs := c.opts.FeeSplit
	micro := float64(fee.ToMicro()) * (1 - fs.Protocol - fs.Operator) * fs.WorkPool
	return swarmtypes.Micro(int64(micro)).Truncate()
}

// Complete finalizes a processing job: it verifies the reporting worker
// and its signature and PoE hash, settles with the Ledger (charge the
// client, credit the worker's pending), and only then writes the
// terminal job record. A Ledger failure leaves the job in processing so
// a retried complete finds no partial commit; both Ledger calls are
// idempotent on the job id, so the retry is safe.
func (c *Controller) Complete(jobID string, req swarmtypes.CompleteRequest) error {
	var job swarmtypes.Job
	if err := c.db.GetJSON(jobKey(jobID), &job); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.NewError(swarmtypes.ErrNotFound, "job %s", jobID)
		}
		return err
	}

	if job.Status == swarmtypes.JobCompleted {
		if job.Worker != req.Worker {
			return swarmtypes.NewError(swarmtypes.ErrForbidden, "job %s was completed by %s", jobID, job.Worker)
		}
		return nil // retried complete: same response, no double-charge
	}
	if job.Status != swarmtypes.JobProcessing {
		return swarmtypes.NewError(swarmtypes.ErrPreconditionFailed, "job %s is %s", jobID, job.Status)
	}
	if job.Worker != req.Worker {
		return swarmtypes.NewError(swarmtypes.ErrForbidden, "job %s belongs to %s", jobID, job.Worker)
	}

	w, ok := c.registry.Get(req.Worker)
	if !ok {
		return swarmtypes.NewError(swarmtypes.ErrNotFound, "worker %s is not registered", req.Worker)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return swarmtypes.NewError(swarmtypes.ErrBadRequest, "signature is not valid hex")
	}
	msg := cryptosig.CompleteMessage(jobID, req.ResultRef, req.PoEHash)
	if !cryptosig.Verify(msg, sig, cryptosig.Address(w.Address)) {
		return swarmtypes.NewError(swarmtypes.ErrUnauthorized, "signature does not recover to worker %s", req.Worker)
	}
	if req.PoEHash != cryptosig.PoEHash(jobID, req.ResultRef, req.Worker) {
		return swarmtypes.NewError(swarmtypes.ErrBadRequest, "poe_hash does not bind job, result, and worker")
	}

	if err := c.ledger.Charge(job.Client, job.Fee, jobID); err != nil {
		return err
	}
	if err := c.ledger.Credit(req.Worker, c.workShare(job.Fee), jobID, true); err != nil {
		return err
	}

	job.Status = swarmtypes.JobCompleted
	job.ResultRef = req.ResultRef
	job.PoEHash = req.PoEHash
	job.ExecutionMS = req.ExecutionMS
	job.CompletedUnix = time.Now().Unix()
	if err := c.db.PutJSON(jobKey(jobID), job); err != nil {
		return err
	}
	c.queue.Release(jobID)
	c.registry.SetStatus(req.Worker, swarmtypes.WorkerOnline)
	c.registry.RecordCompletion(req.Worker)
	if c.Metrics != nil {
		c.Metrics.JobsCompleted.Inc()
	}
	log.Info("job completed", "job_id", jobID, "worker", req.Worker, "execution_ms", req.ExecutionMS)
	return nil
}

// Fail records an explicit worker-side failure, refunding the client's
// reservation. It drives the same path as a claim timeout.
func (c *Controller) Fail(jobID string, req swarmtypes.FailRequest) error {
	var job swarmtypes.Job
	if err := c.db.GetJSON(jobKey(jobID), &job); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.NewError(swarmtypes.ErrNotFound, "job %s", jobID)
		}
		return err
	}
	if job.Status == swarmtypes.JobFailed {
		return nil
	}
	if job.Status != swarmtypes.JobProcessing {
		return swarmtypes.NewError(swarmtypes.ErrPreconditionFailed, "job %s is %s", jobID, job.Status)
	}
	if job.Worker != req.Worker {
		return swarmtypes.NewError(swarmtypes.ErrForbidden, "job %s belongs to %s", jobID, job.Worker)
	}
	w, ok := c.registry.Get(req.Worker)
	if !ok {
		return swarmtypes.NewError(swarmtypes.ErrNotFound, "worker %s is not registered", req.Worker)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return swarmtypes.NewError(swarmtypes.ErrBadRequest, "signature is not valid hex")
	}
	if !cryptosig.Verify(cryptosig.FailMessage(jobID, req.Reason), sig, cryptosig.Address(w.Address)) {
		return swarmtypes.NewError(swarmtypes.ErrUnauthorized, "signature does not recover to worker %s", req.Worker)
	}

	if err := c.failJob(&job, req.Reason); err != nil {
		return err
	}
	c.registry.SetStatus(req.Worker, swarmtypes.WorkerOnline)
	return nil
}

// failJob refunds the reservation and writes the terminal failed record.
// The refund happens first: if it fails transiently the job stays in
// processing and the reaper retries it on its next pass.
func (c *Controller) failJob(job *swarmtypes.Job, reason string) error {
	if err := c.ledger.Refund(job.Client, job.ID); err != nil {
		log.Warn("refund failed, job left for retry", "job_id", job.ID, "err", err)
		return err
	}
	job.Status = swarmtypes.JobFailed
	job.CompletedUnix = time.Now().Unix()
	if err := c.db.PutJSON(jobKey(job.ID), *job); err != nil {
		return err
	}
	c.queue.Release(job.ID)
	if c.Metrics != nil {
		c.Metrics.JobsFailed.Inc()
	}
	log.Warn("job failed", "job_id", job.ID, "reason", reason)
	return nil
}

// Job returns the stored job record.
func (c *Controller) Job(jobID string) (swarmtypes.Job, error) {
	var job swarmtypes.Job
	if err := c.db.GetJSON(jobKey(jobID), &job); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.Job{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "job %s", jobID)
		}
		return swarmtypes.Job{}, err
	}
	return job, nil
}

// RegisterWorker verifies the registration signature and records the
// worker, binding its identity to the recovered address. Re-registering
// under the same identity with a different key is rejected.
func (c *Controller) RegisterWorker(req swarmtypes.RegisterRequest) (swarmtypes.WorkerInfo, error) {
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return swarmtypes.WorkerInfo{}, swarmtypes.NewError(swarmtypes.ErrBadRequest, "signature is not valid hex")
	}
	addr, err := cryptosig.RecoverAddress(cryptosig.RegisterMessage(req.WorkerID), sig)
	if err != nil {
		return swarmtypes.WorkerInfo{}, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "invalid registration signature")
	}
	if existing, ok := c.registry.Get(req.WorkerID); ok && existing.Address != string(addr) {
		return swarmtypes.WorkerInfo{}, swarmtypes.NewError(swarmtypes.ErrUnauthorized,
			"worker id %s is bound to a different key", req.WorkerID)
	}

	info := swarmtypes.WorkerInfo{
		ID: req.WorkerID, Address: string(addr),
		GPUModel: req.GPUModel, VRAMGiB: req.VRAMGiB, Endpoint: req.Endpoint,
	}
	out := c.registry.Register(info)
	if c.Metrics != nil {
		c.Metrics.WorkersOnline.Set(float64(c.registry.CountOnline()))
	}
	log.Info("worker registered", "worker", req.WorkerID, "address", string(addr), "gpu", req.GPUModel)
	return out, nil
}

// Heartbeat refreshes a worker's liveness and status.
func (c *Controller) Heartbeat(req swarmtypes.HeartbeatRequest) (swarmtypes.WorkerInfo, error) {
	w, ok := c.registry.Heartbeat(req.Worker, req.Status, req.CurrentJobID)
	if !ok {
		return swarmtypes.WorkerInfo{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "worker %s is not registered", req.Worker)
	}
	return w, nil
}

// ReapExpiredClaims fails every processing job whose claim is older than
// the claim timeout, refunding each reservation. Returns the ids reaped.
func (c *Controller) ReapExpiredClaims(nowUnix int64) []string {
	expired := c.queue.ExpiredClaims(nowUnix, int64(c.opts.Timeouts.ClaimTimeout/time.Second))
	var reaped []string
	for _, jobID := range expired {
		var job swarmtypes.Job
		if err := c.db.GetJSON(jobKey(jobID), &job); err != nil {
			log.Error("reap: job record missing", "job_id", jobID, "err", err)
			continue
		}
		if job.Status != swarmtypes.JobProcessing {
			c.queue.Release(jobID)
			continue
		}
		worker := job.Worker
		if err := c.failJob(&job, "claim timeout"); err != nil {
			continue
		}
		c.registry.ClearJob(worker, jobID)
		if c.Metrics != nil {
			c.Metrics.ClaimTimeouts.Inc()
		}
		reaped = append(reaped, jobID)
	}
	return reaped
}

// SweepWorkers demotes stale-heartbeat workers to offline and routes any
// job they held straight onto the claim-timeout path.
func (c *Controller) SweepWorkers() {
	orphans := c.registry.SweepStale(c.opts.Timeouts.HeartbeatTimeout)
	for _, jobID := range orphans {
		var job swarmtypes.Job
		if err := c.db.GetJSON(jobKey(jobID), &job); err != nil {
			continue
		}
		if job.Status != swarmtypes.JobProcessing {
			continue
		}
		if err := c.failJob(&job, "worker heartbeat lost"); err != nil {
			continue
		}
		if c.Metrics != nil {
			c.Metrics.ClaimTimeouts.Inc()
		}
	}
	if c.Metrics != nil {
		c.Metrics.WorkersOnline.Set(float64(c.registry.CountOnline()))
	}
}

// EvictReplayCache drops replay-table entries older than the window.
func (c *Controller) EvictReplayCache() {
	c.replay.Evict(time.Now().Unix())
}

// Workers returns a snapshot of the registry.
func (c *Controller) Workers() []swarmtypes.WorkerInfo {
	return c.registry.Snapshot()
}
