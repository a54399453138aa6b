package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/receipt"
	"github.com/swarmos/swarmos/internal/settlement"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// RotateEpoch atomically makes a fresh epoch current and returns the old
// one together with a snapshot of every worker's per-epoch stats, taken
// before the counters reset. New submissions tag the new epoch the
// moment this returns; the old epoch's completed-job set is frozen.
func (c *Controller) RotateEpoch() (swarmtypes.Epoch, []settlement.WorkerEpochStats, error) {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()

	var seq uint64
	if err := c.db.GetJSON([]byte(epochSeqKey), &seq); err != nil {
		return swarmtypes.Epoch{}, nil, err
	}
	seq++

	now := time.Now().Unix()
	next := swarmtypes.Epoch{
		ID:        fmt.Sprintf("epoch-%03d", seq),
		Status:    swarmtypes.EpochActive,
		StartUnix: now,
	}
	if err := c.db.PutJSON([]byte(epochSeqKey), seq); err != nil {
		return swarmtypes.Epoch{}, nil, err
	}
	if err := c.db.PutJSON([]byte(currentEpochKey), next); err != nil {
		return swarmtypes.Epoch{}, nil, err
	}

	old := c.current
	old.Status = swarmtypes.EpochSealing
	old.EndUnix = now
	c.current = next

	var stats []settlement.WorkerEpochStats
	for _, w := range c.registry.Snapshot() {
		if w.JobsCompletedInEpoch == 0 && w.UptimeSecInEpoch == 0 {
			continue
		}
		stats = append(stats, settlement.WorkerEpochStats{
			Worker:            w.ID,
			JobsCompleted:     w.JobsCompletedInEpoch,
			UptimeSec:         w.UptimeSecInEpoch,
			MeetsReadinessMin: w.UptimeSecInEpoch >= c.opts.ReadinessMinUptimeSec,
		})
	}
	c.registry.ResetEpochCounters()

	log.Info("epoch rotated", "sealed", old.ID, "current", next.ID)
	return old, stats, nil
}

// completedJobs walks the job index and returns every completed job
// tagged with epochID, the snapshot the Merkle tree is built over.
func (c *Controller) completedJobs(epochID string) ([]swarmtypes.Job, error) {
	it := c.db.NewIteratorWithPrefix(storage.KeyPrefix("job", ""))
	defer it.Release()

	var jobs []swarmtypes.Job
	for it.Next() {
		var job swarmtypes.Job
		if err := json.Unmarshal(it.Value(), &job); err != nil {
			return nil, fmt.Errorf("dispatch: corrupt job record at %s: %w", it.Key(), err)
		}
		if job.EpochID == epochID && job.Status == swarmtypes.JobCompleted {
			jobs = append(jobs, job)
		}
	}
	return jobs, it.Error()
}

// SealEpoch settles the rotated-out epoch: build the Merkle tree over
// its completed jobs, compute the fee split from the worker stats
// snapshot, write the persisted epoch bundle to CAS, sign the seal
// message, and instruct the Ledger to seal. Protocol and operator cuts
// are credited to their treasury accounts as immediate earnings.
func (c *Controller) SealEpoch(old swarmtypes.Epoch, stats []settlement.WorkerEpochStats) (swarmtypes.SealEpochRequest, error) {
	jobs, err := c.completedJobs(old.ID)
	if err != nil {
		return swarmtypes.SealEpochRequest{}, err
	}

	leaves := make([]receipt.LeafJob, len(jobs))
	var totalRevenue swarmtypes.Amount
	for i, j := range jobs {
		leaves[i] = receipt.FromJob(j)
		totalRevenue += j.Fee
	}
	tree, err := receipt.Build(leaves)
	if err != nil {
		return swarmtypes.SealEpochRequest{}, err
	}
	root := tree.Root()
	rootHex := hex.EncodeToString(root[:])

	protocol, operator, splits := settlement.ComputeFeeSplit(c.opts.FeeSplit, totalRevenue, stats)

	settlements := make([]swarmtypes.SealSettlement, 0, len(splits))
	var distributed swarmtypes.Amount
	for _, s := range splits {
		amt := s.Amount.Truncate()
		if amt == 0 {
			continue
		}
		settlements = append(settlements, swarmtypes.SealSettlement{Worker: s.Worker, Amount: amt})
		distributed += amt
	}

	sealedISO := time.Unix(old.EndUnix, 0).UTC().Format(time.RFC3339)
	msg := cryptosig.SealMessage(old.ID, rootHex, len(jobs), distributed.String(), sealedISO)
	var sigHex string
	if c.SealKey != nil {
		sigHex = hex.EncodeToString(cryptosig.Sign(msg, c.SealKey))
	}

	old.JobsCount = len(jobs)
	old.TotalRevenue = totalRevenue
	old.MerkleRoot = rootHex
	old.Signature = sigHex
	old.SealedUnix = old.EndUnix

	var casHandle string
	if c.Bundles != nil {
		sealDoc := string(msg)
		if sigHex != "" {
			sealDoc += "\n\nSignature: " + sigHex
		}
		casHandle, err = settlement.WriteEpochBundle(c.Bundles, old, leaves, splits, sealDoc)
		if err != nil {
			return swarmtypes.SealEpochRequest{}, err
		}
	}

	req := swarmtypes.SealEpochRequest{
		EpochID:      old.ID,
		MerkleRoot:   rootHex,
		JobsCount:    len(jobs),
		TotalRevenue: totalRevenue,
		Settlements:  settlements,
		Signature:    sigHex,
		CASHandle:    casHandle,
	}
	if err := c.ledger.SealEpoch(req); err != nil {
		return swarmtypes.SealEpochRequest{}, err
	}

	// Treasury cuts are immediate earnings, keyed on the epoch id so a
	// repeated seal attempt can't credit them twice.
	if amt := protocol.Truncate(); amt > 0 {
		if err := c.ledger.Credit("protocol-treasury", amt, old.ID, false); err != nil {
			log.Warn("protocol treasury credit failed", "epoch", old.ID, "err", err)
		}
	}
	if amt := operator.Truncate(); amt > 0 {
		if err := c.ledger.Credit("operator-treasury", amt, old.ID, false); err != nil {
			log.Warn("operator treasury credit failed", "epoch", old.ID, "err", err)
		}
	}

	log.Info("epoch sealed", "epoch", old.ID, "jobs", len(jobs),
		"revenue", totalRevenue.String(), "distributed", distributed.String(), "root", rootHex)
	return req, nil
}

// SealCurrentEpoch rotates the active epoch out and seals it in one
// operator-facing call.
func (c *Controller) SealCurrentEpoch() (swarmtypes.SealEpochRequest, error) {
	old, stats, err := c.RotateEpoch()
	if err != nil {
		return swarmtypes.SealEpochRequest{}, err
	}
	return c.SealEpoch(old, stats)
}
