package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmos/swarmos/internal/cas"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/receipt"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// WorkerEpochStats is one worker's activity within a sealing epoch, the
// input to the work-pool and readiness-pool fee splits.
type WorkerEpochStats struct {
	Worker           string
	JobsCompleted    int
	UptimeSec        int64
	MeetsReadinessMin bool
}

// Split is one worker's computed share of an epoch's revenue.
type Split struct {
	Worker string
	Amount swarmtypes.MicroAmount
}

// ComputeFeeSplit distributes totalRevenue across protocol, operator, and
// the worker pool according to fs, using the single authoritative set of
// percentages: protocol and operator take their cut of the gross first,
// then the remainder splits between work pool (proportional to jobs
// completed) and readiness pool (equal among qualifying workers).
// Returned amounts are MicroAmount so callers can accumulate losslessly
// before truncating to USD cents.
func ComputeFeeSplit(fs config.FeeSplit, totalRevenue swarmtypes.Amount, stats []WorkerEpochStats) (protocol, operator swarmtypes.MicroAmount, splits []Split) {
	gross := totalRevenue.ToMicro()
	protocol = scaleMicro(gross, fs.Protocol)
	operator = scaleMicro(gross, fs.Operator)
	remainder := gross - protocol - operator

	workPool := scaleMicro(remainder, fs.WorkPool)
	readinessPool := remainder - workPool

	totalJobs := 0
	for _, s := range stats {
		totalJobs += s.JobsCompleted
	}
	qualifying := 0
	for _, s := range stats {
		if s.MeetsReadinessMin {
			qualifying++
		}
	}

	byWorker := make(map[string]swarmtypes.MicroAmount, len(stats))
	for _, s := range stats {
		var share swarmtypes.MicroAmount
		if totalJobs > 0 {
			share += swarmtypes.Micro(int64(workPool) * int64(s.JobsCompleted) / int64(totalJobs))
		}
		if s.MeetsReadinessMin && qualifying > 0 {
			share += swarmtypes.Micro(int64(readinessPool) / int64(qualifying))
		}
		if share > 0 {
			byWorker[s.Worker] += share
		}
	}

	for _, s := range stats {
		if amt, ok := byWorker[s.Worker]; ok {
			splits = append(splits, Split{Worker: s.Worker, Amount: amt})
		}
	}
	return protocol, operator, splits
}

func scaleMicro(v swarmtypes.MicroAmount, pct float64) swarmtypes.MicroAmount {
	return swarmtypes.Micro(int64(float64(v) * pct))
}

// SealEpoch finalizes epochID: credits each worker settlement into
// balance, draining that worker's pending accrual, appends an earning
// transaction per worker, records the epoch's Merkle root/signature/CAS
// handle, and flips its status to finalized. Idempotent on epochID: a
// reseal is a no-op returning the original record.
//
// A settlement may exceed the worker's pending: per-job credits accrue
// only the work-pool share, while the readiness pool is an epoch-level
// allocation that first materializes here. The deduction is therefore
// capped at what is pending; the remainder is a fresh earning.
func (l *Ledger) SealEpoch(epochID, merkleRoot string, jobsCount int, totalRevenue swarmtypes.Amount, settlements []swarmtypes.SealSettlement, signature, casHandle string) (swarmtypes.Epoch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, found, err := l.getEpochLocked(epochID)
	if err != nil {
		return swarmtypes.Epoch{}, err
	}
	if found && e.Status == swarmtypes.EpochFinalized {
		return e, nil
	}
	if !found {
		e = swarmtypes.Epoch{ID: epochID, Status: swarmtypes.EpochSealing}
	}

	for _, s := range settlements {
		a, aok, err := l.getAccount(s.Worker)
		if err != nil {
			return swarmtypes.Epoch{}, err
		}
		if !aok {
			a = swarmtypes.Account{ID: s.Worker, Kind: swarmtypes.AccountWorker}
		}
		drain := s.Amount
		if drain > a.Pending {
			drain = a.Pending
		}
		a.Pending -= drain
		a.Balance += s.Amount
		a.TotalIn += s.Amount
		if err := l.putAccount(a); err != nil {
			return swarmtypes.Epoch{}, err
		}
		if err := l.appendTx(s.Worker, swarmtypes.TxEarning, s.Amount, a.Balance, epochID); err != nil {
			return swarmtypes.Epoch{}, err
		}
	}

	e.Status = swarmtypes.EpochFinalized
	e.JobsCount = jobsCount
	e.TotalRevenue = totalRevenue
	e.MerkleRoot = merkleRoot
	e.Signature = signature
	e.CASHandle = casHandle
	e.SealedUnix = time.Now().Unix()
	if err := l.putEpoch(e); err != nil {
		return swarmtypes.Epoch{}, err
	}
	log.Info("epoch sealed", "epoch_id", epochID, "jobs", jobsCount, "revenue", totalRevenue.String())
	return e, nil
}

func (l *Ledger) getEpochLocked(id string) (swarmtypes.Epoch, bool, error) {
	var e swarmtypes.Epoch
	err := l.db.GetJSON(epochKey(id), &e)
	if err == storage.ErrNotFound {
		return swarmtypes.Epoch{}, false, nil
	}
	if err != nil {
		return swarmtypes.Epoch{}, false, err
	}
	return e, true, nil
}

// EpochBundle is the payload named by the persisted epoch bundle: a
// SUMMARY.json, a sorted jobs.json, an agents.json settlement table, and
// a SIGNATURE.txt, packed into one blob since the abstract CAS contract
// is put(bytes)->cid rather than put(directory)->cid.
type EpochBundle struct {
	Summary json.RawMessage `json:"SUMMARY.json"`
	Jobs    json.RawMessage `json:"jobs.json"`
	Agents  json.RawMessage `json:"agents.json"`
	Sig     string          `json:"SIGNATURE.txt"`
}

// WriteEpochBundle builds and stores the persisted epoch bundle in store,
// returning the CAS handle to record on the Epoch record.
func WriteEpochBundle(store cas.Store, epoch swarmtypes.Epoch, leafJobs []receipt.LeafJob, settlements []Split, sealMessage string) (string, error) {
	summary := struct {
		EpochID      string          `json:"epoch_id"`
		JobsCount    int             `json:"jobs_count"`
		TotalRevenue swarmtypes.Amount `json:"total_revenue"`
		MerkleRoot   string          `json:"merkle_root"`
		SealedUnix   int64           `json:"sealed_unix"`
	}{epoch.ID, epoch.JobsCount, epoch.TotalRevenue, epoch.MerkleRoot, epoch.SealedUnix}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal summary: %w", err)
	}
	jobsJSON, err := json.Marshal(leafJobs)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal jobs: %w", err)
	}
	agentsJSON, err := json.Marshal(settlements)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal agents: %w", err)
	}

	bundle := EpochBundle{Summary: summaryJSON, Jobs: jobsJSON, Agents: agentsJSON, Sig: sealMessage}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal bundle: %w", err)
	}
	return store.Put(raw)
}
