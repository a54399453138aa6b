package dispatch

import (
	"crypto/ecdsa"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// fakeLedger is an in-process LedgerClient recording every settlement
// call, with just enough balance logic to exercise the funding checks.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[string]swarmtypes.Amount
	reserved  map[string]swarmtypes.Amount // job id -> amount
	charged   map[string]bool
	refunded  map[string]bool
	credits   map[string]swarmtypes.Amount // worker -> pending total
	sealed    []swarmtypes.SealEpochRequest
	reserveBy map[string]string // job id -> account

	reserveErr error
	chargeErr  error
	refundErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:  make(map[string]swarmtypes.Amount),
		reserved:  make(map[string]swarmtypes.Amount),
		charged:   make(map[string]bool),
		refunded:  make(map[string]bool),
		credits:   make(map[string]swarmtypes.Amount),
		reserveBy: make(map[string]string),
	}
}

func (f *fakeLedger) Balance(account string) (swarmtypes.BalanceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return swarmtypes.BalanceResponse{Account: account, Balance: f.balances[account]}, nil
}

func (f *fakeLedger) Reserve(account string, amount swarmtypes.Amount, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return f.reserveErr
	}
	if f.balances[account] < amount {
		return swarmtypes.NewError(swarmtypes.ErrInsufficientFunds, "account %s", account)
	}
	f.balances[account] -= amount
	f.reserved[jobID] = amount
	f.reserveBy[jobID] = account
	return nil
}

func (f *fakeLedger) Charge(account string, amount swarmtypes.Amount, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return f.chargeErr
	}
	f.charged[jobID] = true
	return nil
}

func (f *fakeLedger) Refund(account string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.balances[account] += f.reserved[jobID]
	f.refunded[jobID] = true
	return nil
}

func (f *fakeLedger) Credit(account string, amount swarmtypes.Amount, jobID string, pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[account] += amount
	return nil
}

func (f *fakeLedger) SealEpoch(req swarmtypes.SealEpochRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = append(f.sealed, req)
	return nil
}

type testEnv struct {
	c      *Controller
	ledger *fakeLedger

	clientKey  *ecdsa.PrivateKey
	clientAddr string
	workerKey  *ecdsa.PrivateKey
	workerID   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := newFakeLedger()
	opts := Options{
		PricePerJob: mustAmt(t, "0.10"),
		FeeSplit:    config.DefaultFeeSplit(),
		Timeouts:    config.DefaultTimeouts(),
	}
	c, err := NewController(db, ledger, opts)
	require.NoError(t, err)

	clientKey, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	workerKey, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	env := &testEnv{
		c: c, ledger: ledger,
		clientKey: clientKey, clientAddr: string(cryptosig.AddressFromPrivateKey(clientKey)),
		workerKey: workerKey, workerID: "w1",
	}
	ledger.balances[env.clientAddr] = mustAmt(t, "1.00")

	regSig := cryptosig.Sign(cryptosig.RegisterMessage(env.workerID), workerKey)
	_, err = c.RegisterWorker(swarmtypes.RegisterRequest{
		WorkerID: env.workerID, GPUModel: "rtx-4090", VRAMGiB: 24, Signature: hex.EncodeToString(regSig),
	})
	require.NoError(t, err)
	return env
}

func mustAmt(t *testing.T, s string) swarmtypes.Amount {
	t.Helper()
	a, err := swarmtypes.ParseAmount(s)
	require.NoError(t, err)
	return a
}

func (env *testEnv) submit(t *testing.T, nonce string) swarmtypes.SubmitResponse {
	t.Helper()
	resp, err := env.trySubmit(nonce, time.Now().Unix())
	require.NoError(t, err)
	return resp
}

func (env *testEnv) trySubmit(nonce string, ts int64) (swarmtypes.SubmitResponse, error) {
	msg := cryptosig.SubmitMessage("spine-mri", env.clientAddr, "cid:scan", ts, nonce)
	sig := cryptosig.Sign(msg, env.clientKey)
	return env.c.Submit(swarmtypes.SubmitRequest{
		Client: env.clientAddr, Kind: "spine-mri", InputRef: "cid:scan",
		Timestamp: ts, Nonce: nonce, Signature: hex.EncodeToString(sig),
	})
}

func (env *testEnv) complete(t *testing.T, jobID, resultRef string) error {
	t.Helper()
	poe := cryptosig.PoEHash(jobID, resultRef, env.workerID)
	sig := cryptosig.Sign(cryptosig.CompleteMessage(jobID, resultRef, poe), env.workerKey)
	return env.c.Complete(jobID, swarmtypes.CompleteRequest{
		Worker: env.workerID, ResultRef: resultRef, PoEHash: poe,
		ExecutionMS: 1234, Signature: hex.EncodeToString(sig),
	})
}

func TestSubmitClaimCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submit(t, "n1")
	require.Equal(t, "job-001-0001", resp.JobID)
	require.Equal(t, "epoch-001", resp.EpochID)
	require.Equal(t, mustAmt(t, "0.10"), resp.Fee)
	require.Contains(t, env.ledger.reserved, resp.JobID)

	qj, err := env.c.Claim(env.workerID)
	require.NoError(t, err)
	require.NotNil(t, qj)
	require.Equal(t, resp.JobID, qj.JobID)

	job, err := env.c.Job(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, swarmtypes.JobProcessing, job.Status)
	require.Equal(t, env.workerID, job.Worker)

	require.NoError(t, env.complete(t, resp.JobID, "cid:result"))
	require.True(t, env.ledger.charged[resp.JobID])
	// Work-pool share of $0.10 is $0.0651, truncated to cents.
	require.Equal(t, mustAmt(t, "0.06"), env.ledger.credits[env.workerID])

	job, err = env.c.Job(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, swarmtypes.JobCompleted, job.Status)
	require.Equal(t, "cid:result", job.ResultRef)

	w, ok := env.c.registry.Get(env.workerID)
	require.True(t, ok)
	require.Equal(t, swarmtypes.WorkerOnline, w.Status)
	require.Equal(t, 1, w.JobsCompletedInEpoch)
}

func TestCompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	require.NoError(t, env.complete(t, resp.JobID, "cid:result"))
	creditsAfterFirst := env.ledger.credits[env.workerID]

	require.NoError(t, env.complete(t, resp.JobID, "cid:result"))
	require.Equal(t, creditsAfterFirst, env.ledger.credits[env.workerID],
		"retried complete must not re-credit")
}

func TestCompleteByWrongWorkerIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	otherKey, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	regSig := cryptosig.Sign(cryptosig.RegisterMessage("w2"), otherKey)
	_, err = env.c.RegisterWorker(swarmtypes.RegisterRequest{WorkerID: "w2", Signature: hex.EncodeToString(regSig)})
	require.NoError(t, err)

	poe := cryptosig.PoEHash(resp.JobID, "cid:r", "w2")
	sig := cryptosig.Sign(cryptosig.CompleteMessage(resp.JobID, "cid:r", poe), otherKey)
	err = env.c.Complete(resp.JobID, swarmtypes.CompleteRequest{
		Worker: "w2", ResultRef: "cid:r", PoEHash: poe, Signature: hex.EncodeToString(sig),
	})
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrForbidden, swarmtypes.KindOf(err))
}

func TestSubmitReplayedNonceYieldsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "n1")

	before := env.ledger.balances[env.clientAddr]
	_, err := env.trySubmit("n1", time.Now().Unix())
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrConflict, swarmtypes.KindOf(err))
	require.Equal(t, before, env.ledger.balances[env.clientAddr], "replay must not reserve")
}

func TestSubmitTimestampAtReplayWindowIsRejected(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().Unix()

	_, err := env.trySubmit("stale", now-300)
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrUnauthorized, swarmtypes.KindOf(err))

	_, err = env.trySubmit("fresh", now-299)
	require.NoError(t, err)
}

func TestSubmitInsufficientFundsDoesNotConsumeNonce(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.balances[env.clientAddr] = mustAmt(t, "0.05")

	_, err := env.trySubmit("n1", time.Now().Unix())
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrInsufficientFunds, swarmtypes.KindOf(err))

	env.ledger.balances[env.clientAddr] = mustAmt(t, "1.00")
	_, err = env.trySubmit("n1", time.Now().Unix())
	require.NoError(t, err, "nonce from a declined submission must be reusable")
}

func TestSubmitBadSignatureIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	otherKey, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	ts := time.Now().Unix()
	msg := cryptosig.SubmitMessage("spine-mri", env.clientAddr, "cid:scan", ts, "n1")
	sig := cryptosig.Sign(msg, otherKey)
	_, err = env.c.Submit(swarmtypes.SubmitRequest{
		Client: env.clientAddr, Kind: "spine-mri", InputRef: "cid:scan",
		Timestamp: ts, Nonce: "n1", Signature: hex.EncodeToString(sig),
	})
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrUnauthorized, swarmtypes.KindOf(err))
}

// TestConcurrentClaimsDeliverEachJobOnce: at the controller
// level: two registered workers racing over one job.
func TestConcurrentClaimsDeliverEachJobOnce(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "n1")

	key2, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	regSig := cryptosig.Sign(cryptosig.RegisterMessage("w2"), key2)
	_, err = env.c.RegisterWorker(swarmtypes.RegisterRequest{WorkerID: "w2", Signature: hex.EncodeToString(regSig)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make(chan *swarmtypes.QueuedJob, 2)
	for _, w := range []string{env.workerID, "w2"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			qj, err := env.c.Claim(worker)
			require.NoError(t, err)
			got <- qj
		}(w)
	}
	wg.Wait()
	close(got)

	var delivered int
	for qj := range got {
		if qj != nil {
			delivered++
		}
	}
	require.Equal(t, 1, delivered)
}

// TestReapExpiredClaimRefundsClient: a worker claims and goes
// silent; after the claim timeout the job fails and the reservation is
// refunded, restoring the client's pre-submit balance.
func TestReapExpiredClaimRefundsClient(t *testing.T) {
	env := newTestEnv(t)
	before := env.ledger.balances[env.clientAddr]
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	reaped := env.c.ReapExpiredClaims(time.Now().Unix() + 61)
	require.Equal(t, []string{resp.JobID}, reaped)
	require.True(t, env.ledger.refunded[resp.JobID])
	require.Equal(t, before, env.ledger.balances[env.clientAddr])

	job, err := env.c.Job(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, swarmtypes.JobFailed, job.Status)
}

func TestReapLeavesJobForRetryWhenRefundUnavailable(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	env.ledger.refundErr = swarmtypes.NewError(swarmtypes.ErrUnavailable, "ledger down")
	require.Empty(t, env.c.ReapExpiredClaims(time.Now().Unix()+61))

	job, err := env.c.Job(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, swarmtypes.JobProcessing, job.Status, "job stays in-between until the refund lands")

	env.ledger.refundErr = nil
	require.Equal(t, []string{resp.JobID}, env.c.ReapExpiredClaims(time.Now().Unix()+61))
}

func TestExplicitFailRefundsAndFreesWorker(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	sig := cryptosig.Sign(cryptosig.FailMessage(resp.JobID, "oom"), env.workerKey)
	require.NoError(t, env.c.Fail(resp.JobID, swarmtypes.FailRequest{
		Worker: env.workerID, Reason: "oom", Signature: hex.EncodeToString(sig),
	}))
	require.True(t, env.ledger.refunded[resp.JobID])

	w, ok := env.c.registry.Get(env.workerID)
	require.True(t, ok)
	require.Equal(t, swarmtypes.WorkerOnline, w.Status)
}

func TestClaimByBusyWorkerIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "n1")
	env.submit(t, "n2")

	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)

	_, err = env.c.Claim(env.workerID)
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrForbidden, swarmtypes.KindOf(err))
}

func TestRegisterWorkerWithDifferentKeyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	otherKey, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	sig := cryptosig.Sign(cryptosig.RegisterMessage(env.workerID), otherKey)
	_, err = env.c.RegisterWorker(swarmtypes.RegisterRequest{WorkerID: env.workerID, Signature: hex.EncodeToString(sig)})
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrUnauthorized, swarmtypes.KindOf(err))
}

func TestSealCurrentEpochRotatesAndSettles(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "n1")
	_, err := env.c.Claim(env.workerID)
	require.NoError(t, err)
	require.NoError(t, env.complete(t, resp.JobID, "cid:result"))

	req, err := env.c.SealCurrentEpoch()
	require.NoError(t, err)
	require.Equal(t, "epoch-001", req.EpochID)
	require.Equal(t, 1, req.JobsCount)
	require.Equal(t, mustAmt(t, "0.10"), req.TotalRevenue)
	require.Len(t, req.Settlements, 1)
	require.Equal(t, env.workerID, req.Settlements[0].Worker)
	require.NotEmpty(t, req.MerkleRoot)

	require.Len(t, env.ledger.sealed, 1)
	require.Equal(t, "epoch-002", env.c.CurrentEpoch().ID)

	// Jobs submitted after rotation carry the new epoch's id.
	resp2 := env.submit(t, "n2")
	require.Equal(t, "epoch-002", resp2.EpochID)
	require.Equal(t, "job-002-0001", resp2.JobID)
}

func TestSealEmptyEpochSucceedsWithZeroSettlements(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.c.SealCurrentEpoch()
	require.NoError(t, err)
	require.Zero(t, req.JobsCount)
	require.Empty(t, req.Settlements)
	require.NotEmpty(t, req.MerkleRoot, "empty epoch still commits the empty-input root")
}

func TestControllerResumesEpochAcrossRestart(t *testing.T) {
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts := Options{PricePerJob: mustAmt(t, "0.10"), FeeSplit: config.DefaultFeeSplit(), Timeouts: config.DefaultTimeouts()}
	c1, err := NewController(db, newFakeLedger(), opts)
	require.NoError(t, err)
	_, _, err = c1.RotateEpoch()
	require.NoError(t, err)
	require.Equal(t, "epoch-002", c1.CurrentEpoch().ID)

	c2, err := NewController(db, newFakeLedger(), opts)
	require.NoError(t, err)
	require.Equal(t, "epoch-002", c2.CurrentEpoch().ID, "current epoch survives restart")
}
