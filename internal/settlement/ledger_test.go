package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func mustAmount(t *testing.T, s string) swarmtypes.Amount {
	t.Helper()
	a, err := swarmtypes.ParseAmount(s)
	require.NoError(t, err)
	return a
}

func TestDepositCreditsBalanceAndIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	amt := mustAmount(t, "1.00")

	a1, err := l.Deposit("xyz.example", amt, "ext-ref-1")
	require.NoError(t, err)
	require.Equal(t, amt, a1.Balance)

	a2, err := l.Deposit("xyz.example", amt, "ext-ref-1")
	require.NoError(t, err)
	require.Equal(t, a1.Balance, a2.Balance, "repeat deposit on same external_ref must not double-credit")
}

func TestReserveFailsWhenInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deposit("xyz.example", mustAmount(t, "0.05"), "ext-1")
	require.NoError(t, err)

	_, err = l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-001-0001")
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrInsufficientFunds, swarmtypes.KindOf(err))
}

func TestReserveIsIdempotentOnJobID(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deposit("xyz.example", mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)

	r1, err := l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-001-0001")
	require.NoError(t, err)
	r2, err := l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-001-0001")
	require.NoError(t, err)
	require.Equal(t, r1, r2)

	bal, err := l.Balance("xyz.example")
	require.NoError(t, err)
	require.Equal(t, mustAmount(t, "0.10"), bal.Reserved, "second reserve call must not double-reserve")
}

// TestS1EndToEndJobLifecycle follows the worked scenario: a client with
// $1.00 submits one job, a worker completes it, and the ledger ends with
// balance 0.90, reserved 0, total_out 0.10.
func TestS1EndToEndJobLifecycle(t *testing.T) {
	l := newTestLedger(t)
	client := "xyz.example"
	worker := "w1"
	jobID := "job-001-0001"
	fee := mustAmount(t, "0.10")

	_, err := l.Deposit(client, mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)

	_, err = l.Reserve(client, fee, jobID)
	require.NoError(t, err)

	bal, err := l.Balance(client)
	require.NoError(t, err)
	require.Equal(t, mustAmount(t, "1.00"), bal.Balance)
	require.Equal(t, mustAmount(t, "0.10"), bal.Reserved)
	require.Equal(t, mustAmount(t, "0.90"), bal.Available)

	_, err = l.Charge(client, fee, jobID)
	require.NoError(t, err)

	bal, err = l.Balance(client)
	require.NoError(t, err)
	require.Equal(t, mustAmount(t, "0.90"), bal.Balance)
	require.Equal(t, swarmtypes.Amount(0), bal.Reserved)
	require.Equal(t, mustAmount(t, "0.10"), bal.TotalOut)

	workShare := swarmtypes.Micro(651) // 0.0651, truncates to $0.06
	_, err = l.Credit(worker, workShare.Truncate(), jobID, true)
	require.NoError(t, err)

	wbal, err := l.Balance(worker)
	require.NoError(t, err)
	require.Equal(t, mustAmount(t, "0.06"), wbal.Pending)
}

func TestChargeIsIdempotentOnJobID(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deposit("xyz.example", mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)
	_, err = l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)

	_, err = l.Charge("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	a2, err := l.Charge("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	require.Equal(t, mustAmount(t, "0.90"), a2.Balance, "repeated charge must not double-charge")
}

func TestRefundIsNoOpOnAvailable(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deposit("xyz.example", mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)

	before, err := l.Balance("xyz.example")
	require.NoError(t, err)

	_, err = l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	_, err = l.Refund("xyz.example", "job-1")
	require.NoError(t, err)

	after, err := l.Balance("xyz.example")
	require.NoError(t, err)
	require.Equal(t, before.Available, after.Available)
}

func TestRefundAfterChargeIsRejected(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deposit("xyz.example", mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)
	_, err = l.Reserve("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	_, err = l.Charge("xyz.example", mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)

	_, err = l.Refund("xyz.example", "job-1")
	require.Error(t, err)
	require.Equal(t, swarmtypes.ErrConflict, swarmtypes.KindOf(err))
}

// TestBalanceReconstructableFromLog: replaying an account's transaction
// deltas reproduces its live balance, and the final balance_after
// snapshot agrees.
func TestBalanceReconstructableFromLog(t *testing.T) {
	l := newTestLedger(t)
	client := "xyz.example"

	_, err := l.Deposit(client, mustAmount(t, "1.00"), "ext-1")
	require.NoError(t, err)
	_, err = l.Reserve(client, mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	_, err = l.Charge(client, mustAmount(t, "0.10"), "job-1")
	require.NoError(t, err)
	_, err = l.Deposit(client, mustAmount(t, "0.50"), "ext-2")
	require.NoError(t, err)

	txs, err := l.Transactions(client)
	require.NoError(t, err)
	require.Len(t, txs, 3) // deposit, charge, deposit; reserve moves no value

	var replayed swarmtypes.Amount
	for _, tx := range txs {
		replayed += tx.Amount
	}
	bal, err := l.Balance(client)
	require.NoError(t, err)
	require.Equal(t, bal.Balance, replayed)
	require.Equal(t, bal.Balance, txs[len(txs)-1].BalanceAfter)
}

func TestWithdrawRequestThenFinalize(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Credit("w1", mustAmount(t, "5.00"), "job-epoch-payout", false)
	require.NoError(t, err)

	w, err := l.WithdrawRequest("w1", mustAmount(t, "5.00"), "0xdest", "wd-1")
	require.NoError(t, err)
	require.Equal(t, swarmtypes.WithdrawalPending, w.Status)

	w2, err := l.WithdrawFinalize("wd-1", "ext-tx-hash")
	require.NoError(t, err)
	require.Equal(t, swarmtypes.WithdrawalFinalized, w2.Status)

	bal, err := l.Balance("w1")
	require.NoError(t, err)
	require.Equal(t, swarmtypes.Amount(0), bal.Balance)
	require.Equal(t, swarmtypes.Amount(0), bal.Reserved)

	w3, err := l.WithdrawFinalize("wd-1", "ext-tx-hash")
	require.NoError(t, err)
	require.Equal(t, w2, w3, "repeat finalize on the same withdrawal_id must be a no-op")
}
