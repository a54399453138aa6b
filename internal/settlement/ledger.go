// Package settlement implements the Settlement Ledger: the single source
// of truth for every account's balance and every value-changing event.
// All mutating operations are serialized behind a single lock and
// recorded against a durable, append-only transaction log, so every
// account's history is fully reconstructable and every operation's
// position in the global order is well defined.
package settlement

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "settlement")

// Ledger holds every account, transaction, deposit, withdrawal, and epoch
// record, backed by a storage.DB.
type Ledger struct {
	mu sync.Mutex
	db *storage.DB
}

// New builds a Ledger over an already-open store.
func New(db *storage.DB) *Ledger {
	return &Ledger{db: db}
}

func accountKey(id string) []byte     { return storage.KeyPrefix("account", id) }
func depositKey(ref string) []byte    { return storage.KeyPrefix("deposit", ref) }
func reservationKey(jobID string) []byte { return storage.KeyPrefix("reservation", jobID) }
func creditKey(account, jobID string) []byte {
	return storage.KeyPrefix("credit", account, jobID)
}
func withdrawalKey(id string) []byte { return storage.KeyPrefix("withdrawal", id) }
func txKey(seq uint64) []byte        { return storage.KeyPrefix("tx", fmt.Sprintf("%020d", seq)) }
func epochKey(id string) []byte      { return storage.KeyPrefix("epoch", id) }

const txSeqKey = "meta:tx_seq"

func (l *Ledger) nextTxSeq() (uint64, error) {
	var seq uint64
	err := l.db.GetJSON([]byte(txSeqKey), &seq)
	if err != nil && err != storage.ErrNotFound {
		return 0, err
	}
	seq++
	if err := l.db.PutJSON([]byte(txSeqKey), seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *Ledger) getAccount(id string) (swarmtypes.Account, bool, error) {
	var a swarmtypes.Account
	err := l.db.GetJSON(accountKey(id), &a)
	if err == storage.ErrNotFound {
		return swarmtypes.Account{}, false, nil
	}
	if err != nil {
		return swarmtypes.Account{}, false, err
	}
	return a, true, nil
}

func (l *Ledger) ensureAccount(id string, kind swarmtypes.AccountKind) (swarmtypes.Account, error) {
	a, ok, err := l.getAccount(id)
	if err != nil {
		return swarmtypes.Account{}, err
	}
	if ok {
		return a, nil
	}
	a = swarmtypes.Account{ID: id, Kind: kind}
	return a, l.db.PutJSON(accountKey(id), a)
}

func (l *Ledger) putAccount(a swarmtypes.Account) error {
	return l.db.PutJSON(accountKey(a.ID), a)
}

// appendTx writes a new transaction row carrying the given balance_after
// snapshot; it does not touch the account record. Caller already holds
// l.mu.
func (l *Ledger) appendTx(account string, kind swarmtypes.TransactionKind, amount, balanceAfter swarmtypes.Amount, reference string) error {
	seq, err := l.nextTxSeq()
	if err != nil {
		return err
	}
	tx := swarmtypes.Transaction{
		ID: seq, Account: account, Kind: kind, Amount: amount,
		BalanceAfter: balanceAfter, Reference: reference,
		CreatedUnix: time.Now().Unix(),
	}
	return l.db.PutJSON(txKey(seq), tx)
}

// Balance returns a read snapshot of account, which may not yet exist:
// a fresh zero-value account is returned, since accounts are created on
// first deposit or first earning and reads never create.
func (l *Ledger) Balance(account string) (swarmtypes.BalanceResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, _, err := l.getAccount(account)
	if err != nil {
		return swarmtypes.BalanceResponse{}, err
	}
	return swarmtypes.BalanceResponse{
		Account: a.ID, Balance: a.Balance, Reserved: a.Reserved,
		Pending: a.Pending, Available: a.Available(), TotalIn: a.TotalIn, TotalOut: a.TotalOut,
	}, nil
}

// Deposit credits account's balance and appends a transaction, idempotent
// on externalRef: a repeat call with a seen ref is a no-op returning the
// original result.
func (l *Ledger) Deposit(account string, amount swarmtypes.Amount, externalRef string) (swarmtypes.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing swarmtypes.Deposit
	err := l.db.GetJSON(depositKey(externalRef), &existing)
	if err == nil {
		a, _, gerr := l.getAccount(existing.Account)
		return a, gerr
	}
	if err != storage.ErrNotFound {
		return swarmtypes.Account{}, err
	}

	a, err := l.ensureAccount(account, swarmtypes.AccountClient)
	if err != nil {
		return swarmtypes.Account{}, err
	}
	a.Balance += amount
	a.TotalIn += amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Account{}, err
	}

	seq, err := l.nextTxSeq()
	if err != nil {
		return swarmtypes.Account{}, err
	}
	tx := swarmtypes.Transaction{ID: seq, Account: account, Kind: swarmtypes.TxDeposit, Amount: amount, BalanceAfter: a.Balance, Reference: externalRef, CreatedUnix: time.Now().Unix()}
	if err := l.db.PutJSON(txKey(seq), tx); err != nil {
		return swarmtypes.Account{}, err
	}
	dep := swarmtypes.Deposit{ExternalRef: externalRef, Account: account, Amount: amount, TxID: seq}
	if err := l.db.PutJSON(depositKey(externalRef), dep); err != nil {
		return swarmtypes.Account{}, err
	}
	log.Debug("deposit", "account", account, "amount", amount.String(), "external_ref", externalRef)
	return a, nil
}

// Reserve holds amount against account's available balance for jobID,
// idempotent on (account, jobID): a repeat returns the existing
// reservation record.
func (l *Ledger) Reserve(account string, amount swarmtypes.Amount, jobID string) (swarmtypes.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing swarmtypes.Reservation
	err := l.db.GetJSON(reservationKey(jobID), &existing)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return swarmtypes.Reservation{}, err
	}

	a, ok, err := l.getAccount(account)
	if err != nil {
		return swarmtypes.Reservation{}, err
	}
	if !ok || a.Available() < amount {
		return swarmtypes.Reservation{}, swarmtypes.NewError(swarmtypes.ErrInsufficientFunds,
			"account %s: available < %s", account, amount)
	}

	a.Reserved += amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Reservation{}, err
	}
	r := swarmtypes.Reservation{Account: account, JobID: jobID, Amount: amount}
	if err := l.db.PutJSON(reservationKey(jobID), r); err != nil {
		return swarmtypes.Reservation{}, err
	}
	return r, nil
}

// Charge converts a reservation into a completed outflow, idempotent on
// jobID: charging an already-charged reservation returns the account
// unchanged. Fails with precondition_failed when no reservation exists and
// with conflict when it was already refunded.
func (l *Ledger) Charge(account string, amount swarmtypes.Amount, jobID string) (swarmtypes.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var r swarmtypes.Reservation
	if err := l.db.GetJSON(reservationKey(jobID), &r); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrPreconditionFailed, "no reservation for job %s", jobID)
		}
		return swarmtypes.Account{}, err
	}
	if r.Charged {
		a, _, err := l.getAccount(account)
		return a, err
	}
	if r.Refunded {
		return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrConflict, "job %s already refunded", jobID)
	}

	a, ok, err := l.getAccount(account)
	if err != nil {
		return swarmtypes.Account{}, err
	}
	if !ok {
		return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "account %s", account)
	}
	a.Reserved -= amount
	a.Balance -= amount
	a.TotalOut += amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Account{}, err
	}
	if err := l.appendTx(account, swarmtypes.TxJobCharge, -amount, a.Balance, jobID); err != nil {
		return swarmtypes.Account{}, err
	}

	r.Charged = true
	if err := l.db.PutJSON(reservationKey(jobID), r); err != nil {
		return swarmtypes.Account{}, err
	}
	log.Debug("charge", "account", account, "amount", amount.String(), "job_id", jobID)
	return a, nil
}

// Refund releases a reservation without charging it, idempotent on
// jobID. Fails unless the reservation exists and has not been charged.
func (l *Ledger) Refund(account string, jobID string) (swarmtypes.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var r swarmtypes.Reservation
	if err := l.db.GetJSON(reservationKey(jobID), &r); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrPreconditionFailed, "no reservation for job %s", jobID)
		}
		return swarmtypes.Account{}, err
	}
	if r.Refunded {
		a, _, err := l.getAccount(account)
		return a, err
	}
	if r.Charged {
		return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrConflict, "job %s already charged", jobID)
	}

	a, ok, err := l.getAccount(account)
	if err != nil {
		return swarmtypes.Account{}, err
	}
	if !ok {
		return swarmtypes.Account{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "account %s", account)
	}
	a.Reserved -= r.Amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Account{}, err
	}

	r.Refunded = true
	if err := l.db.PutJSON(reservationKey(jobID), r); err != nil {
		return swarmtypes.Account{}, err
	}
	log.Debug("refund", "account", account, "job_id", jobID)
	return a, nil
}

// Credit adds amount to account's earnings for jobID, idempotent on
// (account, jobID). If pending, the amount lands in Pending (held until
// epoch seal); otherwise it lands directly in Balance.
func (l *Ledger) Credit(account string, amount swarmtypes.Amount, jobID string, pending bool) (swarmtypes.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var already bool
	err := l.db.GetJSON(creditKey(account, jobID), &already)
	if err == nil {
		a, _, gerr := l.getAccount(account)
		return a, gerr
	}
	if err != storage.ErrNotFound {
		return swarmtypes.Account{}, err
	}

	a, err := l.ensureAccount(account, swarmtypes.AccountWorker)
	if err != nil {
		return swarmtypes.Account{}, err
	}
	if pending {
		a.Pending += amount
		if err := l.putAccount(a); err != nil {
			return swarmtypes.Account{}, err
		}
	} else {
		a.Balance += amount
		a.TotalIn += amount
		if err := l.putAccount(a); err != nil {
			return swarmtypes.Account{}, err
		}
		if err := l.appendTx(account, swarmtypes.TxEarning, amount, a.Balance, jobID); err != nil {
			return swarmtypes.Account{}, err
		}
	}
	if err := l.db.PutJSON(creditKey(account, jobID), true); err != nil {
		return swarmtypes.Account{}, err
	}
	return a, nil
}

// WithdrawRequest reserves amount against account's available balance and
// records a pending withdrawal under the caller-supplied withdrawalID. A
// repeated withdrawalID returns the existing record unchanged. Fails with
// insufficient_funds if available < amount.
func (l *Ledger) WithdrawRequest(account string, amount swarmtypes.Amount, destination, withdrawalID string) (swarmtypes.Withdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing swarmtypes.Withdrawal
	if err := l.db.GetJSON(withdrawalKey(withdrawalID), &existing); err == nil {
		return existing, nil
	} else if err != storage.ErrNotFound {
		return swarmtypes.Withdrawal{}, err
	}

	a, ok, err := l.getAccount(account)
	if err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	if !ok || a.Available() < amount {
		return swarmtypes.Withdrawal{}, swarmtypes.NewError(swarmtypes.ErrInsufficientFunds,
			"account %s: available < %s", account, amount)
	}
	a.Reserved += amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Withdrawal{}, err
	}

	w := swarmtypes.Withdrawal{ID: withdrawalID, Account: account, Amount: amount, Destination: destination, Status: swarmtypes.WithdrawalPending}
	if err := l.db.PutJSON(withdrawalKey(withdrawalID), w); err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	return w, nil
}

// WithdrawFinalize moves a pending withdrawal's reservation into a
// recorded outflow, idempotent on withdrawalID.
func (l *Ledger) WithdrawFinalize(withdrawalID, externalTx string) (swarmtypes.Withdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var w swarmtypes.Withdrawal
	if err := l.db.GetJSON(withdrawalKey(withdrawalID), &w); err != nil {
		if err == storage.ErrNotFound {
			return swarmtypes.Withdrawal{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "withdrawal %s", withdrawalID)
		}
		return swarmtypes.Withdrawal{}, err
	}
	if w.Status == swarmtypes.WithdrawalFinalized {
		return w, nil
	}

	a, ok, err := l.getAccount(w.Account)
	if err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	if !ok {
		return swarmtypes.Withdrawal{}, swarmtypes.NewError(swarmtypes.ErrNotFound, "account %s", w.Account)
	}
	a.Reserved -= w.Amount
	a.Balance -= w.Amount
	a.TotalOut += w.Amount
	if err := l.putAccount(a); err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	seq, err := l.nextTxSeq()
	if err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	tx := swarmtypes.Transaction{ID: seq, Account: w.Account, Kind: swarmtypes.TxWithdrawal, Amount: -w.Amount, BalanceAfter: a.Balance, Reference: withdrawalID, CreatedUnix: time.Now().Unix()}
	if err := l.db.PutJSON(txKey(seq), tx); err != nil {
		return swarmtypes.Withdrawal{}, err
	}

	w.Status = swarmtypes.WithdrawalFinalized
	w.ExternalTx = externalTx
	w.TxID = seq
	if err := l.db.PutJSON(withdrawalKey(withdrawalID), w); err != nil {
		return swarmtypes.Withdrawal{}, err
	}
	return w, nil
}

// Transactions returns account's entries from the global log in id
// order. An account's balance is fully reconstructable from this slice:
// the last entry's BalanceAfter equals the live balance.
func (l *Ledger) Transactions(account string) ([]swarmtypes.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it := l.db.NewIteratorWithPrefix(storage.KeyPrefix("tx", ""))
	defer it.Release()

	var out []swarmtypes.Transaction
	for it.Next() {
		var tx swarmtypes.Transaction
		if err := json.Unmarshal(it.Value(), &tx); err != nil {
			return nil, fmt.Errorf("settlement: corrupt transaction at %s: %w", it.Key(), err)
		}
		if tx.Account == account {
			out = append(out, tx)
		}
	}
	return out, it.Error()
}

// Epoch returns the stored epoch record, if any.
func (l *Ledger) Epoch(id string) (swarmtypes.Epoch, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var e swarmtypes.Epoch
	err := l.db.GetJSON(epochKey(id), &e)
	if err == storage.ErrNotFound {
		return swarmtypes.Epoch{}, false, nil
	}
	return e, err == nil, err
}

func (l *Ledger) putEpoch(e swarmtypes.Epoch) error {
	return l.db.PutJSON(epochKey(e.ID), e)
}
