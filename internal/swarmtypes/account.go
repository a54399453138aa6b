package swarmtypes

// AccountKind distinguishes the three account roles.
type AccountKind string

const (
	AccountClient   AccountKind = "client"
	AccountWorker   AccountKind = "worker"
	AccountTreasury AccountKind = "treasury"
)

// Account is the Ledger's balance record for one identity.
// Invariant: Balance >= Reserved at rest.
type Account struct {
	ID       string      `json:"id"`
	Kind     AccountKind `json:"kind"`
	Balance  Amount      `json:"balance"`
	Reserved Amount      `json:"reserved"` // client only
	Pending  Amount      `json:"pending"`  // worker only
	TotalIn  Amount      `json:"total_in"`
	TotalOut Amount      `json:"total_out"`
}

// Available is the spendable balance: balance minus any client
// reservation. Workers have no reservations, so Available == Balance for
// them.
func (a Account) Available() Amount {
	return a.Balance - a.Reserved
}

// TransactionKind enumerates the append-only ledger entry types.
type TransactionKind string

const (
	TxDeposit    TransactionKind = "deposit"
	TxJobCharge  TransactionKind = "job-charge"
	TxJobRefund  TransactionKind = "job-refund"
	TxEarning    TransactionKind = "earning"
	TxWithdrawal TransactionKind = "withdrawal"
)

// Transaction is an immutable, append-only ledger entry.
type Transaction struct {
	ID           uint64          `json:"id"`
	Account      string          `json:"account"`
	Kind         TransactionKind `json:"kind"`
	Amount       Amount          `json:"amount"` // signed: negative for charges/withdrawals
	BalanceAfter Amount          `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	CreatedUnix  int64           `json:"created_unix"`
}

// Reservation records a reserve() call pending charge or refund.
type Reservation struct {
	Account  string `json:"account"`
	JobID    string `json:"job_id"`
	Amount   Amount `json:"amount"`
	Charged  bool   `json:"charged"`
	Refunded bool   `json:"refunded"`
}

// WithdrawalStatus tracks the external-settlement side of a withdrawal,
// from request through finalization.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalFinalized WithdrawalStatus = "finalized"
)

// Deposit is a confirmed external credit, recorded once and idempotent on
// ExternalRef.
type Deposit struct {
	ExternalRef string `json:"external_ref"`
	Account     string `json:"account"`
	Amount      Amount `json:"amount"`
	TxID        uint64 `json:"tx_id"`
}

// Withdrawal tracks a pending external debit from request through
// finalization.
type Withdrawal struct {
	ID          string           `json:"id"`
	Account     string           `json:"account"`
	Amount      Amount           `json:"amount"`
	Destination string           `json:"destination"`
	Status      WithdrawalStatus `json:"status"`
	ExternalTx  string           `json:"external_tx,omitempty"`
	TxID        uint64           `json:"tx_id,omitempty"`
}
