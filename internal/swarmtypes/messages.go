package swarmtypes

// This file defines the closed request/response records for every
// SwarmOS RPC: one struct per message kind rather than a free-form map,
// with caller-supplied extras confined to an explicit meta field the
// core never interprets.

// SubmitRequest is the body of POST /jobs/submit.
type SubmitRequest struct {
	Client    string            `json:"client"`
	Kind      string            `json:"kind"`
	InputRef  string            `json:"input_ref"`
	Timestamp int64             `json:"timestamp"`
	Nonce     string            `json:"nonce"`
	Signature string            `json:"signature"` // hex, unprefixed
	Meta      map[string]string `json:"meta,omitempty"`
}

// SubmitResponse is the success body for POST /jobs/submit.
type SubmitResponse struct {
	JobID   string `json:"job_id"`
	EpochID string `json:"epoch_id"`
	Fee     Amount `json:"fee"`
}

// ClaimRequest is the body of POST /jobs/claim.
type ClaimRequest struct {
	Worker string `json:"worker"`
}

// ClaimResponse carries the claimed job, or a nil Job (omitted on the
// wire) when the queue had nothing to offer.
type ClaimResponse struct {
	Job *QueuedJob `json:"job,omitempty"`
}

// CompleteRequest is the body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	Worker      string `json:"worker"`
	ResultRef   string `json:"result_ref"`
	PoEHash     string `json:"poe_hash"`
	ExecutionMS int64  `json:"execution_ms"`
	Signature   string `json:"signature"`
}

// FailRequest reports an explicit worker-side failure.
type FailRequest struct {
	Worker    string `json:"worker"`
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

// AckResponse is the generic success acknowledgement for mutating calls
// whose only interesting outcome is "it happened" (complete, fail,
// heartbeat).
type AckResponse struct {
	OK bool `json:"ok"`
}

// RegisterRequest is the body of POST /workers/register.
type RegisterRequest struct {
	WorkerID  string `json:"worker_id"`
	GPUModel  string `json:"gpu_model,omitempty"`
	VRAMGiB   int    `json:"vram_gib,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Signature string `json:"signature"`
}

// HeartbeatRequest is the body of POST /workers/heartbeat.
type HeartbeatRequest struct {
	Worker        string       `json:"worker"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
}

// BalanceResponse is the body of GET /balances/{id}.
type BalanceResponse struct {
	Account   string `json:"account"`
	Balance   Amount `json:"balance"`
	Reserved  Amount `json:"reserved"`
	Pending   Amount `json:"pending"`
	Available Amount `json:"available"`
	TotalIn   Amount `json:"total_in"`
	TotalOut  Amount `json:"total_out"`
}

// DepositRequest is the body of an operator-facing deposit call.
type DepositRequest struct {
	Account     string `json:"account"`
	Amount      Amount `json:"amount"`
	ExternalRef string `json:"external_ref"`
}

// ReserveRequest/ChargeRequest/RefundRequest/CreditRequest back
// POST /balances/{id}/reserve|charge|credit and the internal refund call.
type ReserveRequest struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
	JobID   string `json:"job_id"`
}

type ChargeRequest struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
	JobID   string `json:"job_id"`
}

type RefundRequest struct {
	Account string `json:"account"`
	JobID   string `json:"job_id"`
}

type CreditRequest struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
	JobID   string `json:"job_id"`
	Pending bool   `json:"pending"`
}

// WithdrawRequestBody is the body of a withdraw_request call.
type WithdrawRequestBody struct {
	Account     string `json:"account"`
	Amount      Amount `json:"amount"`
	Destination string `json:"destination"`
	Signature   string `json:"signature"`
}

// WithdrawFinalizeBody is the body of a withdraw_finalize call.
type WithdrawFinalizeBody struct {
	WithdrawalID string `json:"withdrawal_id"`
	ExternalTx   string `json:"external_tx"`
}

// SealSettlement is one worker's payout line in a seal_epoch call.
type SealSettlement struct {
	Worker string `json:"worker"`
	Amount Amount `json:"amount"`
}

// SealEpochRequest is the body of POST /epochs/{id}/seal. CASHandle
// points at the persisted epoch bundle the sealer wrote before asking
// the Ledger to seal.
type SealEpochRequest struct {
	EpochID      string           `json:"epoch_id"`
	MerkleRoot   string           `json:"merkle_root"`
	JobsCount    int              `json:"jobs_count"`
	TotalRevenue Amount           `json:"total_revenue"`
	Settlements  []SealSettlement `json:"settlements"`
	Signature    string           `json:"signature"`
	CASHandle    string           `json:"cas_handle,omitempty"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	LeafHash     string        `json:"leaf_hash"`
	Proof        []ProofStep   `json:"proof"`
	ExpectedRoot string        `json:"expected_root"`
}

// ProofStep is one inclusion-proof entry on the wire.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" | "right"
}

// VerifyResponse is the body of POST /verify's response.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}
