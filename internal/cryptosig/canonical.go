package cryptosig

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Canonical message builders. These are the fixed, newline-separated
// strings that get personal-sign hashed and verified; changing a single
// byte here breaks signature verification for every deployed client, so
// the formats are frozen.

// SubmitMessage is the canonical job-submit message a client signs.
func SubmitMessage(kind, client, inputRef string, timestamp int64, nonce string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Job Request\nType: %s\nClient: %s\nInput: %s\nTimestamp: %d\nNonce: %s",
		kind, client, inputRef, timestamp, nonce))
}

// SealMessage is the canonical epoch-seal message the sealer signs.
// hexRoot is the lowercase unprefixed Merkle root; distributed is the
// 2-decimal USD total paid out; sealedISO is an RFC3339 UTC timestamp.
func SealMessage(epochID, hexRoot string, jobs int, distributed, sealedISO string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Epoch Seal\nEpoch: %s\nMerkle Root: %s\nJobs: %d\nDistributed: %s\nSealed: %s",
		epochID, hexRoot, jobs, distributed, sealedISO))
}

// CompleteMessage is the canonical message a worker signs when reporting
// a finished job, binding the result reference and PoE hash it submits.
func CompleteMessage(jobID, resultRef, poeHash string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Job Complete\nJob: %s\nResult: %s\nPoE: %s", jobID, resultRef, poeHash))
}

// FailMessage is the canonical message a worker signs when reporting an
// explicit job failure.
func FailMessage(jobID, reason string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Job Fail\nJob: %s\nReason: %s", jobID, reason))
}

// RegisterMessage is the canonical message a worker signs at
// registration, binding its identity to the recovered address.
func RegisterMessage(workerID string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Worker Register\nWorker: %s", workerID))
}

// WithdrawMessage is the canonical message an account holder signs on a
// withdrawal request.
func WithdrawMessage(account, amount, destination string) []byte {
	return []byte(fmt.Sprintf("SwarmOS Withdrawal\nAccount: %s\nAmount: %s\nDestination: %s", account, amount, destination))
}

// PoEHash computes the proof-of-execution digest tying a worker to a
// specific output: SHA-256(job_id || result_ref || worker identity),
// hex-encoded lowercase.
func PoEHash(jobID, resultRef, workerID string) string {
	sum := sha256.Sum256([]byte(jobID + resultRef + workerID))
	return hex.EncodeToString(sum[:])
}

// HexToPrivateKey parses a hex-encoded private key scalar, the form key
// files and flags carry.
func HexToPrivateKey(s string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptosig: invalid key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("cryptosig: key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv.ToECDSA(), nil
}
