package receipt

import (
	"encoding/hex"
	"fmt"

	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// Timing carries the three UTC timestamps a receipt publishes:
// submitted_utc, started_utc, completed_utc.
type Timing struct {
	SubmittedUTC string `json:"submitted_utc"`
	StartedUTC   string `json:"started_utc"`
	CompletedUTC string `json:"completed_utc"`
}

// WireProofStep is the {hash, position} on-wire shape, lowercase
// unprefixed hex.
type WireProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Receipt is the on-wire receipt format: key order receipt_version,
// job_id, epoch_id, client, agent, job_type, price, currency, timing,
// leaf_hash, jobs_merkle_root, merkle_proof, epoch_signature_ref.
type Receipt struct {
	ReceiptVersion    int                `json:"receipt_version"`
	JobID             string             `json:"job_id"`
	EpochID           string             `json:"epoch_id"`
	Client            string             `json:"client"`
	Agent             string             `json:"agent"`
	JobType           string             `json:"job_type"`
	Price             swarmtypes.Amount  `json:"price"`
	Currency          string             `json:"currency"`
	Timing            Timing             `json:"timing"`
	LeafHash          string             `json:"leaf_hash"`
	JobsMerkleRoot     string            `json:"jobs_merkle_root"`
	MerkleProof       []WireProofStep    `json:"merkle_proof"`
	EpochSignatureRef string             `json:"epoch_signature_ref"`
}

const ReceiptVersion = 1

// BuildReceipt assembles the on-wire Receipt for one job's inclusion in a
// sealed epoch's Merkle tree.
func BuildReceipt(job swarmtypes.Job, tree *Tree, epochSignatureRef string) (*Receipt, error) {
	return BuildReceiptFromLeaf(FromJob(job), tree, epochSignatureRef)
}

// BuildReceiptFromLeaf is BuildReceipt for callers that hold only the
// archived leaf form, e.g. an epoch archive rebuilding receipts from a
// persisted bundle.
func BuildReceiptFromLeaf(leaf LeafJob, tree *Tree, epochSignatureRef string) (*Receipt, error) {
	lh, err := LeafHash(leaf)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Proof(leaf.JobID)
	if err != nil {
		return nil, err
	}

	wireProof := make([]WireProofStep, len(proof))
	for i, step := range proof {
		wireProof[i] = WireProofStep{
			Hash:     hex.EncodeToString(step.Sibling[:]),
			Position: step.Side.String(),
		}
	}

	root := tree.Root()
	return &Receipt{
		ReceiptVersion: ReceiptVersion,
		JobID:          leaf.JobID,
		EpochID:        leaf.EpochID,
		Client:         leaf.Client,
		Agent:          leaf.Worker,
		JobType:        leaf.Kind,
		Price:          leaf.Fee,
		Currency:       "USD",
		Timing: Timing{
			SubmittedUTC: unixToUTC(leaf.SubmittedUnix),
			StartedUTC:   unixToUTC(leaf.StartedUnix),
			CompletedUTC: unixToUTC(leaf.CompletedUnix),
		},
		LeafHash:          hex.EncodeToString(lh[:]),
		JobsMerkleRoot:    hex.EncodeToString(root[:]),
		MerkleProof:       wireProof,
		EpochSignatureRef: epochSignatureRef,
	}, nil
}

// VerifyReceipt re-derives the proof steps from their hex wire form and
// checks inclusion against the receipt's own claimed root. Serializing
// and deserializing a receipt must preserve the verification outcome.
func VerifyReceipt(r *Receipt) (bool, error) {
	leafBytes, err := hex.DecodeString(r.LeafHash)
	if err != nil || len(leafBytes) != 32 {
		return false, fmt.Errorf("receipt: invalid leaf_hash")
	}
	rootBytes, err := hex.DecodeString(r.JobsMerkleRoot)
	if err != nil || len(rootBytes) != 32 {
		return false, fmt.Errorf("receipt: invalid jobs_merkle_root")
	}

	var leaf, root [32]byte
	copy(leaf[:], leafBytes)
	copy(root[:], rootBytes)

	proof := make([]ProofStep, len(r.MerkleProof))
	for i, s := range r.MerkleProof {
		sb, err := hex.DecodeString(s.Hash)
		if err != nil || len(sb) != 32 {
			return false, fmt.Errorf("receipt: invalid proof hash at step %d", i)
		}
		side, err := ParseSide(s.Position)
		if err != nil {
			return false, err
		}
		var sib [32]byte
		copy(sib[:], sb)
		proof[i] = ProofStep{Sibling: sib, Side: side}
	}

	return Verify(leaf, proof, root), nil
}

func unixToUTC(sec int64) string {
	if sec == 0 {
		return ""
	}
	return formatRFC3339(sec)
}
