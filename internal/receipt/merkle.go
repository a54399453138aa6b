// Package receipt implements canonical leaf hashing, binary Merkle tree
// construction over a sorted job set, inclusion-proof generation and
// verification, and the on-wire Receipt format. It is pure and
// stateless — safe to call concurrently from the Controller's epoch
// sealer, the Ledger, and any auditor — with no dependency on either
// service's runtime state.
package receipt

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/swarmos/swarmos/internal/canonjson"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// LeafJob is the minimal, hashable projection of a completed Job that
// goes into the Merkle tree: every field that is a permanent input to the
// receipt: a completed job's fee and result_ref are permanent inputs to
// the receipt.
type LeafJob struct {
	JobID         string           `json:"job_id"`
	EpochID       string           `json:"epoch_id"`
	Client        string           `json:"client"`
	Worker        string           `json:"worker"`
	Kind          string           `json:"kind"`
	Fee           swarmtypes.Amount `json:"fee"`
	ResultRef     string           `json:"result_ref"`
	PoEHash       string           `json:"poe_hash"`
	SubmittedUnix int64            `json:"submitted_unix"`
	StartedUnix   int64            `json:"started_unix"`
	CompletedUnix int64            `json:"completed_unix"`
}

// FromJob projects a completed swarmtypes.Job into its leaf form.
func FromJob(j swarmtypes.Job) LeafJob {
	return LeafJob{
		JobID:         j.ID,
		EpochID:       j.EpochID,
		Client:        j.Client,
		Worker:        j.Worker,
		Kind:          j.Kind,
		Fee:           j.Fee,
		ResultRef:     j.ResultRef,
		PoEHash:       j.PoEHash,
		SubmittedUnix: j.SubmittedUnix,
		StartedUnix:   j.StartedUnix,
		CompletedUnix: j.CompletedUnix,
	}
}

// LeafHash computes SHA-256(canonical_json(job)).
func LeafHash(job LeafJob) ([32]byte, error) {
	canon, err := canonjson.Marshal(job)
	if err != nil {
		return [32]byte{}, fmt.Errorf("receipt: canonicalize leaf: %w", err)
	}
	return sha256.Sum256(canon), nil
}

// EmptyRoot is the root of the zero-job tree: SHA-256 of an empty input.
func EmptyRoot() [32]byte {
	return sha256.Sum256(nil)
}

// Side tells a proof verifier which side of the running hash the sibling
// occupies.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

// ParseSide converts the wire string form back to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "left":
		return SideLeft, nil
	case "right":
		return SideRight, nil
	default:
		return 0, fmt.Errorf("receipt: invalid proof side %q", s)
	}
}

// ProofStep is one inclusion-proof entry.
type ProofStep struct {
	Sibling [32]byte
	Side    Side
}

// Tree is a fully-materialized binary Merkle tree: every level is kept so
// proofs can be produced for any leaf in O(log n) without recomputation.
type Tree struct {
	jobIDs []string   // sorted job ids, index i corresponds to levels[0][i]
	levels [][][32]byte
}

// Build constructs the tree over jobs, sorted by JobID lexicographically
// so the result is deterministic regardless of insertion order. An
// empty job set yields a one-level tree whose root is EmptyRoot().
func Build(jobs []LeafJob) (*Tree, error) {
	sorted := make([]LeafJob, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].JobID < sorted[j].JobID })

	if len(sorted) == 0 {
		return &Tree{levels: [][][32]byte{{EmptyRoot()}}}, nil
	}

	jobIDs := make([]string, len(sorted))
	leaves := make([][32]byte, len(sorted))
	for i, j := range sorted {
		h, err := LeafHash(j)
		if err != nil {
			return nil, err
		}
		jobIDs[i] = j.JobID
		leaves[i] = h
	}

	levels := [][][32]byte{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			} // odd level: duplicate the last node
			next = append(next, parentHash(left, right))
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{jobIDs: jobIDs, levels: levels}, nil
}

func parentHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// Root returns the tree's top-level hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the inclusion proof for jobID, walking bottom-up. The
// proof for a single-leaf tree is the empty slice: verification reduces
// to leaf_hash == root.
func (t *Tree) Proof(jobID string) ([]ProofStep, error) {
	idx := -1
	for i, id := range t.jobIDs {
		if id == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("receipt: job %q not in tree", jobID)
	}

	var proof []ProofStep
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		isRight := idx%2 == 1
		var siblingIdx int
		var side Side
		if isRight {
			siblingIdx = idx - 1
			side = SideLeft
		} else {
			siblingIdx = idx + 1
			side = SideRight
			if siblingIdx >= len(nodes) {
				siblingIdx = idx // odd level: sibling is the duplicated self
			}
		}
		proof = append(proof, ProofStep{Sibling: nodes[siblingIdx], Side: side})
		idx /= 2
	}
	return proof, nil
}

// Verify folds leaf through proof and reports whether the result equals
// expectedRoot. A single altered byte anywhere in leaf, any proof
// element, the root, or a position bit must flip the result — this is a
// pure function of its inputs, so that property holds by construction.
func Verify(leaf [32]byte, proof []ProofStep, expectedRoot [32]byte) bool {
	current := leaf
	for _, step := range proof {
		buf := make([]byte, 0, 64)
		if step.Side == SideLeft {
			buf = append(buf, step.Sibling[:]...)
			buf = append(buf, current[:]...)
		} else {
			buf = append(buf, current[:]...)
			buf = append(buf, step.Sibling[:]...)
		}
		current = sha256.Sum256(buf)
	}
	return bytes.Equal(current[:], expectedRoot[:])
}
