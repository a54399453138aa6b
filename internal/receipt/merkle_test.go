package receipt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

func mustAmount(t *testing.T, s string) swarmtypes.Amount {
	t.Helper()
	a, err := swarmtypes.ParseAmount(s)
	require.NoError(t, err)
	return a
}

func threeJobs(t *testing.T) []LeafJob {
	fee := mustAmount(t, "0.10")
	return []LeafJob{
		{JobID: "job-001-0001", EpochID: "epoch-001", Client: "xyz.example", Worker: "w1", Kind: "spine-mri", Fee: fee, ResultRef: "cid:r1", PoEHash: "h1"},
		{JobID: "job-001-0002", EpochID: "epoch-001", Client: "xyz.example", Worker: "w2", Kind: "spine-mri", Fee: fee, ResultRef: "cid:r2", PoEHash: "h2"},
		{JobID: "job-001-0003", EpochID: "epoch-001", Client: "xyz.example", Worker: "w1", Kind: "spine-mri", Fee: fee, ResultRef: "cid:r3", PoEHash: "h3"},
	}
}

func TestEmptyEpochRootIsSHA256OfEmpty(t *testing.T) {
	tree, err := Build(nil)
	require.NoError(t, err)
	require.Equal(t, EmptyRoot(), tree.Root())
}

func TestSingleJobEpochProofIsEmpty(t *testing.T) {
	jobs := threeJobs(t)[:1]
	tree, err := Build(jobs)
	require.NoError(t, err)

	proof, err := tree.Proof(jobs[0].JobID)
	require.NoError(t, err)
	require.Empty(t, proof)

	leaf, err := LeafHash(jobs[0])
	require.NoError(t, err)
	require.Equal(t, leaf, tree.Root())
	require.True(t, Verify(leaf, proof, tree.Root()))
}

func TestTreeDeterministicRegardlessOfInsertionOrder(t *testing.T) {
	jobs := threeJobs(t)
	forward, err := Build(jobs)
	require.NoError(t, err)

	reversed := []LeafJob{jobs[2], jobs[0], jobs[1]}
	backward, err := Build(reversed)
	require.NoError(t, err)

	require.Equal(t, forward.Root(), backward.Root())
}

func TestOddLevelDuplicatesLastNode(t *testing.T) {
	// Three leaves -> level 1 has two nodes (pair, then duplicate-of-last)
	// -> level 2 is the root. Proof depth for index 2 (the duplicated
	// node) must still verify.
	jobs := threeJobs(t)
	tree, err := Build(jobs)
	require.NoError(t, err)

	for _, j := range jobs {
		leaf, err := LeafHash(j)
		require.NoError(t, err)
		proof, err := tree.Proof(j.JobID)
		require.NoError(t, err)
		require.Len(t, proof, 2, "job %s", j.JobID)
		require.True(t, Verify(leaf, proof, tree.Root()), "job %s", j.JobID)
	}
}

func TestVerifyFailsOnSingleByteTamper(t *testing.T) {
	jobs := threeJobs(t)
	tree, err := Build(jobs)
	require.NoError(t, err)

	leaf, err := LeafHash(jobs[1])
	require.NoError(t, err)
	proof, err := tree.Proof(jobs[1].JobID)
	require.NoError(t, err)
	root := tree.Root()
	require.True(t, Verify(leaf, proof, root))

	t.Run("tampered leaf", func(t *testing.T) {
		bad := leaf
		bad[0] ^= 0x01
		require.False(t, Verify(bad, proof, root))
	})

	t.Run("tampered proof element", func(t *testing.T) {
		bad := append([]ProofStep(nil), proof...)
		bad[0].Sibling[0] ^= 0x01
		require.False(t, Verify(leaf, bad, root))
	})

	t.Run("tampered root", func(t *testing.T) {
		bad := root
		bad[0] ^= 0x01
		require.False(t, Verify(leaf, proof, bad))
	})

	t.Run("flipped position bit", func(t *testing.T) {
		bad := append([]ProofStep(nil), proof...)
		if bad[0].Side == SideLeft {
			bad[0].Side = SideRight
		} else {
			bad[0].Side = SideLeft
		}
		require.False(t, Verify(leaf, bad, root))
	})
}

func TestReceiptRoundTripPreservesVerification(t *testing.T) {
	jobs := threeJobs(t)
	tree, err := Build(jobs)
	require.NoError(t, err)

	job := swarmtypes.Job{
		ID: jobs[1].JobID, EpochID: jobs[1].EpochID, Client: jobs[1].Client,
		Worker: jobs[1].Worker, Kind: jobs[1].Kind, Fee: jobs[1].Fee,
		ResultRef: jobs[1].ResultRef, PoEHash: jobs[1].PoEHash, Status: swarmtypes.JobCompleted,
	}
	r, err := BuildReceipt(job, tree, "epoch-001-sig")
	require.NoError(t, err)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var back Receipt
	require.NoError(t, json.Unmarshal(raw, &back))

	ok, err := VerifyReceipt(&back)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyReceiptRejectsTamperedRoot(t *testing.T) {
	jobs := threeJobs(t)
	tree, err := Build(jobs)
	require.NoError(t, err)
	job := swarmtypes.Job{
		ID: jobs[0].JobID, EpochID: jobs[0].EpochID, Client: jobs[0].Client,
		Worker: jobs[0].Worker, Kind: jobs[0].Kind, Fee: jobs[0].Fee,
		ResultRef: jobs[0].ResultRef, PoEHash: jobs[0].PoEHash, Status: swarmtypes.JobCompleted,
	}
	r, err := BuildReceipt(job, tree, "sig")
	require.NoError(t, err)

	r.JobsMerkleRoot = r.JobsMerkleRoot[:len(r.JobsMerkleRoot)-1] + "0"
	ok, _ := VerifyReceipt(r)
	require.False(t, ok)
}
