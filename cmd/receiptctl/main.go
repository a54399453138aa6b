// receiptctl is the auditor's tool: it rebuilds Merkle roots from an
// epoch's archived job set, produces inclusion proofs, verifies
// receipts offline, and generates keypairs for clients and workers.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/receipt"
)

func main() {
	app := &cli.App{
		Name:  "receiptctl",
		Usage: "inspect and verify SwarmOS receipts and epoch job sets",
		Commands: []*cli.Command{
			{
				Name:  "root",
				Usage: "compute the Merkle root of a jobs.json file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "jobs", Required: true, Usage: "path to jobs.json"},
				},
				Action: rootCmd,
			},
			{
				Name:  "prove",
				Usage: "produce the inclusion receipt for one job in a jobs.json file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "jobs", Required: true, Usage: "path to jobs.json"},
					&cli.StringFlag{Name: "job", Required: true, Usage: "job id to prove"},
					&cli.StringFlag{Name: "sig-ref", Usage: "epoch signature reference to embed"},
				},
				Action: proveCmd,
			},
			{
				Name:  "verify",
				Usage: "verify a receipt file offline",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "receipt", Required: true, Usage: "path to a receipt JSON file"},
				},
				Action: verifyCmd,
			},
			{
				Name:   "keygen",
				Usage:  "generate a secp256k1 keypair and print key hex and address",
				Action: keygenCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "receiptctl:", err)
		os.Exit(1)
	}
}

func loadJobs(path string) ([]receipt.LeafJob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []receipt.LeafJob
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return jobs, nil
}

func rootCmd(ctx *cli.Context) error {
	jobs, err := loadJobs(ctx.String("jobs"))
	if err != nil {
		return err
	}
	tree, err := receipt.Build(jobs)
	if err != nil {
		return err
	}
	root := tree.Root()
	fmt.Printf("jobs: %d\nmerkle_root: %s\n", len(jobs), hex.EncodeToString(root[:]))
	return nil
}

func proveCmd(ctx *cli.Context) error {
	jobs, err := loadJobs(ctx.String("jobs"))
	if err != nil {
		return err
	}
	tree, err := receipt.Build(jobs)
	if err != nil {
		return err
	}
	jobID := ctx.String("job")
	for _, leaf := range jobs {
		if leaf.JobID != jobID {
			continue
		}
		rcpt, err := receipt.BuildReceiptFromLeaf(leaf, tree, ctx.String("sig-ref"))
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rcpt, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	return fmt.Errorf("job %s not found in %s", jobID, ctx.String("jobs"))
}

func verifyCmd(ctx *cli.Context) error {
	raw, err := os.ReadFile(ctx.String("receipt"))
	if err != nil {
		return err
	}
	var rcpt receipt.Receipt
	if err := json.Unmarshal(raw, &rcpt); err != nil {
		return fmt.Errorf("parse receipt: %w", err)
	}
	ok, err := receipt.VerifyReceipt(&rcpt)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("INVALID")
		os.Exit(1)
	}
	fmt.Printf("VALID\njob: %s\nepoch: %s\nroot: %s\n", rcpt.JobID, rcpt.EpochID, rcpt.JobsMerkleRoot)
	return nil
}

func keygenCmd(*cli.Context) error {
	key, err := cryptosig.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Printf("private_key: %064x\naddress: %s\n", key.D, cryptosig.AddressFromPrivateKey(key))
	return nil
}
