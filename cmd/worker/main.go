// swarmos-worker is the Worker Agent: it registers with the Dispatch
// Controller, heartbeats, claims jobs, runs the inference executor, and
// reports proof-of-execution. The bundled executor is a stub that
// copies the input reference; a real deployment points the agent at a
// GPU inference backend behind the same Executor interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/worker"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "worker-main")

// stubExecutor stands in for the external inference engine: it derives
// a result reference from the input and reports wall-clock time. It
// exists so a fleet can be exercised end-to-end without GPUs.
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, job swarmtypes.QueuedJob) (string, int64, error) {
	start := time.Now()
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	return "result:" + job.InputRef, time.Since(start).Milliseconds(), nil
}

func main() {
	app := &cli.App{
		Name:  "swarmos-worker",
		Usage: "SwarmOS worker agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.StringFlag{Name: "id", Usage: "worker identity"},
			&cli.StringFlag{Name: "controller", Value: "http://127.0.0.1:8545", Usage: "dispatch controller base URL"},
			&cli.StringFlag{Name: "key", Usage: "hex secp256k1 private key"},
			&cli.StringFlag{Name: "keyfile", Usage: "file holding the hex private key"},
			&cli.StringFlag{Name: "gpu", Usage: "GPU model hint"},
			&cli.IntFlag{Name: "vram", Usage: "VRAM in GiB"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("worker exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadWorkerConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("id") {
		cfg.WorkerID = ctx.String("id")
	}
	if ctx.IsSet("controller") || cfg.ControllerAddr == "" {
		cfg.ControllerAddr = ctx.String("controller")
	}
	if ctx.IsSet("gpu") {
		cfg.GPUModel = ctx.String("gpu")
	}
	if ctx.IsSet("vram") {
		cfg.VRAMGiB = ctx.Int("vram")
	}
	if cfg.WorkerID == "" {
		return fmt.Errorf("a worker identity is required (--id or config)")
	}

	keyHex := ctx.String("key")
	if path := ctx.String("keyfile"); keyHex == "" && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		keyHex = strings.TrimSpace(string(raw))
	}
	if keyHex == "" {
		return fmt.Errorf("a signing key is required (--key or --keyfile)")
	}
	key, err := cryptosig.HexToPrivateKey(keyHex)
	if err != nil {
		return err
	}

	client := worker.NewHTTPControllerClient(cfg.ControllerAddr)
	agent := worker.New(worker.AgentConfig{
		WorkerID: cfg.WorkerID,
		GPUModel: cfg.GPUModel,
		VRAMGiB:  cfg.VRAMGiB,
		Endpoint: cfg.Endpoint,
		Timeouts: cfg.Timeouts,
	}, client, stubExecutor{}, key)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Best-effort push subscription; polling continues regardless.
	if err := client.SubscribeJobs(runCtx, wakeChan(agent)); err != nil {
		log.Warn("push channel unavailable, polling only", "err", err)
	}

	log.Info("worker starting", "id", cfg.WorkerID, "controller", cfg.ControllerAddr,
		"address", string(cryptosig.AddressFromPrivateKey(key)))
	return agent.Run(runCtx)
}

// wakeChan adapts the agent's Wake method to the subscription's channel.
func wakeChan(agent *worker.Agent) chan<- struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		for range ch {
			agent.Wake()
		}
	}()
	return ch
}
