// Package worker implements the Worker Agent: it registers with the
// Dispatch Controller, heartbeats, claims jobs, invokes the external
// inference executor, and submits proof-of-execution with the result
// reference. The agent drives its own lifecycle:
//
//	unregistered -> registering -> idle <-> processing -> draining -> stopped
//
// Cancellation moves the agent to draining: no new claims, any in-flight
// job runs to completion, then the loops stop.
package worker

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"sync"
	"time"

	"github.com/swarmos/swarmos/internal/backoff"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "worker")

// State is the agent's lifecycle state.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateIdle         State = "idle"
	StateProcessing   State = "processing"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

// Executor is the external inference engine, a black box returning a
// result reference and its execution time. The context carries the
// per-kind timeout; an executor that overruns it must return ctx.Err().
type Executor interface {
	Execute(ctx context.Context, job swarmtypes.QueuedJob) (resultRef string, executionMS int64, err error)
}

// AgentConfig carries the agent's identity, hardware hints, timing, and
// per-kind inference timeouts.
type AgentConfig struct {
	WorkerID string
	GPUModel string
	VRAMGiB  int
	Endpoint string

	Timeouts     config.Timeouts
	KindTimeouts map[string]time.Duration // per job kind; zero means DefaultKindTimeout
}

// DefaultKindTimeout bounds inference for kinds with no explicit
// operator-configured timeout.
const DefaultKindTimeout = 5 * time.Minute

// heartbeatFailureLimit is how many consecutive heartbeat failures the
// agent tolerates before it drains.
const heartbeatFailureLimit = 3

// Agent is one worker process's driver.
type Agent struct {
	cfg    AgentConfig
	client ControllerClient
	exec   Executor
	key    *ecdsa.PrivateKey

	mu           sync.Mutex
	state        State
	currentJobID string

	// wake shortens the idle poll wait; the Controller's push channel
	// feeds it when subscribed.
	wake chan struct{}
}

// New builds an agent. key signs registration, completion, and failure
// messages; the Controller binds the agent's identity to its address on
// first registration.
func New(cfg AgentConfig, client ControllerClient, exec Executor, key *ecdsa.PrivateKey) *Agent {
	return &Agent{cfg: cfg, client: client, exec: exec, key: key, state: StateUnregistered, wake: make(chan struct{}, 1)}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) setJob(id string) {
	a.mu.Lock()
	a.currentJobID = id
	a.mu.Unlock()
}

func (a *Agent) job() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentJobID
}

// Wake nudges an idle agent to claim immediately.
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run registers, then drives the heartbeat and claim loops until ctx is
// cancelled and any in-flight job has finished.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateRegistering)
	if err := a.register(ctx); err != nil {
		a.setState(StateStopped)
		return err
	}
	a.setState(StateIdle)
	log.Info("registered", "worker", a.cfg.WorkerID, "gpu", a.cfg.GPUModel)

	hbCtx, stopHB := context.WithCancel(context.Background())
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		a.heartbeatLoop(hbCtx)
	}()

	a.claimLoop(ctx)

	// Final heartbeat advertises draining so the Controller stops
	// counting this worker as available, then the loop shuts down.
	a.setState(StateDraining)
	_ = a.client.Heartbeat(swarmtypes.HeartbeatRequest{
		Worker: a.cfg.WorkerID, Status: swarmtypes.WorkerDraining,
	})
	stopHB()
	hbDone.Wait()
	a.setState(StateStopped)
	log.Info("stopped", "worker", a.cfg.WorkerID)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	sig := cryptosig.Sign(cryptosig.RegisterMessage(a.cfg.WorkerID), a.key)
	req := swarmtypes.RegisterRequest{
		WorkerID: a.cfg.WorkerID,
		GPUModel: a.cfg.GPUModel,
		VRAMGiB:  a.cfg.VRAMGiB,
		Endpoint: a.cfg.Endpoint,
		Signature: hex.EncodeToString(sig),
	}

	bo := backoff.NewExponential(time.Second, 30*time.Second, time.Second)
	for {
		_, err := a.client.Register(req)
		if err == nil {
			return nil
		}
		if kind := swarmtypes.KindOf(err); kind == swarmtypes.ErrUnauthorized {
			return err // a key mismatch will never heal by retrying
		}
		log.Warn("registration failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextDuration()):
		}
	}
}

// heartbeatLoop reports liveness every heartbeat interval, backing off
// exponentially on failure. Three consecutive failures drain the agent:
// a controller that can't hear us will reap our job anyway, so carrying
// on only wastes GPU time.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	bo := backoff.NewExponential(a.cfg.Timeouts.HeartbeatInterval, 5*a.cfg.Timeouts.HeartbeatInterval, time.Second)
	failures := 0

	wait := a.cfg.Timeouts.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		status := swarmtypes.WorkerOnline
		switch a.State() {
		case StateProcessing:
			status = swarmtypes.WorkerBusy
		case StateDraining:
			status = swarmtypes.WorkerDraining
		}
		err := a.client.Heartbeat(swarmtypes.HeartbeatRequest{
			Worker: a.cfg.WorkerID, Status: status, CurrentJobID: a.job(),
		})
		if err != nil {
			failures++
			log.Warn("heartbeat failed", "attempt", failures, "err", err)
			if failures >= heartbeatFailureLimit {
				log.Error("heartbeat lost, draining", "worker", a.cfg.WorkerID)
				a.setState(StateDraining)
				return
			}
			wait = bo.NextDuration()
			continue
		}
		failures = 0
		bo.Reset()
		wait = a.cfg.Timeouts.HeartbeatInterval
	}
}

// claimLoop polls for work while idle, processing each claimed job to
// completion. It returns when ctx is cancelled or the agent drains.
func (a *Agent) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil || a.State() == StateDraining {
			return
		}

		job, err := a.client.Claim(a.cfg.WorkerID)
		if err != nil {
			log.Warn("claim failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.Timeouts.PollInterval):
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			case <-time.After(a.cfg.Timeouts.PollInterval):
			}
			continue
		}
		a.process(*job)
	}
}

func (a *Agent) kindTimeout(kind string) time.Duration {
	if d, ok := a.cfg.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return DefaultKindTimeout
}

// process runs one claimed job through the executor and reports the
// outcome. The execution context is detached from the run context:
// draining must let the in-flight job finish, only the per-kind timeout
// bounds it.
func (a *Agent) process(job swarmtypes.QueuedJob) {
	a.setState(StateProcessing)
	a.setJob(job.JobID)
	defer func() {
		a.setJob("")
		if a.State() == StateProcessing {
			a.setState(StateIdle)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.kindTimeout(job.Kind))
	defer cancel()

	resultRef, execMS, err := a.exec.Execute(ctx, job)
	if err != nil {
		log.Warn("inference failed", "job_id", job.JobID, "err", err)
		sig := cryptosig.Sign(cryptosig.FailMessage(job.JobID, err.Error()), a.key)
		if ferr := a.client.Fail(job.JobID, swarmtypes.FailRequest{
			Worker: a.cfg.WorkerID, Reason: err.Error(), Signature: hex.EncodeToString(sig),
		}); ferr != nil {
			log.Error("fail report lost, job will be reaped by claim timeout", "job_id", job.JobID, "err", ferr)
		}
		return
	}

	poe := cryptosig.PoEHash(job.JobID, resultRef, a.cfg.WorkerID)
	sig := cryptosig.Sign(cryptosig.CompleteMessage(job.JobID, resultRef, poe), a.key)
	if err := a.client.Complete(job.JobID, swarmtypes.CompleteRequest{
		Worker:      a.cfg.WorkerID,
		ResultRef:   resultRef,
		PoEHash:     poe,
		ExecutionMS: execMS,
		Signature:   hex.EncodeToString(sig),
	}); err != nil {
		log.Error("complete rejected", "job_id", job.JobID, "err", err)
		return
	}
	log.Info("job done", "job_id", job.JobID, "execution_ms", execMS)
}
