// swarmos-controller is the Dispatch Controller: it accepts client job
// submissions, hands jobs to workers, tracks lifecycle, and drives
// epoch rotation and sealing against the Settlement Ledger.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/swarmos/swarmos/internal/cas"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/countdown"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/dispatch"
	"github.com/swarmos/swarmos/internal/httpapi"
	"github.com/swarmos/swarmos/internal/metrics"
	"github.com/swarmos/swarmos/internal/rpcauth"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/wsnotify"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "controller")

func main() {
	app := &cli.App{
		Name:  "swarmos-controller",
		Usage: "SwarmOS dispatch controller",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.StringFlag{Name: "listen", Value: ":8545", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "ledger", Value: "http://127.0.0.1:8546", Usage: "settlement ledger base URL"},
			&cli.StringFlag{Name: "datadir", Value: "controller-data", Usage: "leveldb data directory"},
			&cli.StringFlag{Name: "metrics", Usage: "metrics listen address (empty disables)"},
			&cli.StringFlag{Name: "price", Usage: "price per job in USD, e.g. 0.10"},
			&cli.StringFlag{Name: "jwt-key", Usage: "shared HMAC key for ledger-bound bearer tokens"},
			&cli.StringFlag{Name: "seal-key", Usage: "hex secp256k1 key signing epoch-seal messages"},
			&cli.StringFlag{Name: "cas-dir", Value: "controller-cas", Usage: "local CAS directory for epoch bundles"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("controller exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadControllerConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("listen") || cfg.ListenAddr == "" {
		cfg.ListenAddr = ctx.String("listen")
	}
	if ctx.IsSet("ledger") || cfg.LedgerAddr == "" {
		cfg.LedgerAddr = ctx.String("ledger")
	}
	if ctx.IsSet("datadir") || cfg.DataDir == "" {
		cfg.DataDir = ctx.String("datadir")
	}
	if ctx.IsSet("metrics") {
		cfg.MetricsAddr = ctx.String("metrics")
	}
	if ctx.IsSet("price") {
		cfg.PricePerJob = ctx.String("price")
	}
	if ctx.IsSet("jwt-key") {
		cfg.JWTSigningKey = ctx.String("jwt-key")
	}

	price, err := swarmtypes.ParseAmount(cfg.PricePerJob)
	if err != nil {
		return fmt.Errorf("invalid price_per_job: %w", err)
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var minter *rpcauth.Minter
	if cfg.JWTSigningKey != "" {
		minter = rpcauth.NewMinter([]byte(cfg.JWTSigningKey), 30*time.Second)
	}
	ledger := dispatch.NewHTTPLedgerClient(cfg.LedgerAddr, minter)

	c, err := dispatch.NewController(db, ledger, dispatch.Options{
		PricePerJob:           price,
		FeeSplit:              cfg.FeeSplit,
		Timeouts:              cfg.Timeouts,
		ReadinessMinUptimeSec: cfg.ReadinessMinUptimeSec,
	})
	if err != nil {
		return err
	}

	if keyHex := ctx.String("seal-key"); keyHex != "" {
		key, err := cryptosig.HexToPrivateKey(keyHex)
		if err != nil {
			return err
		}
		c.SealKey = key
	}
	if dir := ctx.String("cas-dir"); dir != "" {
		store, err := cas.NewLocalStore(dir)
		if err != nil {
			return err
		}
		c.Bundles = store
	}

	hub := wsnotify.NewHub()
	c.Notifier = hub

	met := metrics.NewController()
	c.Metrics = met
	if cfg.MetricsAddr != "" {
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(met.Registry))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	// Background maintenance: heartbeat sweeping, claim-timeout reaping,
	// and replay-table eviction, each on its own countdown.
	sweeper, err := countdown.NewExpCountDown(cfg.Timeouts.HeartbeatSweepInterval, 0, 0)
	if err != nil {
		return err
	}
	sweeper.OnTimeoutFn = func(at time.Time, _ interface{}) error {
		c.SweepWorkers()
		return nil
	}
	sweeper.Reset(nil, 0, 0)
	defer sweeper.StopTimer()

	reaper, err := countdown.NewExpCountDown(cfg.Timeouts.ClaimTimeout/4, 0, 0)
	if err != nil {
		return err
	}
	reaper.OnTimeoutFn = func(at time.Time, _ interface{}) error {
		if reaped := c.ReapExpiredClaims(at.Unix()); len(reaped) > 0 {
			log.Warn("reaped expired claims", "jobs", len(reaped))
		}
		return nil
	}
	reaper.Reset(nil, 0, 0)
	defer reaper.StopTimer()

	evictor, err := countdown.NewExpCountDown(cfg.Timeouts.ReplayWindow, 0, 0)
	if err != nil {
		return err
	}
	evictor.OnTimeoutFn = func(time.Time, interface{}) error {
		c.EvictReplayCache()
		return nil
	}
	evictor.Reset(nil, 0, 0)
	defer evictor.StopTimer()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.WithCORS(httpapi.NewControllerAPI(c, hub)),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("controller listening", "addr", cfg.ListenAddr, "epoch", c.CurrentEpoch().ID)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case s := <-sigc:
		log.Info("shutting down", "signal", s.String())
		return srv.Close()
	}
}
