// swarmos-ledger is the Settlement Ledger: the single source of truth
// for account balances, the append-only transaction log, and the sealed
// epoch archive.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/swarmos/swarmos/internal/cas"
	"github.com/swarmos/swarmos/internal/config"
	"github.com/swarmos/swarmos/internal/httpapi"
	"github.com/swarmos/swarmos/internal/metrics"
	"github.com/swarmos/swarmos/internal/settlement"
	"github.com/swarmos/swarmos/internal/storage"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "ledger")

func main() {
	app := &cli.App{
		Name:  "swarmos-ledger",
		Usage: "SwarmOS settlement ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.StringFlag{Name: "listen", Value: ":8546", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "datadir", Value: "ledger-data", Usage: "leveldb data directory"},
			&cli.StringFlag{Name: "cas-dir", Value: "ledger-cas", Usage: "local CAS directory for epoch bundles"},
			&cli.StringFlag{Name: "metrics", Usage: "metrics listen address (empty disables)"},
			&cli.StringFlag{Name: "jwt-key", Usage: "shared HMAC key authenticating the controller"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("ledger exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadLedgerConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("listen") || cfg.ListenAddr == "" {
		cfg.ListenAddr = ctx.String("listen")
	}
	if ctx.IsSet("datadir") || cfg.DataDir == "" {
		cfg.DataDir = ctx.String("datadir")
	}
	if ctx.IsSet("cas-dir") || cfg.CASDir == "" {
		cfg.CASDir = ctx.String("cas-dir")
	}
	if ctx.IsSet("metrics") {
		cfg.MetricsAddr = ctx.String("metrics")
	}
	if ctx.IsSet("jwt-key") {
		cfg.JWTSigningKey = ctx.String("jwt-key")
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	ledger := settlement.New(db)

	bundles, err := cas.NewLocalStore(cfg.CASDir)
	if err != nil {
		return err
	}

	met := metrics.NewLedger()
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

	var authKey []byte
	if cfg.JWTSigningKey != "" {
		authKey = []byte(cfg.JWTSigningKey)
	}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.WithCORS(httpapi.NewLedgerAPI(ledger, met, bundles, authKey)),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("ledger listening", "addr", cfg.ListenAddr)
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
