// aisledgerd is the online gating daemon. It watches a drop directory
// for AIS batch files, gates every traffic window against the
// calibrated policy and anomaly baseline, and commits signed verdicts
// to the hash-chained ledger. Metrics and health endpoints are served
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aisledger/internal/config"
	"aisledger/internal/daemon"
	"aisledger/internal/logging"
)

var (
	configPath = flag.String("config", "configs/aisledger.yaml", "path to config file")
	dropDir    = flag.String("drop-dir", "", "override daemon.drop_dir")
	listenAddr = flag.String("listen", "", "override daemon.listen_addr")
)

func main() {
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if *dropDir != "" {
		cfg.Daemon.DropDir = *dropDir
	}
	if *listenAddr != "" {
		cfg.Daemon.ListenAddr = *listenAddr
	}

	lcfg, err := logging.FromOptions(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: setup logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("daemon init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
