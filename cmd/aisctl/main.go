// aisctl drives the offline side of the AIS ledger: the processing
// pipeline, policy calibration, the end-to-end scenario evaluation,
// and run-store inspection.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"aisledger/internal/anomaly"
	"aisledger/internal/config"
	"aisledger/internal/evalreport"
	"aisledger/internal/ledger"
	"aisledger/internal/logging"
	"aisledger/internal/pipeline"
	"aisledger/internal/policy"
	"aisledger/internal/store"
)

var (
	configPath = flag.String("config", "configs/aisledger.yaml", "path to config file")
	scenario   = flag.String("scenario", "", "override experiments.scenario (S0..S3)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	switch cmd := flag.Arg(0); cmd {
	case "init":
		cmdInit()
	case "pipeline":
		cmdPipeline()
	case "train":
		cmdTrain()
	case "calibrate":
		cmdCalibrate()
	case "evaluate":
		cmdEvaluate()
	case "status":
		cmdStatus()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `aisctl - offline control utility for the AIS ledger

Usage: aisctl [options] <command>

Commands:
  init        Write a default config file
  pipeline    Run the processing pipeline for the configured scenario
  train       Fit the anomaly baseline on clean traffic
  calibrate   Calibrate the policy table and anomaly baseline from clean traffic
  evaluate    Replay all scenarios end to end and write the result tables
  status      Summarize the run store and ledger
  help        Show this help message

Options:
  -config <path>    Config file (default: configs/aisledger.yaml)
  -scenario <name>  Override the configured scenario (S0..S3)`)
}

func loadConfig() *config.Config {
	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	if *scenario != "" {
		cfg.Experiments.Scenario = *scenario
		cfg.Experiments.Enabled = *scenario != "S0"
		if err := cfg.Validate(); err != nil {
			fatal("%v", err)
		}
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	lcfg, err := logging.FromOptions(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fatal("%v", err)
	}
	log, err := logging.New(lcfg)
	if err != nil {
		fatal("setup logging: %v", err)
	}
	logging.SetDefault(log)
	return log
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdInit() {
	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fatal("%v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s (port %q)\n", *configPath, cfg.Project.Port)
	} else {
		fmt.Printf("Config already exists at %s\n", *configPath)
	}
}

func cmdPipeline() {
	cfg := loadConfig()
	log := setupLogging(cfg)

	p, err := pipeline.New(cfg, log)
	if err != nil {
		fatal("%v", err)
	}
	res, err := p.Run()
	if err != nil {
		fatal("pipeline: %v", err)
	}

	s, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer s.Close()
	if err := p.Persist(res, s); err != nil {
		fatal("%v", err)
	}
	if err := p.WriteArtifacts(res); err != nil {
		fatal("%v", err)
	}

	fmt.Printf("Scenario %s: %d windows, %d messages, artifacts in %s\n",
		res.Injection.Scenario, len(res.Windows), len(res.Messages), cfg.Project.ArtifactsDir)
}

func cmdTrain() {
	cfg := loadConfig()
	log := setupLogging(cfg)

	// The baseline is only meaningful on clean traffic.
	cfg.Experiments.Scenario = "S0"
	cfg.Experiments.Enabled = false

	p, err := pipeline.New(cfg, log)
	if err != nil {
		fatal("%v", err)
	}
	res, err := p.Run()
	if err != nil {
		fatal("pipeline: %v", err)
	}

	model, err := anomaly.Fit(res.Vectors, cfg.Anomaly.Threshold)
	if err != nil {
		fatal("fit baseline: %v", err)
	}
	if err := os.MkdirAll(cfg.Project.ArtifactsDir, 0o755); err != nil {
		fatal("%v", err)
	}
	modelPath := filepath.Join(cfg.Project.ArtifactsDir, "baseline.json")
	if err := model.Save(modelPath); err != nil {
		fatal("save baseline: %v", err)
	}

	fmt.Printf("Fitted baseline on %d clean windows (threshold %.1f)\n",
		model.FitCount, model.Threshold)
	fmt.Printf("  %s\n", modelPath)
}

func cmdCalibrate() {
	cfg := loadConfig()
	log := setupLogging(cfg)

	// Calibration always runs on clean traffic.
	cfg.Experiments.Scenario = "S0"
	cfg.Experiments.Enabled = false

	p, err := pipeline.New(cfg, log)
	if err != nil {
		fatal("%v", err)
	}
	res, err := p.Run()
	if err != nil {
		fatal("pipeline: %v", err)
	}

	table, err := policy.Calibrate(res.Vectors)
	if err != nil {
		fatal("calibrate: %v", err)
	}
	model, err := anomaly.Fit(res.Vectors, cfg.Anomaly.Threshold)
	if err != nil {
		fatal("fit baseline: %v", err)
	}

	if err := os.MkdirAll(cfg.Project.ArtifactsDir, 0o755); err != nil {
		fatal("%v", err)
	}
	tablePath := filepath.Join(cfg.Project.ArtifactsDir, "policy_table.yaml")
	if err := table.Save(tablePath); err != nil {
		fatal("save policy table: %v", err)
	}
	modelPath := filepath.Join(cfg.Project.ArtifactsDir, "baseline.json")
	if err := model.Save(modelPath); err != nil {
		fatal("save baseline: %v", err)
	}
	if err := p.WriteArtifacts(res); err != nil {
		fatal("%v", err)
	}

	fmt.Printf("Calibrated %d rules from %d clean windows\n", len(table.Rules), len(res.Vectors))
	fmt.Printf("  %s\n  %s\n", tablePath, modelPath)
}

func cmdEvaluate() {
	cfg := loadConfig()
	log := setupLogging(cfg)

	ev, err := evalreport.New(cfg, log)
	if err != nil {
		fatal("%v", err)
	}
	report, err := ev.Run()
	if err != nil {
		fatal("evaluate: %v", err)
	}

	fmt.Println("=== End-to-end evaluation ===")
	for _, name := range evalreport.Scenarios {
		sr := report.Scenarios[name]
		fmt.Printf("%s: fired=%.2f rejected=%d/%d backlog_max=%.0f dropped=%.0f\n",
			name, sr.Summary.PolicyFiredRatio, sr.Rejected,
			sr.Approved+sr.Rejected, sr.Summary.BacklogMax, sr.Summary.DroppedSum)
	}
	fmt.Printf("Tables written under %s\n", filepath.Join(cfg.Project.ResultsDir, "tables"))
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== AIS ledger status ===")
	fmt.Println()

	if _, err := os.Stat(cfg.Daemon.DBPath); os.IsNotExist(err) {
		fmt.Printf("Run store: not found at %s\n", cfg.Daemon.DBPath)
		return
	}
	s, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer s.Close()

	wins, err := s.GetWindows()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Windows:        %d\n", len(wins))
	if len(wins) > 0 {
		fmt.Printf("  First:        %s\n", wins[0].Start.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Last:         %s\n", wins[len(wins)-1].End.Format("2006-01-02 15:04:05"))
	}

	entries, err := s.GetLedgerEntries()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Ledger entries: %d\n", len(entries))
	if latest := len(entries); latest > 0 {
		e := entries[latest-1]
		fmt.Printf("  Latest:       window %d, hash %s...\n",
			e.WindowID, e.HexHash()[:16])
	}

	// The ledger holds approved windows only; rejections live in the
	// decisions table.
	verdicts, err := s.VerdictCounts()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Approved:       %d\n", verdicts[ledger.VerdictApproved])
	fmt.Printf("Rejected:       %d\n", verdicts[ledger.VerdictRejected])
}
