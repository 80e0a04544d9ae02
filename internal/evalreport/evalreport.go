// Package evalreport runs the end-to-end evaluation: the clean S0 run
// calibrates the policy table and the anomaly baseline, then every
// scenario is replayed through the gate and the consensus load
// simulator. Per-scenario simulation tables, the cross-scenario
// summary, and a signed decision ledger are written under the results
// directory.
package evalreport

import (
	"crypto/ed25519"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"aisledger/internal/anomaly"
	"aisledger/internal/config"
	"aisledger/internal/consensus"
	"aisledger/internal/gate"
	"aisledger/internal/inject"
	"aisledger/internal/ledger"
	"aisledger/internal/logging"
	"aisledger/internal/pipeline"
	"aisledger/internal/policy"
	"aisledger/internal/signer"
	"aisledger/internal/window"
)

// Scenarios is the canonical replay order.
var Scenarios = []string{"S0", "S1", "S2", "S3"}

var ErrNoCleanRun = errors.New("evalreport: clean run produced no windows")

// ScenarioResult is everything one scenario replay produced.
type ScenarioResult struct {
	Scenario  string            `json:"scenario"`
	Injection inject.Report     `json:"injection"`
	Summary   consensus.Summary `json:"summary"`
	Rejected  int               `json:"rejected_windows"`
	Approved  int               `json:"approved_windows"`
	ChainLen  int               `json:"ledger_entries"`
	Decisions []policy.Decision `json:"-"`
	SimRows   []consensus.Row   `json:"-"`
	Entries   []*ledger.Entry   `json:"-"`
}

// Report is the full evaluation output.
type Report struct {
	Port      string                     `json:"port"`
	Seed      int64                      `json:"seed"`
	Scenarios map[string]*ScenarioResult `json:"scenarios"`
}

// Evaluator replays scenarios under one configuration.
type Evaluator struct {
	cfg  *config.Config
	log  *logging.Logger
	priv ed25519.PrivateKey
}

// New prepares an evaluator. When the configured authority key is
// missing it is generated.
func New(cfg *config.Config, log *logging.Logger) (*Evaluator, error) {
	if log == nil {
		log = logging.Default()
	}
	e := &Evaluator{cfg: cfg, log: log.WithComponent("eval")}

	keyPath := cfg.Ledger.KeyPath
	if keyPath != "" {
		priv, err := signer.LoadPrivateKey(keyPath)
		switch {
		case err == nil:
			e.priv = priv
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
				return nil, err
			}
			if _, err := signer.Generate(keyPath); err != nil {
				return nil, fmt.Errorf("generate authority key: %w", err)
			}
			if e.priv, err = signer.LoadPrivateKey(keyPath); err != nil {
				return nil, err
			}
			e.log.Info("authority key generated", "path", keyPath)
		default:
			return nil, fmt.Errorf("load authority key: %w", err)
		}
	}
	return e, nil
}

// Run executes the full evaluation and writes all result files.
func (e *Evaluator) Run() (*Report, error) {
	clean, err := e.runScenario("S0")
	if err != nil {
		return nil, err
	}
	if len(clean.Vectors) == 0 {
		return nil, ErrNoCleanRun
	}

	table, err := policy.Calibrate(clean.Vectors)
	if err != nil {
		return nil, fmt.Errorf("calibrate policy: %w", err)
	}
	model, err := anomaly.Fit(clean.Vectors, e.cfg.Anomaly.Threshold)
	if err != nil {
		return nil, fmt.Errorf("fit anomaly baseline: %w", err)
	}
	g, err := gate.New(table, model)
	if err != nil {
		return nil, err
	}
	if err := e.writeCalibration(table, model); err != nil {
		return nil, err
	}

	report := &Report{
		Port:      e.cfg.Project.Port,
		Seed:      e.cfg.Project.Seed,
		Scenarios: make(map[string]*ScenarioResult, len(Scenarios)),
	}

	for _, name := range Scenarios {
		res := clean
		if name != "S0" {
			if res, err = e.runScenario(name); err != nil {
				return nil, err
			}
		}
		sr, err := e.replay(name, res, table, g)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", name, err)
		}
		report.Scenarios[name] = sr
		e.log.Info("scenario evaluated",
			"scenario", name,
			"fired_ratio", sr.Summary.PolicyFiredRatio,
			"rejected", sr.Rejected,
			"backlog_max", sr.Summary.BacklogMax)
	}

	if err := e.writeReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// runScenario runs the offline pipeline with the scenario forced.
func (e *Evaluator) runScenario(name string) (*pipeline.Result, error) {
	cfg := e.cfg.Clone()
	cfg.Experiments.Scenario = name
	cfg.Experiments.Enabled = name != "S0"

	p, err := pipeline.New(cfg, e.log)
	if err != nil {
		return nil, err
	}
	res, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("scenario %s pipeline: %w", name, err)
	}
	return res, nil
}

// replay gates every window, commits approved windows to a fresh
// ledger, and runs the consensus load simulation. Rejected windows are
// counted but kept out of the chain.
func (e *Evaluator) replay(name string, res *pipeline.Result, table *policy.Table, g *gate.Gate) (*ScenarioResult, error) {
	results, err := g.CheckAll(res.Vectors)
	if err != nil {
		return nil, err
	}

	decisions := make([]policy.Decision, len(results))
	chain := ledger.NewChain(e.priv)
	bounds := windowBounds(res.Windows)
	sr := &ScenarioResult{Scenario: name, Injection: res.Injection}

	for i, r := range results {
		decisions[i] = r.Decision
		if r.Verdict != ledger.VerdictApproved {
			sr.Rejected++
			continue
		}
		sr.Approved++

		w := bounds[res.Vectors[i].WindowID]
		if _, err := chain.Append(ledger.Draft{
			WindowID:      res.Vectors[i].WindowID,
			WindowStart:   w.Start,
			WindowEnd:     w.End,
			FeatureDigest: ledger.FeatureDigest(res.Vectors[i]),
			Verdict:       r.Verdict,
			Actions:       r.Decision.Actions,
			AnomalyScore:  r.AnomalyScore,
		}); err != nil {
			return nil, err
		}
	}
	if err := chain.Verify(nil); err != nil {
		return nil, fmt.Errorf("ledger self-check: %w", err)
	}

	simRows, err := consensus.Simulate(res.Vectors, decisions, table, e.cfg.Network)
	if err != nil {
		return nil, err
	}

	sr.Decisions = decisions
	sr.SimRows = simRows
	sr.Entries = chain.Entries()
	sr.ChainLen = chain.Len()
	sr.Summary = consensus.Summarize(name, simRows)

	if err := e.writeScenario(sr); err != nil {
		return nil, err
	}
	return sr, nil
}

func windowBounds(table []window.Window) map[int64]window.Window {
	out := make(map[int64]window.Window, len(table))
	for _, w := range table {
		out[w.ID] = w
	}
	return out
}

func (e *Evaluator) tablesDir() string {
	return filepath.Join(e.cfg.Project.ResultsDir, "tables")
}

// writeCalibration persists the calibrated policy table and the fitted
// anomaly baseline as artifacts.
func (e *Evaluator) writeCalibration(table *policy.Table, model *anomaly.Model) error {
	dir := e.cfg.Project.ArtifactsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := table.Save(filepath.Join(dir, "policy_table.yaml")); err != nil {
		return err
	}
	return model.Save(filepath.Join(dir, "baseline.json"))
}

// writeScenario writes sim_<scenario>.csv and the scenario ledger.
func (e *Evaluator) writeScenario(sr *ScenarioResult) error {
	dir := e.tablesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := strings.ToLower(sr.Scenario)
	if err := writeSimCSV(filepath.Join(dir, "sim_"+name+".csv"), sr.SimRows); err != nil {
		return err
	}

	ledgerPath := filepath.Join(e.cfg.Project.ResultsDir, "ledger_"+name+".json")
	data, err := json.MarshalIndent(sr.Entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ledgerPath, append(data, '\n'), 0o644)
}

// writeReport writes the cross-scenario summary table and report.json.
func (e *Evaluator) writeReport(r *Report) error {
	if err := os.MkdirAll(e.tablesDir(), 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(e.tablesDir(), "summary_end2end.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"scenario", "processed_tps_mean", "latency_ms_mean",
		"backlog_max", "dropped_sum", "policy_fired_ratio",
	}); err != nil {
		return err
	}
	for _, name := range Scenarios {
		sr, ok := r.Scenarios[name]
		if !ok {
			continue
		}
		s := sr.Summary
		if err := w.Write([]string{
			name,
			formatFloat(s.ProcessedTPSMean),
			formatFloat(s.LatencyMsMean),
			formatFloat(s.BacklogMax),
			formatFloat(s.DroppedSum),
			formatFloat(s.PolicyFiredRatio),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(e.cfg.Project.ResultsDir, "report.json")
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeSimCSV(path string, rows []consensus.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"window_id", "offered", "admitted", "processed_tps", "backlog",
		"latency_ms", "dropped", "policy_fired", "overhead_mult",
	}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write([]string{
			strconv.FormatInt(row.WindowID, 10),
			formatFloat(row.Offered),
			formatFloat(row.Admitted),
			formatFloat(row.ProcessedTPS),
			formatFloat(row.Backlog),
			formatFloat(row.LatencyMs),
			formatFloat(row.Dropped),
			strconv.FormatBool(row.PolicyFired),
			formatFloat(row.OverheadMult),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
