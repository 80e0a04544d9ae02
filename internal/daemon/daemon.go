// Package daemon implements the online gating service. It watches a
// drop directory for AIS batch files, windows and featurizes each
// batch, gates every window against the calibrated policy and the
// anomaly baseline, and commits the verdicts to the signed ledger in
// the run store. Prometheus metrics and health endpoints are served
// over HTTP.
package daemon

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aisledger/internal/ais"
	"aisledger/internal/anomaly"
	"aisledger/internal/config"
	"aisledger/internal/features"
	"aisledger/internal/gate"
	"aisledger/internal/geo"
	"aisledger/internal/ledger"
	"aisledger/internal/logging"
	"aisledger/internal/metrics"
	"aisledger/internal/policy"
	"aisledger/internal/ports"
	"aisledger/internal/signer"
	"aisledger/internal/store"
	"aisledger/internal/watcher"
	"aisledger/internal/window"
)

var ErrNoT0 = errors.New("daemon: window origin artifact missing; run the pipeline first")

// Daemon is the long-running gating service.
type Daemon struct {
	cfg *config.Config
	log *logging.Logger
	met *metrics.Metrics

	store *store.Store
	gate  *gate.Gate
	reg   ports.Registry
	bbox  geo.BBox
	t0    time.Time

	mu    sync.Mutex
	chain *ledger.Chain
	pub   ed25519.PublicKey

	watch *watcher.Watcher
	srv   *http.Server
}

// New wires a daemon from the configuration. The offline pipeline must
// have produced the calibration artifacts first; the authority key is
// generated if absent.
func New(cfg *config.Config, log *logging.Logger) (*Daemon, error) {
	if log == nil {
		log = logging.Default()
	}
	d := &Daemon{
		cfg: cfg,
		log: log.WithComponent("daemon"),
		met: metrics.New(),
	}

	reg, err := ports.LoadRegistry(cfg.PortFilter.PortsFile)
	if err != nil {
		return nil, err
	}
	d.reg = reg
	if d.bbox, err = reg.ResolveBBox(cfg.Project.Port, cfg.PortFilter.BBoxOverride); err != nil {
		return nil, err
	}

	table, err := policy.Load(cfg.Daemon.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy table: %w", err)
	}
	model, err := anomaly.Load(filepath.Join(cfg.Project.ArtifactsDir, "baseline.json"))
	if err != nil {
		return nil, fmt.Errorf("load anomaly baseline: %w", err)
	}
	if d.gate, err = gate.New(table, model); err != nil {
		return nil, err
	}

	if d.t0, err = readT0(filepath.Join(cfg.Project.ArtifactsDir, "t0.txt")); err != nil {
		return nil, err
	}

	priv, err := loadOrCreateKey(cfg.Ledger.KeyPath, d.log)
	if err != nil {
		return nil, err
	}
	if priv != nil {
		d.pub = signer.PublicKey(priv)
	}

	if d.store, err = store.Open(cfg.Daemon.DBPath); err != nil {
		return nil, err
	}
	entries, err := d.store.GetLedgerEntries()
	if err != nil {
		d.store.Close()
		return nil, err
	}
	if d.chain, err = ledger.Resume(entries, priv); err != nil {
		d.store.Close()
		return nil, fmt.Errorf("resume ledger: %w", err)
	}
	d.met.ChainLength.Set(float64(d.chain.Len()))

	if d.watch, err = watcher.New(cfg.Daemon.DropDir, time.Duration(cfg.Daemon.DebounceMs)*time.Millisecond); err != nil {
		d.store.Close()
		return nil, err
	}
	return d, nil
}

func readT0(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, ErrNoT0
		}
		return time.Time{}, err
	}
	t0, err := time.Parse(time.RFC3339, string(trimNewline(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse t0 artifact: %w", err)
	}
	return t0.UTC(), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func loadOrCreateKey(path string, log *logging.Logger) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	priv, err := signer.LoadPrivateKey(path)
	switch {
	case err == nil:
		return priv, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if _, err := signer.Generate(path); err != nil {
			return nil, fmt.Errorf("generate authority key: %w", err)
		}
		log.Info("authority key generated", "path", path)
		return signer.LoadPrivateKey(path)
	default:
		return nil, fmt.Errorf("load authority key: %w", err)
	}
}

// Run starts the watcher and the HTTP listener, then processes drop
// files until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.watch.Start(); err != nil {
		return err
	}
	d.startHTTP()
	d.log.Info("daemon started",
		"drop_dir", d.watch.Dir(),
		"listen", d.cfg.Daemon.ListenAddr,
		"ledger_entries", d.chain.Len())

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case df, ok := <-d.watch.Events():
			if !ok {
				return d.shutdown()
			}
			d.met.FilesSeen.Inc()
			if err := d.processFile(df); err != nil {
				d.met.FilesFailed.Inc()
				d.log.Error("drop file rejected", "path", df.Path, "error", err)
				d.sidelineFile(df.Path, "failed")
			} else {
				d.met.FilesProcessed.Inc()
				d.sidelineFile(df.Path, "processed")
			}

		case err, ok := <-d.watch.Errors():
			if !ok {
				return d.shutdown()
			}
			d.log.Warn("watcher error", "error", err)
		}
	}
}

// processFile ingests one stabilized batch.
func (d *Daemon) processFile(df watcher.DropFile) error {
	timer := time.Now()

	msgs, stats, err := ais.Load(df.Path, d.cfg.SchemaMapping, d.cfg.Time.Timezone)
	if err != nil {
		return err
	}
	msgs, err = d.reg.Filter(msgs, d.cfg.Project.Port, ports.FilterOptions{
		UsePolygon:   d.cfg.PortFilter.UsePolygon,
		BBoxOverride: d.cfg.PortFilter.BBoxOverride,
	})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		d.log.Warn("batch empty after filtering", "path", df.Path, "raw_rows", stats.RawRows)
		return nil
	}

	t0 := d.t0
	msgs, _, err = window.Assign(msgs, d.cfg.Dt(), &t0)
	if err != nil {
		return err
	}
	for i := range msgs {
		gx, gy, ok := geo.GridIndex(msgs[i].Lat, msgs[i].Lon, d.bbox, d.cfg.Grid.NX, d.cfg.Grid.NY, true)
		if !ok {
			gx, gy = 0, 0
		}
		msgs[i].GX, msgs[i].GY = gx, gy
	}

	table, err := window.BuildTable(msgs, d.cfg.Dt())
	if err != nil {
		return err
	}
	counts := make(map[int64]int, len(table))
	for _, m := range msgs {
		counts[m.WindowID]++
	}
	vecs, err := features.Compute(msgs, d.cfg.Features)
	if err != nil {
		return err
	}

	results, err := d.gate.CheckAll(vecs)
	if err != nil {
		return err
	}

	if err := d.commit(table, counts, vecs, results); err != nil {
		return err
	}

	d.met.GateDuration.Observe(time.Since(timer).Seconds())
	d.log.Info("batch committed",
		"path", df.Path,
		"windows", len(vecs),
		"hash", fmt.Sprintf("%x", df.Hash[:8]),
		"duration", time.Since(timer).Round(time.Millisecond))
	return nil
}

// commit persists the batch and appends approved windows to the chain.
// Rejected windows are recorded in the decisions table and counted in
// metrics but never enter the ledger.
func (d *Daemon) commit(table []window.Window, counts map[int64]int, vecs []features.Vector, results []gate.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.InsertWindows(table, counts); err != nil {
		return err
	}
	if err := d.store.InsertFeatures(vecs); err != nil {
		return err
	}

	bounds := make(map[int64]window.Window, len(table))
	for _, w := range table {
		bounds[w.ID] = w
	}

	for i, r := range results {
		if err := d.store.InsertDecision(r.Decision, r.AnomalyScore, r.Verdict); err != nil {
			return err
		}
		d.met.ObserveVerdict(string(r.Verdict), r.Decision.FiredRules, r.AnomalyScore)

		if r.Verdict == ledger.VerdictRejected {
			d.log.Warn("window rejected",
				"window_id", vecs[i].WindowID,
				"rules", r.Decision.FiredRules,
				"actions", r.Decision.Actions,
				"score", r.AnomalyScore)
			continue
		}

		w := bounds[vecs[i].WindowID]
		entry, err := d.chain.Append(ledger.Draft{
			WindowID:      vecs[i].WindowID,
			WindowStart:   w.Start,
			WindowEnd:     w.End,
			FeatureDigest: ledger.FeatureDigest(vecs[i]),
			Verdict:       r.Verdict,
			Actions:       r.Decision.Actions,
			AnomalyScore:  r.AnomalyScore,
		})
		if err != nil {
			return err
		}
		if err := d.store.AppendLedgerEntry(entry); err != nil {
			return err
		}
	}
	d.met.ChainLength.Set(float64(d.chain.Len()))
	return nil
}

// sidelineFile moves a handled drop file out of the intake directory.
func (d *Daemon) sidelineFile(path, subdir string) {
	dir := filepath.Join(filepath.Dir(path), subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("sideline dir", "error", err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.log.Warn("sideline file", "path", path, "error", err)
	}
}

// Status is the /status payload.
type Status struct {
	Port          string    `json:"port"`
	LedgerEntries int       `json:"ledger_entries"`
	LatestHash    string    `json:"latest_hash,omitempty"`
	LatestVerdict string    `json:"latest_verdict,omitempty"`
	PendingFiles  int       `json:"pending_files"`
	T0            time.Time `json:"t0"`
}

func (d *Daemon) status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Port:          d.cfg.Project.Port,
		LedgerEntries: d.chain.Len(),
		PendingFiles:  d.watch.Pending(),
		T0:            d.t0,
	}
	if latest := d.chain.Latest(); latest != nil {
		s.LatestHash = latest.HexHash()
		s.LatestVerdict = string(latest.Verdict)
	}
	return s
}

// VerifyChain re-checks the in-memory chain, including signatures when
// a key is loaded.
func (d *Daemon) VerifyChain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chain.Verify(d.pub)
}

func (d *Daemon) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.met.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.VerifyChain(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.status())
	})

	d.srv = &http.Server{Addr: d.cfg.Daemon.ListenAddr, Handler: mux}
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("http listener", "error", err)
		}
	}()
}

func (d *Daemon) shutdown() error {
	d.log.Info("daemon stopping")
	var firstErr error
	if d.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := d.srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := d.watch.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
