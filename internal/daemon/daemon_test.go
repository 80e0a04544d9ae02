package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aisledger/internal/anomaly"
	"aisledger/internal/config"
	"aisledger/internal/features"
	"aisledger/internal/ledger"
	"aisledger/internal/policy"
	"aisledger/internal/store"
	"aisledger/internal/watcher"
	"aisledger/internal/window"
)

var batchStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// baselineVector spreads each feature over a plausible benign range so
// the calibrated thresholds and the robust baseline tolerate ordinary
// batches, including the full identity churn of a warmup window.
func baselineVector(id int64) features.Vector {
	return features.Vector{WindowID: id, Values: map[string]float64{
		features.F1UniqueMMSI:     2 + float64(id%3),
		features.F2NewMMSIRate:    float64(id%11) / 10,
		features.F3Burstiness:     0.8 + float64(id%5)/4,
		features.F4PositionJump:   0,
		features.F5SpeedHeading:   0,
		features.F6DensityEntropy: 1.0 + float64(id%7)/20,
	}}
}

// setupDaemon lays out the calibration artifacts a live daemon expects
// and returns a ready daemon plus its config.
func setupDaemon(t *testing.T) (*Daemon, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	portsPath := filepath.Join(dir, "ports.yaml")
	if err := os.WriteFile(portsPath, []byte("busan:\n  bbox: [129.0, 35.0, 129.2, 35.2]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	artifacts := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		t.Fatal(err)
	}
	baseline := make([]features.Vector, 0, 44)
	for i := int64(0); i < 44; i++ {
		baseline = append(baseline, baselineVector(i))
	}
	table, err := policy.Calibrate(baseline)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if err := table.Save(filepath.Join(artifacts, "policy_table.yaml")); err != nil {
		t.Fatalf("save policy table: %v", err)
	}
	model, err := anomaly.Fit(baseline, anomaly.DefaultThreshold)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if err := model.Save(filepath.Join(artifacts, "baseline.json")); err != nil {
		t.Fatalf("save baseline: %v", err)
	}
	if err := os.WriteFile(filepath.Join(artifacts, "t0.txt"),
		[]byte(batchStart.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Project.Port = "busan"
	cfg.Project.ArtifactsDir = artifacts
	cfg.PortFilter.PortsFile = portsPath
	cfg.Daemon.DropDir = filepath.Join(dir, "incoming")
	cfg.Daemon.DBPath = filepath.Join(dir, "run.db")
	cfg.Daemon.PolicyPath = filepath.Join(artifacts, "policy_table.yaml")
	cfg.Daemon.DebounceMs = 150
	cfg.Daemon.ListenAddr = "127.0.0.1:0"
	cfg.Ledger.KeyPath = filepath.Join(dir, "keys", "authority.key")

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, cfg
}

// batchCSV renders n minutes of benign traffic for three vessels.
func batchCSV(startMin, minutes int) string {
	var b strings.Builder
	b.WriteString("timestamp,mmsi,lat,lon,sog,cog,heading,nav_status\n")
	for min := startMin; min < startMin+minutes; min++ {
		ts := batchStart.Add(time.Duration(min) * time.Minute).Format(time.RFC3339)
		for v := 0; v < 3; v++ {
			lat := 35.05 + float64(v)*0.03
			lon := 129.05 + float64(v)*0.03
			fmt.Fprintf(&b, "%s,%d,%f,%f,8.0,45.0,45,0\n", ts, 440000000+v, lat, lon)
		}
	}
	return b.String()
}

func TestProcessFileCommitsBatch(t *testing.T) {
	d, _ := setupDaemon(t)
	defer d.store.Close()

	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte(batchCSV(0, 10)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.processFile(watcher.DropFile{Path: path, Seen: time.Now()}); err != nil {
		t.Fatalf("processFile failed: %v", err)
	}

	if d.chain.Len() != 2 {
		t.Errorf("chain length = %d, want 2 windows", d.chain.Len())
	}
	if err := d.VerifyChain(); err != nil {
		t.Errorf("chain fails verification: %v", err)
	}

	entries, err := d.store.GetLedgerEntries()
	if err != nil {
		t.Fatalf("GetLedgerEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("persisted entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Verdict != ledger.VerdictApproved {
			t.Errorf("benign window %d rejected", e.WindowID)
		}
		if len(e.Signature) == 0 {
			t.Errorf("entry %d unsigned", e.Ordinal)
		}
	}

	row, err := d.store.GetDecision(entries[0].WindowID)
	if err != nil || row == nil {
		t.Fatalf("decision row missing: %v", err)
	}
}

func TestRejectedWindowKeptOutOfLedger(t *testing.T) {
	d, _ := setupDaemon(t)
	defer d.store.Close()

	v := baselineVector(0)
	v.Values[features.F4PositionJump] = 3 // teleporting fixes trip the jump rule

	results, err := d.gate.CheckAll([]features.Vector{v})
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if results[0].Verdict != ledger.VerdictRejected {
		t.Fatalf("window with position jumps not rejected: %v", results[0].Verdict)
	}

	table := []window.Window{{ID: 0, Start: batchStart, End: batchStart.Add(5 * time.Minute)}}
	if err := d.commit(table, map[int64]int{0: 10}, []features.Vector{v}, results); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if d.chain.Len() != 0 {
		t.Errorf("rejected window entered the chain: %d entries", d.chain.Len())
	}
	entries, err := d.store.GetLedgerEntries()
	if err != nil {
		t.Fatalf("GetLedgerEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected window persisted to the ledger: %d entries", len(entries))
	}

	// The decision itself stays on record for audit.
	row, err := d.store.GetDecision(0)
	if err != nil || row == nil {
		t.Fatalf("rejected decision not recorded: %v", err)
	}
	if row.Verdict != ledger.VerdictRejected {
		t.Errorf("persisted decision verdict = %v, want rejected", row.Verdict)
	}
}

func TestChainResumesAcrossRestart(t *testing.T) {
	d, cfg := setupDaemon(t)

	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte(batchCSV(0, 5)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.processFile(watcher.DropFile{Path: path}); err != nil {
		t.Fatalf("processFile failed: %v", err)
	}
	firstLen := d.chain.Len()
	d.store.Close()

	d2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer d2.store.Close()

	if d2.chain.Len() != firstLen {
		t.Fatalf("resumed chain length = %d, want %d", d2.chain.Len(), firstLen)
	}

	path2 := filepath.Join(t.TempDir(), "batch2.csv")
	if err := os.WriteFile(path2, []byte(batchCSV(30, 5)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d2.processFile(watcher.DropFile{Path: path2}); err != nil {
		t.Fatalf("processFile after restart failed: %v", err)
	}
	if d2.chain.Len() != firstLen+1 {
		t.Errorf("chain did not extend: %d", d2.chain.Len())
	}
	if err := d2.VerifyChain(); err != nil {
		t.Errorf("resumed chain fails verification: %v", err)
	}
}

func TestRunIngestsDroppedFile(t *testing.T) {
	d, cfg := setupDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give the watcher a moment, then drop a batch.
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(cfg.Daemon.DropDir, "batch.csv")
	if err := os.WriteFile(path, []byte(batchCSV(0, 5)), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	processed := filepath.Join(cfg.Daemon.DropDir, "processed", "batch.csv")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(processed); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if _, err := os.Stat(processed); err != nil {
		cancel()
		<-done
		t.Fatalf("batch never sidelined as processed: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	s, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	entries, err := s.GetLedgerEntries()
	if err != nil {
		t.Fatalf("GetLedgerEntries failed: %v", err)
	}
	if len(entries) == 0 {
		t.Error("no ledger entries after ingestion")
	}
	if err := ledger.VerifyEntries(entries, nil); err != nil {
		t.Errorf("persisted chain fails verification: %v", err)
	}
}
