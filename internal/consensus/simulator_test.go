package consensus

import (
	"errors"
	"math"
	"testing"

	"aisledger/internal/features"
	"aisledger/internal/policy"
)

func vec(id int64, f2, f3, f4 float64) features.Vector {
	return features.Vector{WindowID: id, Values: map[string]float64{
		features.F2NewMMSIRate:  f2,
		features.F3Burstiness:   f3,
		features.F4PositionJump: f4,
	}}
}

func quietTable() *policy.Table {
	v := 1e9
	return &policy.Table{
		Rules: []policy.Rule{{
			ID:      "never",
			If:      policy.Condition{All: []policy.Clause{{Feature: features.F2NewMMSIRate, Op: ">", Value: &v}}},
			Then:    []string{policy.ActionThrottleAdmission},
			Explain: "unreachable",
		}},
		ActionEffects: map[string]policy.Effects{
			policy.ActionThrottleAdmission: {"admission_rate_mult": 0.6},
			policy.ActionQuarantineNewMMSI: {"drop_new_mmsi_mult": 0.8},
			policy.ActionPQKeyRotation:     {"consensus_overhead_mult": 1.1},
		},
	}
}

func TestSimulateLengthMismatch(t *testing.T) {
	_, err := Simulate([]features.Vector{vec(0, 0, 1, 0)}, nil, quietTable(), DefaultParams())
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestSimulateSteadyState(t *testing.T) {
	// Benign traffic with unit burstiness offers ~233 tps against 180
	// capacity, so a backlog builds; no policy, no drops.
	tbl := quietTable()
	vecs := []features.Vector{vec(0, 0, 1, 0), vec(1, 0, 1, 0)}
	decisions := []policy.Decision{{WindowID: 0}, {WindowID: 1}}

	rows, err := Simulate(vecs, decisions, tbl, DefaultParams())
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}

	wantOffered := 150 * (1 + 0.8*math.Log1p(1))
	if math.Abs(rows[0].Offered-wantOffered) > 1e-9 {
		t.Errorf("offered = %v, want %v", rows[0].Offered, wantOffered)
	}
	if rows[0].Dropped != 0 {
		t.Errorf("no actions must mean no drops, got %v", rows[0].Dropped)
	}
	if rows[0].OverheadMult != 1 {
		t.Errorf("overhead = %v, want 1", rows[0].OverheadMult)
	}
	if rows[0].ProcessedTPS != 180 {
		t.Errorf("processed should saturate capacity, got %v", rows[0].ProcessedTPS)
	}
	if rows[1].Backlog <= rows[0].Backlog {
		t.Errorf("backlog should grow under sustained overload: %v then %v", rows[0].Backlog, rows[1].Backlog)
	}
	if rows[1].LatencyMs <= rows[0].LatencyMs {
		t.Errorf("latency should grow with backlog: %v then %v", rows[0].LatencyMs, rows[1].LatencyMs)
	}
}

func TestSimulateMitigationEffects(t *testing.T) {
	tbl := quietTable()
	vecs := []features.Vector{vec(0, 2, 3, 0.5)}
	d := policy.Decision{WindowID: 0, Fired: true, Actions: []string{
		policy.ActionThrottleAdmission,
		policy.ActionQuarantineNewMMSI,
		policy.ActionPQKeyRotation,
	}}

	rows, err := Simulate(vecs, []policy.Decision{d}, tbl, DefaultParams())
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	r := rows[0]

	wantOverhead := (1 + 0.6*0.5) * 1.1
	if math.Abs(r.OverheadMult-wantOverhead) > 1e-9 {
		t.Errorf("overhead = %v, want %v", r.OverheadMult, wantOverhead)
	}

	offered := 150 * (1 + 0.8*math.Log1p(3) + 1.2*2)
	accepted := offered * 0.6
	wantDropped := accepted * 0.2
	if math.Abs(r.Dropped-wantDropped) > 1e-9 {
		t.Errorf("dropped = %v, want %v", r.Dropped, wantDropped)
	}
	if !r.PolicyFired {
		t.Error("fired flag not propagated")
	}
	if math.Abs(r.Admitted-(accepted-wantDropped)) > 1e-9 {
		t.Errorf("admitted = %v", r.Admitted)
	}
}

func TestSimulateNegativeFeaturesClamped(t *testing.T) {
	rows, err := Simulate(
		[]features.Vector{vec(0, -5, -5, -5)},
		[]policy.Decision{{WindowID: 0}},
		quietTable(), DefaultParams(),
	)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if rows[0].Offered != 150 {
		t.Errorf("negative features must clamp to base offered, got %v", rows[0].Offered)
	}
	if rows[0].OverheadMult != 1 {
		t.Errorf("negative F4 must clamp overhead to 1, got %v", rows[0].OverheadMult)
	}
}

func TestSummarize(t *testing.T) {
	rows := []Row{
		{ProcessedTPS: 100, LatencyMs: 120, Backlog: 10, Dropped: 5, PolicyFired: true},
		{ProcessedTPS: 200, LatencyMs: 180, Backlog: 40, Dropped: 15, PolicyFired: false},
	}
	s := Summarize("S3", rows)
	if s.Scenario != "S3" {
		t.Errorf("scenario = %q", s.Scenario)
	}
	if s.ProcessedTPSMean != 150 || s.LatencyMsMean != 150 {
		t.Errorf("means wrong: %+v", s)
	}
	if s.BacklogMax != 40 || s.DroppedSum != 20 {
		t.Errorf("aggregates wrong: %+v", s)
	}
	if s.PolicyFiredRatio != 0.5 {
		t.Errorf("fired ratio = %v", s.PolicyFiredRatio)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("S0", nil)
	if s.ProcessedTPSMean != 0 || s.PolicyFiredRatio != 0 {
		t.Errorf("empty summary should be zero: %+v", s)
	}
}
