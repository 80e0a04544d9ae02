// Package consensus models the permissioned ledger network as a
// per-window discrete simulation. Offered load follows the flood
// features, consensus overhead follows spoofing signals and PQ rotation
// actions, and mitigation actions shape admission and drop rates. A
// carried backlog smoothly inflates commit latency.
package consensus

import (
	"errors"
	"math"

	"aisledger/internal/features"
	"aisledger/internal/policy"
)

var ErrLengthMismatch = errors.New("consensus: features and decisions differ in length")

// Params are the network baseline characteristics.
type Params struct {
	BaseCapacityTPS      float64 `yaml:"base_capacity_tps" json:"base_capacity_tps" toml:"base_capacity_tps"`
	BaseOfferedPerWindow float64 `yaml:"base_offered_per_window" json:"base_offered_per_window" toml:"base_offered_per_window"`
	BaseLatencyMs        float64 `yaml:"base_latency_ms" json:"base_latency_ms" toml:"base_latency_ms"`
}

// DefaultParams returns the reference network profile.
func DefaultParams() Params {
	return Params{
		BaseCapacityTPS:      180,
		BaseOfferedPerWindow: 150,
		BaseLatencyMs:        120,
	}
}

// Row is the simulation outcome for one window.
type Row struct {
	WindowID     int64   `json:"window_id"`
	Offered      float64 `json:"offered"`
	Admitted     float64 `json:"admitted"`
	ProcessedTPS float64 `json:"processed_tps"`
	Backlog      float64 `json:"backlog"`
	LatencyMs    float64 `json:"latency_ms"`
	Dropped      float64 `json:"dropped"`
	PolicyFired  bool    `json:"policy_fired"`
	OverheadMult float64 `json:"overhead_mult"`
}

// Simulate runs the network over a scenario's windows. vecs and
// decisions must be parallel slices over the same windows, in window
// order; backlog carries across windows.
func Simulate(vecs []features.Vector, decisions []policy.Decision, tbl *policy.Table, p Params) ([]Row, error) {
	if len(vecs) != len(decisions) {
		return nil, ErrLengthMismatch
	}

	backlog := 0.0
	rows := make([]Row, 0, len(vecs))
	for i, v := range vecs {
		d := decisions[i]

		f2 := math.Max(0, v.Get(features.F2NewMMSIRate))
		f3 := math.Max(0, v.Get(features.F3Burstiness))
		f4 := math.Min(1, math.Max(0, v.Get(features.F4PositionJump)))

		offered := p.BaseOfferedPerWindow * (1 + 0.8*math.Log1p(f3) + 1.2*f2)

		agg := tbl.Aggregate(d)
		overhead := (1 + 0.6*f4) * agg.OverheadMult

		capacity := p.BaseCapacityTPS / math.Max(1e-6, overhead)

		accepted := offered * agg.AdmissionMult
		dropped := accepted * agg.DropShare
		admitted := math.Max(0, accepted-dropped)

		processed := math.Min(capacity, admitted+backlog)
		backlog = math.Max(0, backlog+admitted-processed)

		latency := p.BaseLatencyMs * (1 + 0.45*math.Log1p(backlog/math.Max(1, p.BaseOfferedPerWindow)))

		rows = append(rows, Row{
			WindowID:     v.WindowID,
			Offered:      offered,
			Admitted:     admitted,
			ProcessedTPS: processed,
			Backlog:      backlog,
			LatencyMs:    latency,
			Dropped:      dropped,
			PolicyFired:  d.Fired,
			OverheadMult: overhead,
		})
	}
	return rows, nil
}

// Summary aggregates a simulated run into scenario-level statistics.
type Summary struct {
	Scenario         string  `json:"scenario"`
	ProcessedTPSMean float64 `json:"processed_tps_mean"`
	LatencyMsMean    float64 `json:"latency_ms_mean"`
	BacklogMax       float64 `json:"backlog_max"`
	DroppedSum       float64 `json:"dropped_sum"`
	PolicyFiredRatio float64 `json:"policy_fired_ratio"`
}

// Summarize reduces simulation rows to the end-to-end summary line.
func Summarize(scenario string, rows []Row) Summary {
	s := Summary{Scenario: scenario}
	if len(rows) == 0 {
		return s
	}
	fired := 0
	for _, r := range rows {
		s.ProcessedTPSMean += r.ProcessedTPS
		s.LatencyMsMean += r.LatencyMs
		s.DroppedSum += r.Dropped
		if r.Backlog > s.BacklogMax {
			s.BacklogMax = r.Backlog
		}
		if r.PolicyFired {
			fired++
		}
	}
	n := float64(len(rows))
	s.ProcessedTPSMean /= n
	s.LatencyMsMean /= n
	s.PolicyFiredRatio = float64(fired) / n
	return s
}
