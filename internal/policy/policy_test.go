package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisledger/internal/features"
)

func vec(id int64, vals map[string]float64) features.Vector {
	return features.Vector{WindowID: id, Values: vals}
}

func testTable(t *testing.T) *Table {
	t.Helper()
	zero := 0.0
	tbl := &Table{
		Thresholds: map[string]float64{
			features.F2NewMMSIRate: 0.5,
			features.F3Burstiness:  2.0,
		},
		Rules: []Rule{
			{
				ID: "flood",
				If: Condition{Any: []Clause{
					{Feature: features.F2NewMMSIRate, Op: ">", ThresholdKey: features.F2NewMMSIRate},
					{Feature: features.F3Burstiness, Op: ">", ThresholdKey: features.F3Burstiness},
				}},
				Then:     []string{ActionThrottleAdmission, ActionQuarantineNewMMSI},
				Severity: 2,
				Explain:  "flood",
			},
			{
				ID: "jump",
				If: Condition{All: []Clause{
					{Feature: features.F4PositionJump, Op: ">", Value: &zero},
				}},
				Then:     []string{ActionIsolateSuspicious, ActionPQKeyRotation},
				Severity: 3,
				Explain:  "jump",
			},
			{
				ID: "hybrid",
				If: Condition{All: []Clause{
					{Rule: "flood"},
					{Rule: "jump"},
				}},
				Then:     []string{ActionThrottleAdmission, ActionIsolateSuspicious},
				Severity: 4,
				Explain:  "hybrid",
				Priority: 100,
			},
		},
		ActionEffects: map[string]Effects{
			ActionThrottleAdmission: {"admission_rate_mult": 0.6},
			ActionQuarantineNewMMSI: {"drop_new_mmsi_mult": 0.8},
			ActionIsolateSuspicious: {"drop_suspicious_mult": 0.5},
			ActionPQKeyRotation:     {"consensus_overhead_mult": 1.1},
		},
	}
	require.NoError(t, tbl.Validate())
	return tbl
}

func TestEvaluateQuietOnBenign(t *testing.T) {
	tbl := testTable(t)
	decisions, err := tbl.Evaluate([]features.Vector{
		vec(0, map[string]float64{
			features.F2NewMMSIRate:  0.1,
			features.F3Burstiness:   1.0,
			features.F4PositionJump: 0.0,
		}),
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Fired)
	assert.Empty(t, decisions[0].Actions)
	assert.Zero(t, decisions[0].MaxSeverity)
}

func TestEvaluateAnyFires(t *testing.T) {
	tbl := testTable(t)
	decisions, err := tbl.Evaluate([]features.Vector{
		vec(7, map[string]float64{
			features.F2NewMMSIRate: 0.9, // over threshold, burstiness is not
			features.F3Burstiness:  1.0,
		}),
	})
	require.NoError(t, err)
	d := decisions[0]
	assert.True(t, d.Fired)
	assert.Equal(t, int64(7), d.WindowID)
	assert.Equal(t, []string{"flood"}, d.FiredRules)
	assert.Equal(t, []string{ActionThrottleAdmission, ActionQuarantineNewMMSI}, d.Actions)
	assert.Equal(t, 2, d.MaxSeverity)
}

func TestEvaluateRuleDependency(t *testing.T) {
	tbl := testTable(t)
	decisions, err := tbl.Evaluate([]features.Vector{
		vec(0, map[string]float64{
			features.F2NewMMSIRate:  0.9,
			features.F4PositionJump: 0.2,
		}),
	})
	require.NoError(t, err)
	d := decisions[0]
	assert.Contains(t, d.FiredRules, "hybrid")
	// flood and jump fire at priority 0, hybrid last at 100; actions dedupe
	// in firing order.
	assert.Equal(t, []string{"flood", "jump", "hybrid"}, d.FiredRules)
	assert.Equal(t, []string{
		ActionThrottleAdmission,
		ActionQuarantineNewMMSI,
		ActionIsolateSuspicious,
		ActionPQKeyRotation,
	}, d.Actions)
	assert.Equal(t, 4, d.MaxSeverity)
}

func TestEvaluateMissingFeatureIsZero(t *testing.T) {
	tbl := testTable(t)
	decisions, err := tbl.Evaluate([]features.Vector{vec(0, map[string]float64{})})
	require.NoError(t, err)
	assert.False(t, decisions[0].Fired)
}

func TestValidateRejectsBadTables(t *testing.T) {
	assert.ErrorIs(t, (&Table{}).Validate(), ErrNoRules)

	bad := &Table{Rules: []Rule{{
		ID: "r",
		If: Condition{All: []Clause{{Rule: "ghost"}}},
	}}}
	assert.ErrorIs(t, bad.Validate(), ErrUnknownRule)

	bad = &Table{Rules: []Rule{{
		ID: "r",
		If: Condition{All: []Clause{{Feature: "F1", Op: "~", Value: new(float64)}}},
	}}}
	assert.ErrorIs(t, bad.Validate(), ErrUnknownOp)

	bad = &Table{Rules: []Rule{{
		ID: "r",
		If: Condition{All: []Clause{{Feature: "F1", Op: ">"}}},
	}}}
	assert.ErrorIs(t, bad.Validate(), ErrMissingValue)

	bad = &Table{Rules: []Rule{{
		ID: "r",
		If: Condition{All: []Clause{{Feature: "F1", Op: ">", ThresholdKey: "missing"}}},
	}}}
	assert.ErrorIs(t, bad.Validate(), ErrNoThreshold)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tbl := testTable(t)
	path := filepath.Join(t.TempDir(), "policy_table.yaml")
	require.NoError(t, tbl.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, tbl.Thresholds, got.Thresholds)
	require.Len(t, got.Rules, 3)
	assert.Equal(t, tbl.Rules[2].Priority, got.Rules[2].Priority)
	assert.Equal(t, tbl.ActionEffects, got.ActionEffects)
}

func TestAggregate(t *testing.T) {
	tbl := testTable(t)
	agg := tbl.Aggregate(Decision{Actions: []string{
		ActionThrottleAdmission,
		ActionQuarantineNewMMSI,
		ActionIsolateSuspicious,
		ActionPQKeyRotation,
	}})
	assert.InDelta(t, 0.6, agg.AdmissionMult, 1e-9)
	assert.InDelta(t, 1.1, agg.OverheadMult, 1e-9)
	// drop_suspicious 0.5 -> share 0.5 beats drop_new_mmsi share 0.2.
	assert.InDelta(t, 0.5, agg.DropShare, 1e-9)
}

func TestAggregateNoActions(t *testing.T) {
	tbl := testTable(t)
	agg := tbl.Aggregate(Decision{})
	assert.Equal(t, 1.0, agg.AdmissionMult)
	assert.Equal(t, 1.0, agg.OverheadMult)
	assert.Zero(t, agg.DropShare)
}

func TestCalibrate(t *testing.T) {
	baseline := make([]features.Vector, 0, 100)
	for i := 0; i < 100; i++ {
		baseline = append(baseline, vec(int64(i), map[string]float64{
			features.F2NewMMSIRate:  float64(i) / 100,
			features.F3Burstiness:   1 + float64(i)/100,
			features.F4PositionJump: 0,
		}))
	}

	tbl, err := Calibrate(baseline)
	require.NoError(t, err)
	require.Len(t, tbl.Rules, 3)

	// Thresholds sit near the top of the benign distribution.
	assert.Greater(t, tbl.Thresholds[features.F2NewMMSIRate], 0.98)
	assert.GreaterOrEqual(t, tbl.Thresholds[features.F4PositionJump], 0.0)

	// Clean traffic stays quiet under the calibrated table.
	decisions, err := tbl.Evaluate(baseline[:50])
	require.NoError(t, err)
	for _, d := range decisions {
		assert.False(t, d.Fired, "window %d fired on benign traffic", d.WindowID)
	}

	// A flood window fires R_S1.
	attack, err := tbl.Evaluate([]features.Vector{
		vec(999, map[string]float64{features.F2NewMMSIRate: 5}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"R_S1_ID_FLOOD"}, attack[0].FiredRules)
}

func TestCalibrateEmpty(t *testing.T) {
	_, err := Calibrate(nil)
	assert.ErrorIs(t, err, ErrNoBaseline)
}
