package policy

import (
	"errors"
	"math"
	"sort"

	"aisledger/internal/features"
)

// Mitigation action names shared between calibrated tables and the
// consensus simulator.
const (
	ActionThrottleAdmission = "throttle_admission"
	ActionQuarantineNewMMSI = "quarantine_new_mmsi"
	ActionIsolateSuspicious = "isolate_suspicious_mmsi"
	ActionPQKeyRotation     = "pq_key_rotation_event"
)

// calibrationQuantile is the tail quantile of benign traffic used as the
// firing threshold.
const calibrationQuantile = 0.999

var ErrNoBaseline = errors.New("policy: no baseline vectors to calibrate from")

// Calibrate derives a policy table from benign (S0) feature vectors.
// Thresholds sit at the extreme tail of the benign distribution so the
// rules stay quiet on clean traffic and fire on flood or spoofing
// signatures.
func Calibrate(baseline []features.Vector) (*Table, error) {
	if len(baseline) == 0 {
		return nil, ErrNoBaseline
	}

	zero := 0.0
	t := &Table{
		Meta: Meta{
			Source: "auto-calibrated from baseline traffic",
			Quantiles: map[string]float64{
				"F2": calibrationQuantile,
				"F3": calibrationQuantile,
				"F4": calibrationQuantile,
			},
		},
		Thresholds: map[string]float64{
			features.F2NewMMSIRate:  tailQuantile(baseline, features.F2NewMMSIRate),
			features.F3Burstiness:   tailQuantile(baseline, features.F3Burstiness),
			features.F4PositionJump: math.Max(tailQuantile(baseline, features.F4PositionJump), 0),
		},
		Rules: []Rule{
			{
				ID: "R_S1_ID_FLOOD",
				If: Condition{Any: []Clause{
					{Feature: features.F2NewMMSIRate, Op: ">", ThresholdKey: features.F2NewMMSIRate},
					{Feature: features.F3Burstiness, Op: ">", ThresholdKey: features.F3Burstiness},
				}},
				Then:     []string{ActionThrottleAdmission, ActionQuarantineNewMMSI},
				Severity: 2,
				Explain:  "S1-like identity/message flood",
			},
			{
				ID: "R_S2_POS_JUMP",
				If: Condition{All: []Clause{
					{Feature: features.F4PositionJump, Op: ">", Value: &zero},
				}},
				Then:     []string{ActionIsolateSuspicious, ActionPQKeyRotation},
				Severity: 3,
				Explain:  "S2-like physically implausible movement",
			},
			{
				ID: "R_S3_HYBRID",
				If: Condition{All: []Clause{
					{Rule: "R_S1_ID_FLOOD"},
					{Rule: "R_S2_POS_JUMP"},
				}},
				Then:     []string{ActionThrottleAdmission, ActionIsolateSuspicious, ActionQuarantineNewMMSI},
				Severity: 4,
				Explain:  "Hybrid: flood + spoofing",
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
	return t, t.Validate()
}

// tailQuantile computes the calibration quantile of one feature across
// the baseline, with linear interpolation.
func tailQuantile(vecs []features.Vector, name string) float64 {
	vals := make([]float64, 0, len(vecs))
	for _, v := range vecs {
		vals = append(vals, v.Get(name))
	}
	sort.Float64s(vals)

	pos := calibrationQuantile * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vals[lo]
	}
	frac := pos - float64(lo)
	return vals[lo]*(1-frac) + vals[hi]*frac
}
