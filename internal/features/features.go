// Package features computes window-level behavioral features (F1..F6)
// from windowed, grid-mapped AIS messages.
//
// The six features characterize identity churn, traffic shape, and
// physical plausibility inside each time window:
//
//	F1  unique vessel count
//	F2  rate of MMSIs not seen in the previous K windows
//	F3  message burstiness vs a rolling baseline
//	F4  fraction of fixes implying impossible speed (position jumps)
//	F5  fraction of fixes with speed/heading inconsistency
//	F6  Shannon entropy of spatial density over grid cells
package features

import (
	"errors"
	"fmt"
	"math"

	"aisledger/internal/ais"
	"aisledger/internal/geo"
	"aisledger/internal/window"
)

// Canonical feature column names, as referenced from policy tables and
// persisted artifacts.
const (
	F1UniqueMMSI     = "F1_unique_mmsi_count"
	F2NewMMSIRate    = "F2_new_mmsi_rate"
	F3Burstiness     = "F3_message_burstiness"
	F4PositionJump   = "F4_position_jump_rate"
	F5SpeedHeading   = "F5_speed_heading_inconsistency"
	F6DensityEntropy = "F6_spatial_density_entropy"
)

// Names lists all feature columns in canonical order.
var Names = []string{
	F1UniqueMMSI,
	F2NewMMSIRate,
	F3Burstiness,
	F4PositionJump,
	F5SpeedHeading,
	F6DensityEntropy,
}

// kmhPerKnot converts km/h to knots.
const kmhPerKnot = 1.852

var ErrNoWindows = errors.New("features: no windowed messages")

// Config holds the feature extraction parameters.
type Config struct {
	LookbackK            int     `yaml:"lookback_K" json:"lookback_K" toml:"lookback_K"`
	VmaxKnots            float64 `yaml:"vmax_knots" json:"vmax_knots" toml:"vmax_knots"`
	Eps                  float64 `yaml:"eps" json:"eps" toml:"eps"`
	BurstBaselineWindows int     `yaml:"burst_baseline_windows" json:"burst_baseline_windows" toml:"burst_baseline_windows"`
	COGJumpDeg           float64 `yaml:"cog_jump_deg" json:"cog_jump_deg" toml:"cog_jump_deg"`
	SOGHighKnots         float64 `yaml:"sog_high_knots" json:"sog_high_knots" toml:"sog_high_knots"`
	SOGJumpKnotsPerMin   float64 `yaml:"sog_jump_knots_per_min" json:"sog_jump_knots_per_min" toml:"sog_jump_knots_per_min"`
}

// DefaultConfig returns the parameters used by the reference experiments.
func DefaultConfig() Config {
	return Config{
		LookbackK:            12,
		VmaxKnots:            60.0,
		Eps:                  1e-9,
		BurstBaselineWindows: 60,
		COGJumpDeg:           90.0,
		SOGHighKnots:         10.0,
		SOGJumpKnotsPerMin:   20.0,
	}
}

// Vector is the feature row for one window.
type Vector struct {
	WindowID int64
	Values   map[string]float64
}

// Get returns a named feature value, 0 when absent.
func (v Vector) Get(name string) float64 { return v.Values[name] }

// Clone returns a deep copy of the vector.
func (v Vector) Clone() Vector {
	vals := make(map[string]float64, len(v.Values))
	for k, val := range v.Values {
		vals[k] = val
	}
	return Vector{WindowID: v.WindowID, Values: vals}
}

// Compute derives F1..F6 for every window present in msgs. Messages must
// have window IDs and grid indices assigned. Results are ordered by
// window ID. F2/F4/F5 are clipped at zero and all NaNs are mapped to 0.
func Compute(msgs []ais.Message, cfg Config) ([]Vector, error) {
	if len(msgs) == 0 {
		return nil, ErrNoWindows
	}
	for i := range msgs {
		if msgs[i].WindowID < 0 {
			return nil, fmt.Errorf("features: message %d has no window assigned", i)
		}
		if msgs[i].GX < 0 || msgs[i].GY < 0 {
			return nil, fmt.Errorf("features: message %d has no grid cell assigned", i)
		}
	}
	if cfg.LookbackK <= 0 {
		return nil, fmt.Errorf("features: lookback_K must be positive, got %d", cfg.LookbackK)
	}
	if cfg.BurstBaselineWindows <= 0 {
		return nil, fmt.Errorf("features: burst_baseline_windows must be positive, got %d", cfg.BurstBaselineWindows)
	}

	groups := window.GroupByWindow(msgs)
	ids := window.SortedIDs(groups)

	f1 := uniqueMMSICount(groups)
	f2 := newMMSIRate(groups, ids, cfg.LookbackK)
	f3 := burstiness(groups, ids, cfg.BurstBaselineWindows, cfg.Eps)
	f4 := positionJumpRate(msgs, cfg.VmaxKnots)
	f5 := speedHeadingInconsistency(msgs, cfg.SOGHighKnots, cfg.COGJumpDeg, cfg.SOGJumpKnotsPerMin)
	f6 := densityEntropy(groups, cfg.Eps)

	out := make([]Vector, 0, len(ids))
	for _, id := range ids {
		v := Vector{WindowID: id, Values: map[string]float64{
			F1UniqueMMSI:     sanitize(f1[id], false),
			F2NewMMSIRate:    sanitize(f2[id], true),
			F3Burstiness:     sanitize(f3[id], false),
			F4PositionJump:   sanitize(f4[id], true),
			F5SpeedHeading:   sanitize(f5[id], true),
			F6DensityEntropy: sanitize(f6[id], false),
		}}
		out = append(out, v)
	}
	return out, nil
}

// sanitize maps NaN/Inf to 0 and optionally clips negatives.
func sanitize(v float64, clipZero bool) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if clipZero && v < 0 {
		return 0
	}
	return v
}

// F1: distinct MMSIs per window.
func uniqueMMSICount(groups map[int64][]ais.Message) map[int64]float64 {
	out := make(map[int64]float64, len(groups))
	for id, msgs := range groups {
		seen := make(map[string]struct{})
		for _, m := range msgs {
			seen[m.MMSI] = struct{}{}
		}
		out[id] = float64(len(seen))
	}
	return out
}

// F2: fraction of this window's MMSIs absent from the previous K windows.
func newMMSIRate(groups map[int64][]ais.Message, ids []int64, lookbackK int) map[int64]float64 {
	out := make(map[int64]float64, len(ids))
	recent := make([]map[string]struct{}, 0, lookbackK)

	for _, id := range ids {
		cur := make(map[string]struct{})
		for _, m := range groups[id] {
			cur[m.MMSI] = struct{}{}
		}

		newCount := 0
		for mmsi := range cur {
			seen := false
			for _, prev := range recent {
				if _, ok := prev[mmsi]; ok {
					seen = true
					break
				}
			}
			if !seen {
				newCount++
			}
		}

		denom := len(cur)
		if denom < 1 {
			denom = 1
		}
		out[id] = float64(newCount) / float64(denom)

		recent = append(recent, cur)
		if len(recent) > lookbackK {
			recent = recent[1:]
		}
	}
	return out
}

// F3: message count over a trailing rolling mean of counts (current window
// included, up to baseline windows).
func burstiness(groups map[int64][]ais.Message, ids []int64, baseline int, eps float64) map[int64]float64 {
	out := make(map[int64]float64, len(ids))
	counts := make([]float64, len(ids))
	for i, id := range ids {
		counts[i] = float64(len(groups[id]))
	}

	for i, id := range ids {
		lo := i - baseline + 1
		if lo < 0 {
			lo = 0
		}
		sum := 0.0
		for j := lo; j <= i; j++ {
			sum += counts[j]
		}
		mean := sum / float64(i-lo+1)
		out[id] = counts[i] / (mean + eps)
	}
	return out
}

// F4: per window, the fraction of fixes whose implied speed from the
// previous fix of the same vessel exceeds vmax. Fixes with no valid
// predecessor count as not-jumping.
func positionJumpRate(msgs []ais.Message, vmaxKnots float64) map[int64]float64 {
	sorted := make([]ais.Message, len(msgs))
	copy(sorted, msgs)
	ais.SortByVesselTime(sorted)

	total := make(map[int64]int)
	jumps := make(map[int64]int)

	for i, m := range sorted {
		total[m.WindowID]++

		if i == 0 || sorted[i-1].MMSI != m.MMSI {
			continue
		}
		prev := sorted[i-1]
		dtH := m.TS.Sub(prev.TS).Hours()
		if dtH <= 0 {
			continue
		}
		distKm := geo.HaversineKm(prev.Lat, prev.Lon, m.Lat, m.Lon)
		vKnots := distKm / dtH / kmhPerKnot
		if vKnots > vmaxKnots {
			jumps[m.WindowID]++
		}
	}

	out := make(map[int64]float64, len(total))
	for id, n := range total {
		out[id] = float64(jumps[id]) / float64(n)
	}
	return out
}

// F5: per window, the fraction of fixes where high speed pairs with a
// heading jump, or the speed changes implausibly fast.
func speedHeadingInconsistency(msgs []ais.Message, sogHigh, cogJumpDeg, sogJumpPerMin float64) map[int64]float64 {
	sorted := make([]ais.Message, len(msgs))
	copy(sorted, msgs)
	ais.SortByVesselTime(sorted)

	total := make(map[int64]int)
	flagged := make(map[int64]int)

	for i, m := range sorted {
		total[m.WindowID]++

		if i == 0 || sorted[i-1].MMSI != m.MMSI {
			continue
		}
		prev := sorted[i-1]

		cogDelta := math.Abs(m.COG - prev.COG)
		if cogDelta > 360 {
			cogDelta = 360
		}
		if cogDelta > 180 {
			cogDelta = 360 - cogDelta
		}

		fired := m.SOG > sogHigh && cogDelta > cogJumpDeg

		dtMin := m.TS.Sub(prev.TS).Minutes()
		if dtMin > 0 {
			sogJump := math.Abs(m.SOG-prev.SOG) / dtMin
			if sogJump > sogJumpPerMin {
				fired = true
			}
		}

		if fired {
			flagged[m.WindowID]++
		}
	}

	out := make(map[int64]float64, len(total))
	for id, n := range total {
		out[id] = float64(flagged[id]) / float64(n)
	}
	return out
}

// F6: Shannon entropy of message density over occupied grid cells.
func densityEntropy(groups map[int64][]ais.Message, eps float64) map[int64]float64 {
	out := make(map[int64]float64, len(groups))
	for id, msgs := range groups {
		cells := make(map[[2]int]int)
		for _, m := range msgs {
			cells[[2]int{m.GX, m.GY}]++
		}
		n := float64(len(msgs))
		h := 0.0
		for _, c := range cells {
			p := float64(c) / n
			h -= p * math.Log(p+eps)
		}
		out[id] = h
	}
	return out
}
