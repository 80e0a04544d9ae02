// Package inject synthesizes attack traffic into a windowed AIS message
// stream for controlled experiments. Three scenarios are supported:
//
//	S1  identity flood: bursts of never-seen MMSIs inside a hotspot
//	S2  position jumps: teleporting fixes for existing vessels
//	S3  hybrid: S1 flood plus S2 jumps on a slice of existing vessels
//
// S0 (or a disabled config) leaves the stream untouched.
package inject

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"aisledger/internal/ais"
	"aisledger/internal/geo"
)

// degPerKm approximates one kilometer in degrees of latitude.
const degPerKm = 1.0 / 111.0

// hotspotShrink concentrates S1 traffic away from the bbox edges.
const hotspotShrink = 0.2

// WindowRange bounds the attack to window IDs in [Start, End].
type WindowRange struct {
	Start int64 `yaml:"start_window" json:"start_window" toml:"start_window"`
	End   int64 `yaml:"end_window" json:"end_window" toml:"end_window"`
}

// Contains reports whether a window ID falls inside the range.
func (r WindowRange) Contains(id int64) bool { return id >= r.Start && id <= r.End }

// S1Config parameterizes the identity flood.
type S1Config struct {
	Intensity         float64 `yaml:"intensity" json:"intensity" toml:"intensity"`
	MessageMultiplier float64 `yaml:"message_multiplier" json:"message_multiplier" toml:"message_multiplier"`
}

// S2Config parameterizes the position jumps.
type S2Config struct {
	Intensity      float64 `yaml:"intensity" json:"intensity" toml:"intensity"`
	JumpDistanceKm float64 `yaml:"jump_distance_km" json:"jump_distance_km" toml:"jump_distance_km"`
	MaxDtSeconds   int     `yaml:"max_dt_seconds" json:"max_dt_seconds" toml:"max_dt_seconds"`
}

// S3Config parameterizes the hybrid attack.
type S3Config struct {
	Intensity              float64 `yaml:"intensity" json:"intensity" toml:"intensity"`
	MessageMultiplier      float64 `yaml:"message_multiplier" json:"message_multiplier" toml:"message_multiplier"`
	AffectExistingFraction float64 `yaml:"affect_existing_fraction" json:"affect_existing_fraction" toml:"affect_existing_fraction"`
	JumpDistanceKm         float64 `yaml:"jump_distance_km" json:"jump_distance_km" toml:"jump_distance_km"`
	MaxDtSeconds           int     `yaml:"max_dt_seconds" json:"max_dt_seconds" toml:"max_dt_seconds"`
}

// Config selects and parameterizes the injection scenario.
type Config struct {
	Enabled  bool        `yaml:"enable_injection" json:"enable_injection" toml:"enable_injection"`
	Scenario string      `yaml:"scenario" json:"scenario" toml:"scenario"`
	Window   WindowRange `yaml:"injection_window" json:"injection_window" toml:"injection_window"`
	Seed     int64       `yaml:"seed" json:"seed" toml:"seed"`
	S1       S1Config    `yaml:"S1" json:"S1" toml:"S1"`
	S2       S2Config    `yaml:"S2" json:"S2" toml:"S2"`
	S3       S3Config    `yaml:"S3" json:"S3" toml:"S3"`
}

// DefaultConfig returns the scenario parameters used by the reference
// experiments.
func DefaultConfig() Config {
	return Config{
		Scenario: "S0",
		Seed:     42,
		S1:       S1Config{Intensity: 0.3, MessageMultiplier: 1.5},
		S2:       S2Config{Intensity: 0.2, JumpDistanceKm: 30, MaxDtSeconds: 3600},
		S3: S3Config{
			Intensity:              0.25,
			MessageMultiplier:      2.0,
			AffectExistingFraction: 0.1,
			JumpDistanceKm:         30,
			MaxDtSeconds:           3600,
		},
	}
}

// Report summarizes what an injection pass changed.
type Report struct {
	Scenario       string `json:"scenario"`
	NewMMSIs       int    `json:"new_mmsis"`
	Injected       int    `json:"injected_messages"`
	DisplacedFixes int    `json:"displaced_fixes"`
}

// Apply runs the configured scenario over windowed messages and returns
// the modified stream. The input slice is not mutated. Injected messages
// carry unassigned grid cells so the caller re-derives them.
func Apply(msgs []ais.Message, bbox geo.BBox, cfg Config) ([]ais.Message, Report, error) {
	rep := Report{Scenario: cfg.Scenario}
	if !cfg.Enabled || cfg.Scenario == "" || cfg.Scenario == "S0" {
		rep.Scenario = "S0"
		return msgs, rep, nil
	}

	out := make([]ais.Message, len(msgs))
	copy(out, msgs)
	rng := rand.New(rand.NewSource(cfg.Seed))

	switch cfg.Scenario {
	case "S1":
		out = floodIdentities(out, rng, bbox, cfg.Window, cfg.S1.Intensity, cfg.S1.MessageMultiplier, &rep)
	case "S2":
		displaceFixes(out, rng, cfg.S2.Intensity, cfg.S2.JumpDistanceKm, cfg.S2.MaxDtSeconds, nil, &rep)
	case "S3":
		out = floodIdentities(out, rng, bbox, cfg.Window, cfg.S3.Intensity, cfg.S3.MessageMultiplier, &rep)
		// Jumps hit only vessels that existed before the flood.
		displaceFixes(out[:len(msgs)], rng, cfg.S3.AffectExistingFraction, cfg.S3.JumpDistanceKm, cfg.S3.MaxDtSeconds, &cfg.Window, &rep)
	default:
		return nil, rep, fmt.Errorf("inject: unknown scenario %q", cfg.Scenario)
	}
	return out, rep, nil
}

// floodIdentities appends synthetic messages for never-seen MMSIs to every
// window in the attack range. New identities are numbered upward from the
// highest numeric MMSI in the stream and placed uniformly in the bbox
// hotspot.
func floodIdentities(msgs []ais.Message, rng *rand.Rand, bbox geo.BBox, wr WindowRange, intensity, multiplier float64, rep *Report) []ais.Message {
	hotspot := bbox.Shrink(hotspotShrink)
	nextID := maxNumericMMSI(msgs) + 1
	perNew := int(math.Round(multiplier))
	if perNew < 1 {
		perNew = 1
	}

	byWindow := make(map[int64][]int)
	for i, m := range msgs {
		byWindow[m.WindowID] = append(byWindow[m.WindowID], i)
	}
	ids := make([]int64, 0, len(byWindow))
	for id := range byWindow {
		if wr.Contains(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := msgs
	for _, wid := range ids {
		rows := byWindow[wid]
		unique := make(map[string]struct{})
		for _, i := range rows {
			unique[msgs[i].MMSI] = struct{}{}
		}
		nNew := int(math.Round(float64(len(unique)) * intensity))
		if nNew < 1 {
			nNew = 1
		}
		for k := 0; k < nNew; k++ {
			mmsi := strconv.FormatInt(nextID, 10)
			nextID++
			rep.NewMMSIs++
			for j := 0; j < perNew; j++ {
				tmpl := msgs[rows[rng.Intn(len(rows))]]
				tmpl.MMSI = mmsi
				tmpl.Lat = hotspot.MinLat + rng.Float64()*hotspot.Height()
				tmpl.Lon = hotspot.MinLon + rng.Float64()*hotspot.Width()
				tmpl.GX, tmpl.GY = -1, -1
				out = append(out, tmpl)
				rep.Injected++
			}
		}
	}
	return out
}

// displaceFixes teleports the later fix of a randomly chosen consecutive
// pair for a sample of existing vessels. When wr is non-nil, candidates
// must be present in the attack window range and only pairs whose later
// fix falls inside it are eligible; a drawn candidate with no usable pair
// still consumes its slot of the affected sample.
func displaceFixes(msgs []ais.Message, rng *rand.Rand, fraction, jumpKm float64, maxDtSeconds int, wr *WindowRange, rep *Report) {
	if maxDtSeconds <= 0 {
		maxDtSeconds = 3600
	}

	byMMSI := make(map[string][]int)
	for i, m := range msgs {
		byMMSI[m.MMSI] = append(byMMSI[m.MMSI], i)
	}

	inRange := func(idx []int) bool {
		if wr == nil {
			return true
		}
		for _, i := range idx {
			if wr.Contains(msgs[i].WindowID) {
				return true
			}
		}
		return false
	}

	candidates := make([]string, 0, len(byMMSI))
	for mmsi, idx := range byMMSI {
		if len(idx) >= 2 && inRange(idx) {
			candidates = append(candidates, mmsi)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	n := int(float64(len(candidates)) * fraction)
	if n < 1 {
		n = 1
	}
	if n > len(candidates) {
		n = len(candidates)
	}

	for _, mmsi := range candidates[:n] {
		idx := byMMSI[mmsi]
		sort.Slice(idx, func(i, j int) bool { return msgs[idx[i]].TS.Before(msgs[idx[j]].TS) })

		pairs := make([]int, 0, len(idx)-1)
		for k := 1; k < len(idx); k++ {
			dt := msgs[idx[k]].TS.Sub(msgs[idx[k-1]].TS).Seconds()
			if dt <= 0 || dt > float64(maxDtSeconds) {
				continue
			}
			if wr != nil && !wr.Contains(msgs[idx[k]].WindowID) {
				continue
			}
			pairs = append(pairs, idx[k])
		}
		if len(pairs) == 0 {
			continue
		}

		target := pairs[rng.Intn(len(pairs))]
		sign := 1.0
		if rng.Float64() < 0.5 {
			sign = -1.0
		}
		msgs[target].Lat += sign * jumpKm * degPerKm
		msgs[target].GX, msgs[target].GY = -1, -1
		rep.DisplacedFixes++
	}
}

// maxNumericMMSI finds the highest numeric MMSI in the stream, falling
// back to a 990M base when none parse as integers.
func maxNumericMMSI(msgs []ais.Message) int64 {
	var max int64 = 990_000_000
	for _, m := range msgs {
		if v, err := strconv.ParseInt(m.MMSI, 10, 64); err == nil && v > max {
			max = v
		}
	}
	return max
}
