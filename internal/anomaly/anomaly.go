// Package anomaly fits a robust per-feature baseline on benign windows
// and scores later windows by their worst deviation from it. The model
// is a median/MAD estimator: insensitive to the attack windows it is
// meant to catch, cheap to fit, and trivially auditable as a JSON
// artifact.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"aisledger/internal/features"
)

// madScale rescales the median absolute deviation to the standard
// deviation of a normal distribution.
const madScale = 1.4826

// eps keeps scores finite for constant features.
const eps = 1e-9

var (
	ErrNoBaseline = errors.New("anomaly: no baseline vectors")
	ErrNotFitted  = errors.New("anomaly: model has no fitted features")
)

// FeatureStats holds the robust location and spread of one feature.
type FeatureStats struct {
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
}

// Model is the fitted baseline, persisted as baseline.json.
type Model struct {
	Features map[string]FeatureStats `json:"features"`
	// Threshold is the score above which a window counts as anomalous.
	Threshold float64 `json:"threshold"`
	FitCount  int     `json:"fit_count"`
}

// DefaultThreshold is the default anomaly cutoff in robust z units.
const DefaultThreshold = 6.0

// Fit estimates per-feature median and MAD from benign feature vectors.
func Fit(baseline []features.Vector, threshold float64) (*Model, error) {
	if len(baseline) == 0 {
		return nil, ErrNoBaseline
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	m := &Model{
		Features:  make(map[string]FeatureStats, len(features.Names)),
		Threshold: threshold,
		FitCount:  len(baseline),
	}
	for _, name := range features.Names {
		vals := make([]float64, 0, len(baseline))
		for _, v := range baseline {
			vals = append(vals, v.Get(name))
		}
		med := median(vals)
		dev := make([]float64, len(vals))
		for i, x := range vals {
			dev[i] = math.Abs(x - med)
		}
		m.Features[name] = FeatureStats{Median: med, MAD: median(dev)}
	}
	return m, nil
}

// Score returns the worst robust z-score across features for one window.
func (m *Model) Score(v features.Vector) (float64, error) {
	if len(m.Features) == 0 {
		return 0, ErrNotFitted
	}
	worst := 0.0
	for name, st := range m.Features {
		z := math.Abs(v.Get(name)-st.Median) / (madScale*st.MAD + eps)
		if z > worst {
			worst = z
		}
	}
	return worst, nil
}

// Anomalous reports whether a window's score exceeds the threshold.
func (m *Model) Anomalous(v features.Vector) (bool, float64, error) {
	score, err := m.Score(v)
	if err != nil {
		return false, 0, err
	}
	return score >= m.Threshold, score, nil
}

// Save writes the model artifact as indented JSON.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baseline model: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write baseline model: %w", err)
	}
	return nil
}

// Load reads a baseline.json artifact.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse baseline model: %w", err)
	}
	if len(m.Features) == 0 {
		return nil, ErrNotFitted
	}
	if m.Threshold <= 0 {
		m.Threshold = DefaultThreshold
	}
	return &m, nil
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
