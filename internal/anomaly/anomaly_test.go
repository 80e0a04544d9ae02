package anomaly

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"aisledger/internal/features"
)

func vec(id int64, f2 float64) features.Vector {
	vals := map[string]float64{}
	for _, n := range features.Names {
		vals[n] = 1.0
	}
	vals[features.F2NewMMSIRate] = f2
	return features.Vector{WindowID: id, Values: vals}
}

func fitTestModel(t *testing.T) *Model {
	t.Helper()
	baseline := make([]features.Vector, 0, 20)
	for i := 0; i < 20; i++ {
		baseline = append(baseline, vec(int64(i), 0.1+0.01*float64(i%5)))
	}
	m, err := Fit(baseline, 0)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	return m
}

func TestFitEmpty(t *testing.T) {
	_, err := Fit(nil, 0)
	if !errors.Is(err, ErrNoBaseline) {
		t.Errorf("expected ErrNoBaseline, got %v", err)
	}
}

func TestFitDefaults(t *testing.T) {
	m := fitTestModel(t)
	if m.Threshold != DefaultThreshold {
		t.Errorf("threshold = %v, want default", m.Threshold)
	}
	if m.FitCount != 20 {
		t.Errorf("fit count = %d", m.FitCount)
	}
	if len(m.Features) != len(features.Names) {
		t.Errorf("expected stats for every feature, got %d", len(m.Features))
	}
}

func TestScoreBenignLow(t *testing.T) {
	m := fitTestModel(t)
	score, err := m.Score(vec(100, 0.12))
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score >= m.Threshold {
		t.Errorf("benign window scored %v, above threshold %v", score, m.Threshold)
	}
}

func TestScoreAttackHigh(t *testing.T) {
	m := fitTestModel(t)
	anomalous, score, err := m.Anomalous(vec(101, 50))
	if err != nil {
		t.Fatalf("Anomalous failed: %v", err)
	}
	if !anomalous {
		t.Errorf("flood window scored %v, expected above %v", score, m.Threshold)
	}
}

func TestScoreConstantFeature(t *testing.T) {
	// All baseline values identical: MAD is 0, eps keeps scores finite.
	baseline := []features.Vector{vec(0, 0.5), vec(1, 0.5)}
	m, err := Fit(baseline, 0)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	score, err := m.Score(vec(2, 0.5))
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		t.Errorf("score must stay finite, got %v", score)
	}
	if score != 0 {
		t.Errorf("identical window should score 0, got %v", score)
	}
}

func TestScoreUnfitted(t *testing.T) {
	var m Model
	if _, err := m.Score(vec(0, 1)); !errors.Is(err, ErrNotFitted) {
		t.Errorf("expected ErrNotFitted, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := fitTestModel(t)
	path := filepath.Join(t.TempDir(), "baseline.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Threshold != m.Threshold || got.FitCount != m.FitCount {
		t.Errorf("metadata mismatch: %+v", got)
	}
	want := m.Features[features.F2NewMMSIRate]
	if got.Features[features.F2NewMMSIRate] != want {
		t.Errorf("stats mismatch: %+v", got.Features[features.F2NewMMSIRate])
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("odd median = %v", got)
	}
	if got := median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Errorf("even median = %v", got)
	}
	if !math.IsNaN(median(nil)) {
		t.Error("empty median should be NaN")
	}
}
