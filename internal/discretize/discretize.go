// Package discretize turns continuous feature values into three-level
// symbols (L/M/H) using per-feature quantile thresholds, and one-hot
// encodes the symbols for downstream policy tables.
package discretize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"aisledger/internal/features"
	"aisledger/internal/window"
)

// Level is a discrete feature symbol.
type Level string

const (
	Low    Level = "L"
	Medium Level = "M"
	High   Level = "H"
)

var (
	ErrNoVectors     = errors.New("discretize: no feature vectors")
	ErrEmptyFitRange = errors.New("discretize: explicit fit range selects no windows")
	ErrNoOrder       = errors.New("discretize: empty feature order")
)

// FitOn selects which windows contribute to the quantile fit.
type FitOn string

const (
	FitOnClean         FitOn = "clean"
	FitOnExplicitRange FitOn = "explicit_range"
)

// Config holds the discretization parameters.
type Config struct {
	QLow  float64 `yaml:"q_low" json:"q_low" toml:"q_low"`
	QHigh float64 `yaml:"q_high" json:"q_high" toml:"q_high"`
	FitOn FitOn   `yaml:"fit_on" json:"fit_on" toml:"fit_on"`
	// Bounds of the normal range when FitOn is explicit_range.
	RangeStart time.Time `yaml:"-" json:"-" toml:"-"`
	RangeEnd   time.Time `yaml:"-" json:"-" toml:"-"`
}

// DefaultConfig returns the tertile split fitted on all windows.
func DefaultConfig() Config {
	return Config{QLow: 0.33, QHigh: 0.66, FitOn: FitOnClean}
}

// Thresholds holds the low/high cut points for one feature.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Degenerate reports whether the cut points cannot split the value range
// into three bins.
func (t Thresholds) Degenerate() bool {
	return math.IsNaN(t.Low) || math.IsNaN(t.High) || t.Low >= t.High
}

// Quantiles maps feature name to fitted thresholds. It is the artifact
// persisted as quantiles.json.
type Quantiles map[string]Thresholds

// Fit computes per-feature quantile thresholds from the configured window
// subset. With FitOnExplicitRange, only windows fully inside
// [RangeStart, RangeEnd] contribute; an empty selection is an error.
func Fit(vecs []features.Vector, table []window.Window, cfg Config) (Quantiles, error) {
	if len(vecs) == 0 {
		return nil, ErrNoVectors
	}
	if cfg.QLow <= 0 || cfg.QHigh >= 1 || cfg.QLow >= cfg.QHigh {
		return nil, fmt.Errorf("discretize: bad quantile pair (%v, %v)", cfg.QLow, cfg.QHigh)
	}

	fit := vecs
	if cfg.FitOn == FitOnExplicitRange {
		bounds := make(map[int64]window.Window, len(table))
		for _, w := range table {
			bounds[w.ID] = w
		}
		fit = fit[:0:0]
		for _, v := range vecs {
			w, ok := bounds[v.WindowID]
			if !ok {
				continue
			}
			if !w.Start.Before(cfg.RangeStart) && !w.End.After(cfg.RangeEnd) {
				fit = append(fit, v)
			}
		}
		if len(fit) == 0 {
			return nil, ErrEmptyFitRange
		}
	}

	q := make(Quantiles, len(features.Names))
	for _, name := range features.Names {
		vals := make([]float64, 0, len(fit))
		for _, v := range fit {
			vals = append(vals, v.Get(name))
		}
		q[name] = Thresholds{
			Low:  quantile(vals, cfg.QLow),
			High: quantile(vals, cfg.QHigh),
		}
	}
	return q, nil
}

// quantile returns the linearly interpolated q-th quantile of vals.
func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)

	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}

// LevelOf maps one value to L/M/H under the feature's thresholds. With
// degenerate thresholds the value defaults to Medium, shifting to Low or
// High only when strictly outside the cut points.
func LevelOf(v float64, t Thresholds) Level {
	if t.Degenerate() {
		switch {
		case !math.IsNaN(t.Low) && v < t.Low:
			return Low
		case !math.IsNaN(t.High) && v > t.High:
			return High
		default:
			return Medium
		}
	}
	switch {
	case v <= t.Low:
		return Low
	case v <= t.High:
		return Medium
	default:
		return High
	}
}

// Row is the discretized form of one window's feature vector.
type Row struct {
	WindowID int64
	Levels   map[string]Level
}

// Apply discretizes every vector under the fitted quantiles.
func Apply(vecs []features.Vector, q Quantiles) ([]Row, error) {
	if len(vecs) == 0 {
		return nil, ErrNoVectors
	}
	out := make([]Row, 0, len(vecs))
	for _, v := range vecs {
		levels := make(map[string]Level, len(features.Names))
		for _, name := range features.Names {
			t, ok := q[name]
			if !ok {
				return nil, fmt.Errorf("discretize: no thresholds fitted for %s", name)
			}
			levels[name] = LevelOf(v.Get(name), t)
		}
		out = append(out, Row{WindowID: v.WindowID, Levels: levels})
	}
	return out, nil
}

// OneHot expands discretized rows into 0/1 indicator columns named
// <feature>_L, <feature>_M, <feature>_H, following the given feature
// order. Column order is stable: three indicators per feature.
func OneHot(rows []Row, order []string) (columns []string, data [][]int, err error) {
	if len(order) == 0 {
		return nil, nil, ErrNoOrder
	}
	columns = make([]string, 0, len(order)*3)
	for _, f := range order {
		columns = append(columns, f+"_L", f+"_M", f+"_H")
	}

	data = make([][]int, len(rows))
	for i, r := range rows {
		row := make([]int, len(columns))
		for j, f := range order {
			lvl, ok := r.Levels[f]
			if !ok {
				return nil, nil, fmt.Errorf("discretize: window %d has no level for %s", r.WindowID, f)
			}
			switch lvl {
			case Low:
				row[j*3] = 1
			case Medium:
				row[j*3+1] = 1
			case High:
				row[j*3+2] = 1
			default:
				return nil, nil, fmt.Errorf("discretize: window %d has invalid level %q for %s", r.WindowID, lvl, f)
			}
		}
		data[i] = row
	}
	return columns, data, nil
}

// Save writes the quantile artifact as indented JSON.
func (q Quantiles) Save(path string) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quantiles: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write quantiles: %w", err)
	}
	return nil
}

// LoadQuantiles reads a quantiles.json artifact.
func LoadQuantiles(path string) (Quantiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quantiles: %w", err)
	}
	var q Quantiles
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parse quantiles: %w", err)
	}
	if len(q) == 0 {
		return nil, fmt.Errorf("quantiles artifact %s is empty", path)
	}
	return q, nil
}
