// Package gate decides whether a window's traffic is admitted to the
// ledger as approved. A window is rejected when the policy engine fires
// or the robust anomaly score crosses the model threshold; rejection
// carries the mitigation actions the policy selected.
package gate

import (
	"errors"

	"aisledger/internal/anomaly"
	"aisledger/internal/features"
	"aisledger/internal/ledger"
	"aisledger/internal/policy"
)

var ErrNotConfigured = errors.New("gate: policy table and anomaly model required")

// Gate evaluates windows against the calibrated policy table and the
// fitted baseline model.
type Gate struct {
	table *policy.Table
	model *anomaly.Model
}

// New builds a gate. Both inputs are required.
func New(table *policy.Table, model *anomaly.Model) (*Gate, error) {
	if table == nil || model == nil {
		return nil, ErrNotConfigured
	}
	return &Gate{table: table, model: model}, nil
}

// Result is the full gate outcome for one window.
type Result struct {
	Decision     policy.Decision
	AnomalyScore float64
	Verdict      ledger.Verdict
}

// Check evaluates a single window vector.
func (g *Gate) Check(v features.Vector) (Result, error) {
	decisions, err := g.table.Evaluate([]features.Vector{v})
	if err != nil {
		return Result{}, err
	}
	anomalous, score, err := g.model.Anomalous(v)
	if err != nil {
		return Result{}, err
	}

	r := Result{Decision: decisions[0], AnomalyScore: score}
	if r.Decision.Fired || anomalous {
		r.Verdict = ledger.VerdictRejected
	} else {
		r.Verdict = ledger.VerdictApproved
	}
	return r, nil
}

// CheckAll evaluates a batch of windows in order.
func (g *Gate) CheckAll(vecs []features.Vector) ([]Result, error) {
	out := make([]Result, 0, len(vecs))
	for _, v := range vecs {
		r, err := g.Check(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
