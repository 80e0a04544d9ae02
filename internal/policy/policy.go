// Package policy implements the declarative mitigation rule engine. A
// policy table (YAML) names numeric thresholds, rules over window
// features, and the control-plane effects of each mitigation action.
// Rules may reference other rules, which are resolved in a second
// evaluation pass.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"aisledger/internal/features"
)

var (
	ErrNoRules      = errors.New("policy: table has no rules")
	ErrUnknownRule  = errors.New("policy: clause references unknown rule")
	ErrBadClause    = errors.New("policy: clause needs either a feature or a rule reference")
	ErrUnknownOp    = errors.New("policy: unknown comparison operator")
	ErrNoThreshold  = errors.New("policy: threshold key not found")
	ErrMissingValue = errors.New("policy: feature clause needs value or threshold_key")
)

// Clause is one comparison inside a rule condition. Either Feature+Op
// with a Value or ThresholdKey, or a Rule reference to another rule's
// outcome.
type Clause struct {
	Feature      string   `yaml:"feature,omitempty" json:"feature,omitempty"`
	Op           string   `yaml:"op,omitempty" json:"op,omitempty"`
	Value        *float64 `yaml:"value,omitempty" json:"value,omitempty"`
	ThresholdKey string   `yaml:"threshold_key,omitempty" json:"threshold_key,omitempty"`
	Rule         string   `yaml:"rule,omitempty" json:"rule,omitempty"`
}

// dependsOnRule reports whether the clause resolves another rule's outcome.
func (c Clause) dependsOnRule() bool { return c.Rule != "" }

// Condition is the boolean structure of a rule: Any is an OR over
// clauses, All an AND. Exactly one should be set; an empty condition
// never fires.
type Condition struct {
	Any []Clause `yaml:"any,omitempty" json:"any,omitempty"`
	All []Clause `yaml:"all,omitempty" json:"all,omitempty"`
}

func (c Condition) clauses() []Clause {
	if len(c.Any) > 0 {
		return c.Any
	}
	return c.All
}

// Rule maps a condition on window features to mitigation actions.
type Rule struct {
	ID       string    `yaml:"id" json:"id"`
	If       Condition `yaml:"if" json:"if"`
	Then     []string  `yaml:"then" json:"then"`
	Severity int       `yaml:"severity" json:"severity"`
	Explain  string    `yaml:"explain" json:"explain"`
	Priority int       `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Effects maps a control-plane knob name to its multiplier, e.g.
// admission_rate_mult: 0.6.
type Effects map[string]float64

// Meta records where a table came from.
type Meta struct {
	Source    string             `yaml:"source,omitempty" json:"source,omitempty"`
	Quantiles map[string]float64 `yaml:"quantiles,omitempty" json:"quantiles,omitempty"`
}

// Table is the full policy artifact.
type Table struct {
	Meta          Meta               `yaml:"meta,omitempty" json:"meta,omitempty"`
	Thresholds    map[string]float64 `yaml:"thresholds" json:"thresholds"`
	Rules         []Rule             `yaml:"rules" json:"rules"`
	ActionEffects map[string]Effects `yaml:"action_effects" json:"action_effects"`
}

// Load reads a policy table from YAML.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse policy table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save writes the table as YAML.
func (t *Table) Save(path string) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode policy table: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write policy table: %w", err)
	}
	return nil
}

// Validate checks structural integrity: rule IDs are unique, clause
// references resolve, operators and threshold keys exist.
func (t *Table) Validate() error {
	if len(t.Rules) == 0 {
		return ErrNoRules
	}
	ids := make(map[string]struct{}, len(t.Rules))
	for _, r := range t.Rules {
		if r.ID == "" {
			return errors.New("policy: rule without id")
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		ids[r.ID] = struct{}{}
	}
	for _, r := range t.Rules {
		if len(r.If.Any) > 0 && len(r.If.All) > 0 {
			return fmt.Errorf("policy: rule %q mixes any and all", r.ID)
		}
		for _, c := range r.If.clauses() {
			if c.dependsOnRule() {
				if _, ok := ids[c.Rule]; !ok {
					return fmt.Errorf("%w: %q in rule %q", ErrUnknownRule, c.Rule, r.ID)
				}
				continue
			}
			if c.Feature == "" {
				return fmt.Errorf("%w (rule %q)", ErrBadClause, r.ID)
			}
			if !validOp(c.Op) {
				return fmt.Errorf("%w: %q (rule %q)", ErrUnknownOp, c.Op, r.ID)
			}
			if c.Value == nil && c.ThresholdKey == "" {
				return fmt.Errorf("%w (rule %q, feature %s)", ErrMissingValue, r.ID, c.Feature)
			}
			if c.ThresholdKey != "" {
				if _, ok := t.Thresholds[c.ThresholdKey]; !ok {
					return fmt.Errorf("%w: %q (rule %q)", ErrNoThreshold, c.ThresholdKey, r.ID)
				}
			}
		}
	}
	return nil
}

func validOp(op string) bool {
	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
		return true
	}
	return false
}

func compare(a float64, op string, b float64) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

// Explanation pairs a fired rule with its human-readable reason.
type Explanation struct {
	Rule string `json:"rule"`
	Why  string `json:"why"`
}

// Decision is the policy outcome for one window. Actions are deduplicated
// in firing order (rules sorted by ascending priority).
type Decision struct {
	WindowID    int64         `json:"window_id"`
	Fired       bool          `json:"fired"`
	FiredRules  []string      `json:"fired_rules,omitempty"`
	Actions     []string      `json:"actions,omitempty"`
	MaxSeverity int           `json:"max_severity"`
	Explain     []Explanation `json:"explain,omitempty"`
}

// Evaluate runs the table over a batch of feature vectors. Rules that do
// not reference other rules fire in the first pass; rule-dependent rules
// resolve against those outcomes in the second pass.
func (t *Table) Evaluate(vecs []features.Vector) ([]Decision, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	fired := make(map[string][]bool, len(t.Rules))
	for _, r := range t.Rules {
		fired[r.ID] = make([]bool, len(vecs))
	}

	for pass := 1; pass <= 2; pass++ {
		for _, r := range t.Rules {
			hasDep := false
			for _, c := range r.If.clauses() {
				if c.dependsOnRule() {
					hasDep = true
					break
				}
			}
			if (pass == 1) == hasDep {
				continue
			}
			for i, v := range vecs {
				ok, err := t.evalCondition(r.If, v, fired, i)
				if err != nil {
					return nil, fmt.Errorf("rule %q: %w", r.ID, err)
				}
				fired[r.ID][i] = ok
			}
		}
	}

	byPriority := make([]Rule, len(t.Rules))
	copy(byPriority, t.Rules)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].Priority < byPriority[j].Priority
	})

	out := make([]Decision, 0, len(vecs))
	for i, v := range vecs {
		d := Decision{WindowID: v.WindowID}
		seen := make(map[string]struct{})
		for _, r := range byPriority {
			if !fired[r.ID][i] {
				continue
			}
			d.FiredRules = append(d.FiredRules, r.ID)
			d.Explain = append(d.Explain, Explanation{Rule: r.ID, Why: r.Explain})
			if r.Severity > d.MaxSeverity {
				d.MaxSeverity = r.Severity
			}
			for _, a := range r.Then {
				if _, dup := seen[a]; dup {
					continue
				}
				seen[a] = struct{}{}
				d.Actions = append(d.Actions, a)
			}
		}
		d.Fired = len(d.Actions) > 0
		out = append(out, d)
	}
	return out, nil
}

func (t *Table) evalCondition(cond Condition, v features.Vector, fired map[string][]bool, i int) (bool, error) {
	eval := func(c Clause) (bool, error) {
		if c.dependsOnRule() {
			return fired[c.Rule][i], nil
		}
		b := 0.0
		switch {
		case c.ThresholdKey != "":
			b = t.Thresholds[c.ThresholdKey]
		case c.Value != nil:
			b = *c.Value
		default:
			return false, ErrMissingValue
		}
		return compare(v.Get(c.Feature), c.Op, b), nil
	}

	if len(cond.Any) > 0 {
		for _, c := range cond.Any {
			ok, err := eval(c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if len(cond.All) > 0 {
		for _, c := range cond.All {
			ok, err := eval(c)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return false, nil
}

// AggregateEffects holds the combined control multipliers of a
// decision's actions. Admission and overhead multipliers compose
// multiplicatively while the drop share takes the strongest action.
type AggregateEffects struct {
	AdmissionMult float64
	OverheadMult  float64
	DropShare     float64
}

// Aggregate folds a decision's actions into combined control effects.
func (t *Table) Aggregate(d Decision) AggregateEffects {
	agg := AggregateEffects{AdmissionMult: 1, OverheadMult: 1}
	for _, a := range d.Actions {
		eff, ok := t.ActionEffects[a]
		if !ok {
			continue
		}
		if m, ok := eff["admission_rate_mult"]; ok {
			agg.AdmissionMult *= m
		}
		if m, ok := eff["consensus_overhead_mult"]; ok {
			agg.OverheadMult *= m
		}
		if m, ok := eff["drop_new_mmsi_mult"]; ok {
			if share := 1 - m; share > agg.DropShare {
				agg.DropShare = share
			}
		}
		if m, ok := eff["drop_suspicious_mult"]; ok {
			if share := 1 - m; share > agg.DropShare {
				agg.DropShare = share
			}
		}
	}
	return agg
}
