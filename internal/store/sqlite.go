// Package store persists the processed pipeline outputs: window
// metadata, feature vectors, discretized levels, gate decisions, ledger
// entries, and simulation results. One SQLite database per scenario run.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aisledger/internal/consensus"
	"aisledger/internal/discretize"
	"aisledger/internal/features"
	"aisledger/internal/ledger"
	"aisledger/internal/policy"
	"aisledger/internal/window"
)

const schema = `
CREATE TABLE IF NOT EXISTS windows (
    window_id       INTEGER PRIMARY KEY,
    start_ns        INTEGER NOT NULL,
    end_ns          INTEGER NOT NULL,
    message_count   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS features (
    window_id   INTEGER NOT NULL REFERENCES windows(window_id),
    name        TEXT NOT NULL,
    value       REAL NOT NULL,
    PRIMARY KEY (window_id, name)
);

CREATE TABLE IF NOT EXISTS levels (
    window_id   INTEGER NOT NULL REFERENCES windows(window_id),
    name        TEXT NOT NULL,
    level       TEXT NOT NULL CHECK (level IN ('L','M','H')),
    PRIMARY KEY (window_id, name)
);

CREATE TABLE IF NOT EXISTS decisions (
    window_id       INTEGER PRIMARY KEY REFERENCES windows(window_id),
    fired           INTEGER NOT NULL,
    fired_rules     TEXT NOT NULL,
    actions         TEXT NOT NULL,
    max_severity    INTEGER NOT NULL,
    explain         TEXT NOT NULL,
    anomaly_score   REAL NOT NULL DEFAULT 0,
    verdict         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    ordinal         INTEGER PRIMARY KEY,
    previous_hash   BLOB NOT NULL,
    hash            BLOB NOT NULL,
    window_id       INTEGER NOT NULL,
    window_start_ns INTEGER NOT NULL,
    window_end_ns   INTEGER NOT NULL,
    feature_digest  BLOB NOT NULL,
    verdict         TEXT NOT NULL,
    actions         TEXT NOT NULL,
    anomaly_score   REAL NOT NULL,
    created_at_ns   INTEGER NOT NULL,
    signature       BLOB
);

CREATE INDEX IF NOT EXISTS idx_ledger_window ON ledger_entries(window_id);

CREATE TABLE IF NOT EXISTS sim_results (
    scenario        TEXT NOT NULL,
    window_id       INTEGER NOT NULL,
    offered         REAL NOT NULL,
    admitted        REAL NOT NULL,
    processed_tps   REAL NOT NULL,
    backlog         REAL NOT NULL,
    latency_ms      REAL NOT NULL,
    dropped         REAL NOT NULL,
    policy_fired    INTEGER NOT NULL,
    overhead_mult   REAL NOT NULL,
    PRIMARY KEY (scenario, window_id)
);
`

// Store wraps the per-run SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertWindows upserts the window metadata table.
func (s *Store) InsertWindows(table []window.Window, counts map[int64]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO windows (window_id, start_ns, end_ns, message_count)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, w := range table {
		if _, err := stmt.Exec(w.ID, w.Start.UnixNano(), w.End.UnixNano(), counts[w.ID]); err != nil {
			return fmt.Errorf("insert window %d: %w", w.ID, err)
		}
	}
	return tx.Commit()
}

// GetWindows returns all windows ordered by ID.
func (s *Store) GetWindows() ([]window.Window, error) {
	rows, err := s.db.Query(`SELECT window_id, start_ns, end_ns FROM windows ORDER BY window_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []window.Window
	for rows.Next() {
		var w window.Window
		var startNs, endNs int64
		if err := rows.Scan(&w.ID, &startNs, &endNs); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.Start = time.Unix(0, startNs).UTC()
		w.End = time.Unix(0, endNs).UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return out, nil
}

// InsertFeatures upserts feature vectors.
func (s *Store) InsertFeatures(vecs []features.Vector) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO features (window_id, name, value)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range vecs {
		for _, name := range features.Names {
			if _, err := stmt.Exec(v.WindowID, name, v.Get(name)); err != nil {
				return fmt.Errorf("insert feature %s for window %d: %w", name, v.WindowID, err)
			}
		}
	}
	return tx.Commit()
}

// GetFeatures returns all feature vectors ordered by window ID.
func (s *Store) GetFeatures() ([]features.Vector, error) {
	rows, err := s.db.Query(`SELECT window_id, name, value FROM features ORDER BY window_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	defer rows.Close()

	byWindow := make(map[int64]map[string]float64)
	var order []int64
	for rows.Next() {
		var wid int64
		var name string
		var value float64
		if err := rows.Scan(&wid, &name, &value); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		if _, ok := byWindow[wid]; !ok {
			byWindow[wid] = make(map[string]float64, len(features.Names))
			order = append(order, wid)
		}
		byWindow[wid][name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}

	out := make([]features.Vector, 0, len(order))
	for _, wid := range order {
		out = append(out, features.Vector{WindowID: wid, Values: byWindow[wid]})
	}
	return out, nil
}

// InsertLevels upserts discretized feature levels.
func (s *Store) InsertLevels(rowsIn []discretize.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO levels (window_id, name, level)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rowsIn {
		for name, lvl := range r.Levels {
			if _, err := stmt.Exec(r.WindowID, name, string(lvl)); err != nil {
				return fmt.Errorf("insert level for window %d: %w", r.WindowID, err)
			}
		}
	}
	return tx.Commit()
}

// GetLevels returns discretized rows ordered by window ID.
func (s *Store) GetLevels() ([]discretize.Row, error) {
	rows, err := s.db.Query(`SELECT window_id, name, level FROM levels ORDER BY window_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query levels: %w", err)
	}
	defer rows.Close()

	byWindow := make(map[int64]map[string]discretize.Level)
	var order []int64
	for rows.Next() {
		var wid int64
		var name, lvl string
		if err := rows.Scan(&wid, &name, &lvl); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		if _, ok := byWindow[wid]; !ok {
			byWindow[wid] = make(map[string]discretize.Level)
			order = append(order, wid)
		}
		byWindow[wid][name] = discretize.Level(lvl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate levels: %w", err)
	}

	out := make([]discretize.Row, 0, len(order))
	for _, wid := range order {
		out = append(out, discretize.Row{WindowID: wid, Levels: byWindow[wid]})
	}
	return out, nil
}

// InsertDecision upserts a gate decision for a window.
func (s *Store) InsertDecision(d policy.Decision, score float64, verdict ledger.Verdict) error {
	rules, err := json.Marshal(d.FiredRules)
	if err != nil {
		return fmt.Errorf("marshal fired rules: %w", err)
	}
	actions, err := json.Marshal(d.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	explain, err := json.Marshal(d.Explain)
	if err != nil {
		return fmt.Errorf("marshal explain: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO decisions (window_id, fired, fired_rules, actions, max_severity, explain, anomaly_score, verdict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.WindowID, boolToInt(d.Fired), string(rules), string(actions), d.MaxSeverity, string(explain), score, string(verdict),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// DecisionRow is a persisted gate decision.
type DecisionRow struct {
	Decision     policy.Decision
	AnomalyScore float64
	Verdict      ledger.Verdict
}

// GetDecision retrieves the decision for one window, nil when absent.
func (s *Store) GetDecision(windowID int64) (*DecisionRow, error) {
	var (
		d                       policy.Decision
		fired                   int
		rules, actions, explain string
		row                     DecisionRow
		verdict                 string
	)
	err := s.db.QueryRow(`
		SELECT window_id, fired, fired_rules, actions, max_severity, explain, anomaly_score, verdict
		FROM decisions WHERE window_id = ?`, windowID,
	).Scan(&d.WindowID, &fired, &rules, &actions, &d.MaxSeverity, &explain, &row.AnomalyScore, &verdict)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}

	d.Fired = fired != 0
	if err := json.Unmarshal([]byte(rules), &d.FiredRules); err != nil {
		return nil, fmt.Errorf("unmarshal fired rules: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &d.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if err := json.Unmarshal([]byte(explain), &d.Explain); err != nil {
		return nil, fmt.Errorf("unmarshal explain: %w", err)
	}
	row.Decision = d
	row.Verdict = ledger.Verdict(verdict)
	return &row, nil
}

// VerdictCounts tallies persisted gate decisions by verdict.
func (s *Store) VerdictCounts() (map[ledger.Verdict]int, error) {
	rows, err := s.db.Query(`SELECT verdict, COUNT(*) FROM decisions GROUP BY verdict`)
	if err != nil {
		return nil, fmt.Errorf("count verdicts: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.Verdict]int)
	for rows.Next() {
		var (
			verdict string
			n       int
		)
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, fmt.Errorf("scan verdict count: %w", err)
		}
		out[ledger.Verdict(verdict)] = n
	}
	return out, rows.Err()
}

// AppendLedgerEntry persists one committed ledger entry.
func (s *Store) AppendLedgerEntry(e *ledger.Entry) error {
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO ledger_entries (ordinal, previous_hash, hash, window_id, window_start_ns, window_end_ns, feature_digest, verdict, actions, anomaly_score, created_at_ns, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Ordinal, e.PreviousHash[:], e.Hash[:], e.WindowID,
		e.WindowStart.UnixNano(), e.WindowEnd.UnixNano(),
		e.FeatureDigest[:], string(e.Verdict), string(actions),
		e.AnomalyScore, e.CreatedAt.UnixNano(), e.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetLedgerEntries returns the full persisted chain in ordinal order.
func (s *Store) GetLedgerEntries() ([]*ledger.Entry, error) {
	rows, err := s.db.Query(`
		SELECT ordinal, previous_hash, hash, window_id, window_start_ns, window_end_ns, feature_digest, verdict, actions, anomaly_score, created_at_ns, signature
		FROM ledger_entries ORDER BY ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return out, nil
}

// LatestLedgerEntry returns the newest entry, nil on an empty ledger.
func (s *Store) LatestLedgerEntry() (*ledger.Entry, error) {
	rows, err := s.db.Query(`
		SELECT ordinal, previous_hash, hash, window_id, window_start_ns, window_end_ns, feature_digest, verdict, actions, anomaly_score, created_at_ns, signature
		FROM ledger_entries ORDER BY ordinal DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query latest ledger entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate ledger entries: %w", err)
		}
		return nil, nil
	}
	return scanLedgerEntry(rows)
}

func scanLedgerEntry(rows *sql.Rows) (*ledger.Entry, error) {
	var (
		e                         ledger.Entry
		prevHash, hash, digest    []byte
		verdict, actions          string
		startNs, endNs, createdNs int64
	)
	if err := rows.Scan(&e.Ordinal, &prevHash, &hash, &e.WindowID, &startNs, &endNs, &digest, &verdict, &actions, &e.AnomalyScore, &createdNs, &e.Signature); err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	copy(e.PreviousHash[:], prevHash)
	copy(e.Hash[:], hash)
	copy(e.FeatureDigest[:], digest)
	e.Verdict = ledger.Verdict(verdict)
	e.WindowStart = time.Unix(0, startNs).UTC()
	e.WindowEnd = time.Unix(0, endNs).UTC()
	e.CreatedAt = time.Unix(0, createdNs).UTC()
	if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &e, nil
}

// InsertSimResults upserts a scenario's simulation rows.
func (s *Store) InsertSimResults(scenario string, simRows []consensus.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO sim_results (scenario, window_id, offered, admitted, processed_tps, backlog, latency_ms, dropped, policy_fired, overhead_mult)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range simRows {
		if _, err := stmt.Exec(scenario, r.WindowID, r.Offered, r.Admitted, r.ProcessedTPS, r.Backlog, r.LatencyMs, r.Dropped, boolToInt(r.PolicyFired), r.OverheadMult); err != nil {
			return fmt.Errorf("insert sim row for window %d: %w", r.WindowID, err)
		}
	}
	return tx.Commit()
}

// GetSimResults returns a scenario's simulation rows in window order.
func (s *Store) GetSimResults(scenario string) ([]consensus.Row, error) {
	rows, err := s.db.Query(`
		SELECT window_id, offered, admitted, processed_tps, backlog, latency_ms, dropped, policy_fired, overhead_mult
		FROM sim_results WHERE scenario = ? ORDER BY window_id ASC`, scenario)
	if err != nil {
		return nil, fmt.Errorf("query sim results: %w", err)
	}
	defer rows.Close()

	var out []consensus.Row
	for rows.Next() {
		var r consensus.Row
		var fired int
		if err := rows.Scan(&r.WindowID, &r.Offered, &r.Admitted, &r.ProcessedTPS, &r.Backlog, &r.LatencyMs, &r.Dropped, &fired, &r.OverheadMult); err != nil {
			return nil, fmt.Errorf("scan sim row: %w", err)
		}
		r.PolicyFired = fired != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sim results: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
