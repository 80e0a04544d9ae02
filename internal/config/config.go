// Package config handles configuration loading and validation for the
// AIS ledger pipeline and daemon. Config files may be YAML, TOML, or
// JSON; a handful of environment variables override file settings for
// containerized runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aisledger/internal/ais"
	"aisledger/internal/consensus"
	"aisledger/internal/discretize"
	"aisledger/internal/features"
	"aisledger/internal/inject"
)

// Version is the current config schema version.
const Version = 1

// ProjectConfig names the run's inputs and output directories.
type ProjectConfig struct {
	RawPath      string `yaml:"raw_path" json:"raw_path" toml:"raw_path"`
	ProcessedDir string `yaml:"processed_dir" json:"processed_dir" toml:"processed_dir"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir" toml:"artifacts_dir"`
	ResultsDir   string `yaml:"results_dir" json:"results_dir" toml:"results_dir"`
	Port         string `yaml:"port" json:"port" toml:"port"`
	Seed         int64  `yaml:"seed" json:"seed" toml:"seed"`
}

// TimeConfig controls windowing.
type TimeConfig struct {
	DtMinutes int    `yaml:"dt_minutes" json:"dt_minutes" toml:"dt_minutes"`
	Timezone  string `yaml:"timezone" json:"timezone" toml:"timezone"`
	// T0 pins the window origin (RFC 3339); empty means the first
	// message timestamp.
	T0 string `yaml:"t0" json:"t0" toml:"t0"`
}

// PortFilterConfig controls the spatial filter.
type PortFilterConfig struct {
	PortsFile    string    `yaml:"ports_file" json:"ports_file" toml:"ports_file"`
	UsePolygon   bool      `yaml:"use_polygon" json:"use_polygon" toml:"use_polygon"`
	BBoxOverride []float64 `yaml:"bbox_override" json:"bbox_override" toml:"bbox_override"`
}

// GridConfig sets the density grid resolution.
type GridConfig struct {
	NX int `yaml:"nx" json:"nx" toml:"nx"`
	NY int `yaml:"ny" json:"ny" toml:"ny"`
}

// NormalRange bounds the benign fit window (RFC 3339 timestamps).
type NormalRange struct {
	StartTS string `yaml:"start_ts" json:"start_ts" toml:"start_ts"`
	EndTS   string `yaml:"end_ts" json:"end_ts" toml:"end_ts"`
}

// DiscretizationConfig holds the L/M/H split parameters.
type DiscretizationConfig struct {
	QLow        float64     `yaml:"q_low" json:"q_low" toml:"q_low"`
	QHigh       float64     `yaml:"q_high" json:"q_high" toml:"q_high"`
	FitOn       string      `yaml:"fit_on" json:"fit_on" toml:"fit_on"`
	NormalRange NormalRange `yaml:"normal_range" json:"normal_range" toml:"normal_range"`
}

// EncodingConfig controls one-hot output.
type EncodingConfig struct {
	FeatureOrder []string `yaml:"feature_order" json:"feature_order" toml:"feature_order"`
}

// AnomalyConfig parameterizes the robust baseline model.
type AnomalyConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold" toml:"threshold"`
}

// LedgerConfig names the authority key material.
type LedgerConfig struct {
	KeyPath       string `yaml:"key_path" json:"key_path" toml:"key_path"`
	PublicKeyPath string `yaml:"public_key_path" json:"public_key_path" toml:"public_key_path"`
}

// DaemonConfig controls the gating daemon.
type DaemonConfig struct {
	DropDir    string `yaml:"drop_dir" json:"drop_dir" toml:"drop_dir"`
	DBPath     string `yaml:"db_path" json:"db_path" toml:"db_path"`
	PolicyPath string `yaml:"policy_path" json:"policy_path" toml:"policy_path"`
	DebounceMs int    `yaml:"debounce_ms" json:"debounce_ms" toml:"debounce_ms"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" toml:"listen_addr"`
}

// LoggingConfig mirrors the logging package options.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
	Output string `yaml:"output" json:"output" toml:"output"`
}

// Config is the full configuration tree.
type Config struct {
	Version        int                  `yaml:"version" json:"version" toml:"version"`
	Project        ProjectConfig        `yaml:"project" json:"project" toml:"project"`
	SchemaMapping  ais.SchemaMapping    `yaml:"schema_mapping" json:"schema_mapping" toml:"schema_mapping"`
	Time           TimeConfig           `yaml:"time" json:"time" toml:"time"`
	PortFilter     PortFilterConfig     `yaml:"port_filter" json:"port_filter" toml:"port_filter"`
	Grid           GridConfig           `yaml:"grid" json:"grid" toml:"grid"`
	Features       features.Config      `yaml:"features" json:"features" toml:"features"`
	Discretization DiscretizationConfig `yaml:"discretization" json:"discretization" toml:"discretization"`
	Encoding       EncodingConfig       `yaml:"encoding" json:"encoding" toml:"encoding"`
	Experiments    inject.Config        `yaml:"experiments" json:"experiments" toml:"experiments"`
	Network        consensus.Params     `yaml:"network" json:"network" toml:"network"`
	Anomaly        AnomalyConfig        `yaml:"anomaly" json:"anomaly" toml:"anomaly"`
	Ledger         LedgerConfig         `yaml:"ledger" json:"ledger" toml:"ledger"`
	Daemon         DaemonConfig         `yaml:"daemon" json:"daemon" toml:"daemon"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging" toml:"logging"`
}

// DefaultConfig returns the reference configuration for the Busan runs.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Project: ProjectConfig{
			RawPath:      "data/raw/ais.csv",
			ProcessedDir: "data/processed",
			ArtifactsDir: "artifacts",
			ResultsDir:   "results",
			Port:         "busan",
			Seed:         42,
		},
		SchemaMapping: ais.DefaultSchemaMapping(),
		Time: TimeConfig{
			DtMinutes: 5,
			Timezone:  "UTC",
		},
		PortFilter: PortFilterConfig{
			PortsFile: "configs/ports.yaml",
		},
		Grid:     GridConfig{NX: 10, NY: 10},
		Features: features.DefaultConfig(),
		Discretization: DiscretizationConfig{
			QLow:  0.33,
			QHigh: 0.66,
			FitOn: string(discretize.FitOnClean),
		},
		Encoding:    EncodingConfig{FeatureOrder: append([]string(nil), features.Names...)},
		Experiments: inject.DefaultConfig(),
		Network:     consensus.DefaultParams(),
		Anomaly:     AnomalyConfig{Threshold: 6.0},
		Ledger: LedgerConfig{
			KeyPath: "keys/authority.key",
		},
		Daemon: DaemonConfig{
			DropDir:    "data/incoming",
			DBPath:     "data/aisledger.db",
			PolicyPath: "artifacts/policy_table.yaml",
			DebounceMs: 500,
			ListenAddr: ":9645",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ApplyEnvOverrides applies AISLEDGER_* environment variables on top of
// file settings.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AISLEDGER_RAW_PATH"); v != "" {
		c.Project.RawPath = v
	}
	if v := os.Getenv("AISLEDGER_PORT"); v != "" {
		c.Project.Port = v
	}
	if v := os.Getenv("AISLEDGER_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Project.Seed = n
		}
	}
	if v := os.Getenv("AISLEDGER_DB_PATH"); v != "" {
		c.Daemon.DBPath = v
	}
	if v := os.Getenv("AISLEDGER_DROP_DIR"); v != "" {
		c.Daemon.DropDir = v
	}
	if v := os.Getenv("AISLEDGER_LISTEN_ADDR"); v != "" {
		c.Daemon.ListenAddr = v
	}
	if v := os.Getenv("AISLEDGER_KEY_PATH"); v != "" {
		c.Ledger.KeyPath = v
	}
	if v := os.Getenv("AISLEDGER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AISLEDGER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Dt returns the window width.
func (c *Config) Dt() time.Duration {
	return time.Duration(c.Time.DtMinutes) * time.Minute
}

// T0 parses the configured window origin; nil when unset.
func (c *Config) T0() (*time.Time, error) {
	if c.Time.T0 == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.Time.T0)
	if err != nil {
		return nil, fmt.Errorf("config: parse time.t0: %w", err)
	}
	u := t.UTC()
	return &u, nil
}

// DiscretizeConfig resolves the discretization section into the
// package-level config, parsing the normal range when required.
func (c *Config) DiscretizeConfig() (discretize.Config, error) {
	dc := discretize.Config{
		QLow:  c.Discretization.QLow,
		QHigh: c.Discretization.QHigh,
		FitOn: discretize.FitOn(c.Discretization.FitOn),
	}
	if dc.FitOn == discretize.FitOnExplicitRange {
		start, err := time.Parse(time.RFC3339, c.Discretization.NormalRange.StartTS)
		if err != nil {
			return dc, fmt.Errorf("config: parse discretization.normal_range.start_ts: %w", err)
		}
		end, err := time.Parse(time.RFC3339, c.Discretization.NormalRange.EndTS)
		if err != nil {
			return dc, fmt.Errorf("config: parse discretization.normal_range.end_ts: %w", err)
		}
		dc.RangeStart, dc.RangeEnd = start.UTC(), end.UTC()
	}
	return dc, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	var errs []string
	add := func(field, msg string) { errs = append(errs, field+": "+msg) }

	if c.Version < 1 || c.Version > Version {
		add("version", fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version))
	}
	if c.Project.Port == "" {
		add("project.port", "port name is required")
	}
	if c.Time.DtMinutes <= 0 {
		add("time.dt_minutes", "must be positive")
	}
	if _, err := c.T0(); err != nil {
		add("time.t0", "must be RFC 3339")
	}
	if c.Grid.NX <= 0 || c.Grid.NY <= 0 {
		add("grid", "nx and ny must be positive")
	}
	if n := len(c.PortFilter.BBoxOverride); n != 0 && n != 4 {
		add("port_filter.bbox_override", "must have exactly 4 values")
	}
	if c.Features.LookbackK <= 0 {
		add("features.lookback_K", "must be positive")
	}
	if c.Features.BurstBaselineWindows <= 0 {
		add("features.burst_baseline_windows", "must be positive")
	}
	if q := c.Discretization; q.QLow <= 0 || q.QHigh >= 1 || q.QLow >= q.QHigh {
		add("discretization", fmt.Sprintf("bad quantile pair (%v, %v)", q.QLow, q.QHigh))
	}
	switch discretize.FitOn(c.Discretization.FitOn) {
	case discretize.FitOnClean:
	case discretize.FitOnExplicitRange:
		if _, err := c.DiscretizeConfig(); err != nil {
			add("discretization.normal_range", "start_ts and end_ts must be RFC 3339")
		}
	default:
		add("discretization.fit_on", fmt.Sprintf("unknown mode %q", c.Discretization.FitOn))
	}
	if len(c.Encoding.FeatureOrder) == 0 {
		add("encoding.feature_order", "must not be empty")
	}
	switch c.Experiments.Scenario {
	case "", "S0", "S1", "S2", "S3":
	default:
		add("experiments.scenario", fmt.Sprintf("unknown scenario %q", c.Experiments.Scenario))
	}
	if c.Network.BaseCapacityTPS <= 0 || c.Network.BaseOfferedPerWindow <= 0 {
		add("network", "base capacity and offered load must be positive")
	}
	if c.Anomaly.Threshold <= 0 {
		add("anomaly.threshold", "must be positive")
	}
	if c.Daemon.DebounceMs < 0 {
		add("daemon.debounce_ms", "must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.PortFilter.BBoxOverride = append([]float64(nil), c.PortFilter.BBoxOverride...)
	out.Encoding.FeatureOrder = append([]string(nil), c.Encoding.FeatureOrder...)
	return &out
}

// SaveConfig writes a config as YAML.
func SaveConfig(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
