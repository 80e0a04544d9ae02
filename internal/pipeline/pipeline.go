// Package pipeline orchestrates the offline run: load raw AIS data,
// filter to the port area, assign windows, apply scenario injection,
// map positions onto the density grid, compute window features, and
// discretize them. Results are persisted to the run store and the
// artifact files downstream stages consume.
package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"aisledger/internal/ais"
	"aisledger/internal/config"
	"aisledger/internal/discretize"
	"aisledger/internal/features"
	"aisledger/internal/geo"
	"aisledger/internal/inject"
	"aisledger/internal/logging"
	"aisledger/internal/ports"
	"aisledger/internal/store"
	"aisledger/internal/window"
)

// Pipeline runs the offline processing stages for one configuration.
type Pipeline struct {
	cfg  *config.Config
	log  *logging.Logger
	reg  ports.Registry
	bbox geo.BBox
}

// New resolves the port registry and bounding box for the configured
// port.
func New(cfg *config.Config, log *logging.Logger) (*Pipeline, error) {
	if log == nil {
		log = logging.Default()
	}
	reg, err := ports.LoadRegistry(cfg.PortFilter.PortsFile)
	if err != nil {
		return nil, err
	}
	bbox, err := reg.ResolveBBox(cfg.Project.Port, cfg.PortFilter.BBoxOverride)
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, log: log.WithComponent("pipeline"), reg: reg, bbox: bbox}, nil
}

// BBox returns the resolved port bounding box.
func (p *Pipeline) BBox() geo.BBox { return p.bbox }

// Result carries everything a run produced.
type Result struct {
	T0        time.Time
	Messages  []ais.Message
	Windows   []window.Window
	Counts    map[int64]int
	Vectors   []features.Vector
	Quantiles discretize.Quantiles
	Rows      []discretize.Row
	Columns   []string
	OneHot    [][]int

	LoadStats ais.LoadStats
	Injection inject.Report
}

// Run executes the full stage sequence.
func (p *Pipeline) Run() (*Result, error) {
	msgs, stats, err := ais.Load(p.cfg.Project.RawPath, p.cfg.SchemaMapping, p.cfg.Time.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load raw data: %w", err)
	}
	p.log.Info("raw data loaded",
		"path", p.cfg.Project.RawPath,
		"rows", stats.RawRows, "kept", stats.Kept,
		"dropped", stats.DroppedNaN+stats.DroppedOutOfRange)

	msgs, err = p.reg.Filter(msgs, p.cfg.Project.Port, ports.FilterOptions{
		UsePolygon:   p.cfg.PortFilter.UsePolygon,
		BBoxOverride: p.cfg.PortFilter.BBoxOverride,
	})
	if err != nil {
		return nil, fmt.Errorf("port filter: %w", err)
	}
	p.log.Info("port filter applied", "port", p.cfg.Project.Port, "kept", len(msgs))

	configuredT0, err := p.cfg.T0()
	if err != nil {
		return nil, err
	}
	msgs, t0, err := window.Assign(msgs, p.cfg.Dt(), configuredT0)
	if err != nil {
		return nil, fmt.Errorf("assign windows: %w", err)
	}

	injCfg := p.cfg.Experiments
	injCfg.Seed = p.cfg.Project.Seed
	msgs, report, err := inject.Apply(msgs, p.bbox, injCfg)
	if err != nil {
		return nil, fmt.Errorf("scenario injection: %w", err)
	}
	if report.Scenario != "" && report.Scenario != "S0" {
		p.log.Info("scenario injected",
			"scenario", report.Scenario,
			"new_mmsis", report.NewMMSIs,
			"injected", report.Injected,
			"displaced", report.DisplacedFixes)
	}

	p.assignGrid(msgs)

	table, err := window.BuildTable(msgs, p.cfg.Dt())
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(table))
	for _, m := range msgs {
		counts[m.WindowID]++
	}

	vecs, err := features.Compute(msgs, p.cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("compute features: %w", err)
	}

	dcfg, err := p.cfg.DiscretizeConfig()
	if err != nil {
		return nil, err
	}
	quantiles, err := discretize.Fit(vecs, table, dcfg)
	if err != nil {
		return nil, fmt.Errorf("fit discretization: %w", err)
	}
	rows, err := discretize.Apply(vecs, quantiles)
	if err != nil {
		return nil, err
	}
	columns, onehot, err := discretize.OneHot(rows, p.cfg.Encoding.FeatureOrder)
	if err != nil {
		return nil, err
	}

	p.log.Info("pipeline complete",
		"windows", len(table), "vectors", len(vecs), "onehot_columns", len(columns))

	return &Result{
		T0:        t0,
		Messages:  msgs,
		Windows:   table,
		Counts:    counts,
		Vectors:   vecs,
		Quantiles: quantiles,
		Rows:      rows,
		Columns:   columns,
		OneHot:    onehot,
		LoadStats: stats,
		Injection: report,
	}, nil
}

// assignGrid fills GX/GY for every message. Injected and displaced
// fixes arrive with -1 cells; displaced ones may sit outside the bbox,
// so indices are clamped.
func (p *Pipeline) assignGrid(msgs []ais.Message) {
	nx, ny := p.cfg.Grid.NX, p.cfg.Grid.NY
	for i := range msgs {
		gx, gy, ok := geo.GridIndex(msgs[i].Lat, msgs[i].Lon, p.bbox, nx, ny, true)
		if !ok {
			gx, gy = 0, 0
		}
		msgs[i].GX, msgs[i].GY = gx, gy
	}
}

// Persist writes the run's tables into the store.
func (p *Pipeline) Persist(res *Result, s *store.Store) error {
	if err := s.InsertWindows(res.Windows, res.Counts); err != nil {
		return fmt.Errorf("persist windows: %w", err)
	}
	if err := s.InsertFeatures(res.Vectors); err != nil {
		return fmt.Errorf("persist features: %w", err)
	}
	if err := s.InsertLevels(res.Rows); err != nil {
		return fmt.Errorf("persist levels: %w", err)
	}
	return nil
}

// WriteArtifacts writes the file artifacts: the discretization
// thresholds, the window origin, and the processed CSV tables.
func (p *Pipeline) WriteArtifacts(res *Result) error {
	artifacts := p.cfg.Project.ArtifactsDir
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		return err
	}
	if err := res.Quantiles.Save(filepath.Join(artifacts, "quantiles.json")); err != nil {
		return err
	}
	t0Path := filepath.Join(artifacts, "t0.txt")
	if err := os.WriteFile(t0Path, []byte(res.T0.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write t0: %w", err)
	}

	processed := p.cfg.Project.ProcessedDir
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return err
	}
	if err := writeFeatureCSV(filepath.Join(processed, "features.csv"), res.Vectors); err != nil {
		return err
	}
	if err := writeOneHotCSV(filepath.Join(processed, "onehot.csv"), res.Rows, res.Columns, res.OneHot); err != nil {
		return err
	}
	return nil
}

func writeFeatureCSV(path string, vecs []features.Vector) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"window_id"}, features.Names...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, v := range vecs {
		row := make([]string, 0, len(header))
		row = append(row, strconv.FormatInt(v.WindowID, 10))
		for _, name := range features.Names {
			row = append(row, strconv.FormatFloat(v.Get(name), 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeOneHotCSV(path string, rows []discretize.Row, columns []string, data [][]int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"window_id"}, columns...)); err != nil {
		return err
	}
	for i, bits := range data {
		row := make([]string, 0, len(columns)+1)
		row = append(row, strconv.FormatInt(rows[i].WindowID, 10))
		for _, b := range bits {
			row = append(row, strconv.Itoa(b))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
