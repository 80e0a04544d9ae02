// Package ports loads the port registry (ports.yaml) and filters AIS
// messages to a port's bounding box or polygon.
package ports

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"aisledger/internal/ais"
	"aisledger/internal/geo"
)

var ErrUnknownPort = errors.New("ports: port not found in registry")

// Port is one registry entry. BBox uses [min_lon, min_lat, max_lon,
// max_lat] order; Polygon vertices are [lon, lat] pairs.
type Port struct {
	BBox    []float64   `yaml:"bbox"`
	Polygon [][]float64 `yaml:"polygon,omitempty"`
}

// Registry maps port name to entry.
type Registry map[string]Port

// LoadRegistry parses a ports.yaml file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ports registry: %w", err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse ports registry: %w", err)
	}
	if len(reg) == 0 {
		return nil, fmt.Errorf("ports registry %s is empty", path)
	}
	return reg, nil
}

// ResolveBBox returns the effective bounding box for a port: the override
// if provided, otherwise the registry entry's bbox.
func (r Registry) ResolveBBox(portName string, override []float64) (geo.BBox, error) {
	entry, ok := r[portName]
	if !ok {
		return geo.BBox{}, fmt.Errorf("%w: %q", ErrUnknownPort, portName)
	}
	vals := override
	if len(vals) == 0 {
		vals = entry.BBox
	}
	bbox, err := geo.NewBBox(vals)
	if err != nil {
		return geo.BBox{}, fmt.Errorf("port %q: %w", portName, err)
	}
	return bbox, nil
}

// FilterOptions controls the spatial filter.
type FilterOptions struct {
	UsePolygon   bool
	BBoxOverride []float64 // takes precedence over the registry bbox
}

// Filter keeps messages inside the port area. With UsePolygon set and a
// polygon present in the registry, a point-in-polygon test is used;
// otherwise the bounding box.
func (r Registry) Filter(msgs []ais.Message, portName string, opts FilterOptions) ([]ais.Message, error) {
	entry, ok := r[portName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPort, portName)
	}

	if opts.UsePolygon && len(entry.Polygon) >= 3 {
		poly := make([][2]float64, len(entry.Polygon))
		for i, p := range entry.Polygon {
			if len(p) != 2 {
				return nil, fmt.Errorf("port %q: polygon vertex %d must be [lon, lat]", portName, i)
			}
			poly[i] = [2]float64{p[0], p[1]}
		}
		out := make([]ais.Message, 0, len(msgs))
		for _, m := range msgs {
			if pointInPolygon(m.Lon, m.Lat, poly) {
				out = append(out, m)
			}
		}
		return out, nil
	}

	bbox, err := r.ResolveBBox(portName, opts.BBoxOverride)
	if err != nil {
		return nil, err
	}
	out := make([]ais.Message, 0, len(msgs))
	for _, m := range msgs {
		if bbox.Contains(m.Lat, m.Lon) {
			out = append(out, m)
		}
	}
	return out, nil
}

// pointInPolygon is the standard ray-casting test over [lon, lat] vertices.
func pointInPolygon(lon, lat float64, poly [][2]float64) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i := 0; i < n; i++ {
		x1, y1 := poly[i][0], poly[i][1]
		x2, y2 := poly[(i+1)%n][0], poly[(i+1)%n][1]
		if (y1 > lat) != (y2 > lat) &&
			lon < (x2-x1)*(lat-y1)/(y2-y1+1e-15)+x1 {
			inside = !inside
		}
	}
	return inside
}
