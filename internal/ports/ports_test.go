package ports

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"aisledger/internal/ais"
)

const testRegistryYAML = `
busan:
  bbox: [128.8, 34.9, 129.3, 35.3]
  polygon:
    - [128.9, 35.0]
    - [129.2, 35.0]
    - [129.2, 35.2]
    - [128.9, 35.2]
gwangyang:
  bbox: [127.5, 34.7, 127.9, 35.0]
`

func writeRegistry(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ports.yaml")
	if err := os.WriteFile(path, []byte(testRegistryYAML), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry(writeRegistry(t))
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	if len(reg) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(reg))
	}
	if len(reg["busan"].Polygon) != 4 {
		t.Errorf("busan polygon not loaded: %+v", reg["busan"])
	}
}

func TestResolveBBoxOverride(t *testing.T) {
	reg, _ := LoadRegistry(writeRegistry(t))

	bbox, err := reg.ResolveBBox("busan", []float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("ResolveBBox failed: %v", err)
	}
	if bbox.MinLon != 1 || bbox.MaxLat != 4 {
		t.Errorf("override not applied: %+v", bbox)
	}

	bbox, err = reg.ResolveBBox("busan", nil)
	if err != nil {
		t.Fatalf("ResolveBBox failed: %v", err)
	}
	if bbox.MinLon != 128.8 {
		t.Errorf("registry bbox not used: %+v", bbox)
	}
}

func TestResolveBBoxUnknownPort(t *testing.T) {
	reg, _ := LoadRegistry(writeRegistry(t))
	_, err := reg.ResolveBBox("atlantis", nil)
	if !errors.Is(err, ErrUnknownPort) {
		t.Errorf("expected ErrUnknownPort, got %v", err)
	}
}

func TestFilterBBox(t *testing.T) {
	reg, _ := LoadRegistry(writeRegistry(t))
	msgs := []ais.Message{
		{MMSI: "in", Lat: 35.0, Lon: 129.0},
		{MMSI: "out", Lat: 36.0, Lon: 129.0},
	}

	kept, err := reg.Filter(msgs, "busan", FilterOptions{})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(kept) != 1 || kept[0].MMSI != "in" {
		t.Errorf("unexpected filter result: %+v", kept)
	}
}

func TestFilterPolygon(t *testing.T) {
	reg, _ := LoadRegistry(writeRegistry(t))
	msgs := []ais.Message{
		{MMSI: "in-poly", Lat: 35.1, Lon: 129.0},
		// Inside the bbox but outside the tighter polygon.
		{MMSI: "out-poly", Lat: 34.95, Lon: 128.85},
	}

	kept, err := reg.Filter(msgs, "busan", FilterOptions{UsePolygon: true})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(kept) != 1 || kept[0].MMSI != "in-poly" {
		t.Errorf("unexpected polygon filter result: %+v", kept)
	}
}

func TestFilterPolygonFallsBackToBBox(t *testing.T) {
	reg, _ := LoadRegistry(writeRegistry(t))
	msgs := []ais.Message{{MMSI: "in", Lat: 34.8, Lon: 127.6}}

	// gwangyang has no polygon; UsePolygon falls back to the bbox.
	kept, err := reg.Filter(msgs, "gwangyang", FilterOptions{UsePolygon: true})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("expected bbox fallback to keep the message: %+v", kept)
	}
}

func TestPointInPolygon(t *testing.T) {
	square := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	if !pointInPolygon(5, 5, square) {
		t.Error("center should be inside")
	}
	if pointInPolygon(15, 5, square) {
		t.Error("point east of square should be outside")
	}
	if pointInPolygon(5, 5, square[:2]) {
		t.Error("degenerate polygon should contain nothing")
	}
}
