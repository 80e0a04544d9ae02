// Package geo provides great-circle distance and bounding-box grid math
// for AIS position reports.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the IUGG mean Earth radius.
const EarthRadiusKm = 6371.0088

// HaversineKm returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// BBox is a bounding box in lon/lat space. The on-disk order in ports.yaml
// is [min_lon, min_lat, max_lon, max_lat].
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// NewBBox builds a BBox from the 4-element slice used in config files.
func NewBBox(vals []float64) (BBox, error) {
	if len(vals) != 4 {
		return BBox{}, fmt.Errorf("bbox must be [min_lon, min_lat, max_lon, max_lat], got %d values", len(vals))
	}
	return BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}

// Contains reports whether the point falls inside the box (inclusive).
func (b BBox) Contains(lat, lon float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Width returns the longitudinal extent in degrees.
func (b BBox) Width() float64 { return b.MaxLon - b.MinLon }

// Height returns the latitudinal extent in degrees.
func (b BBox) Height() float64 { return b.MaxLat - b.MinLat }

// Shrink returns the box contracted by the given fraction on each side.
// Used to derive the "hotspot" zone for injection targeting.
func (b BBox) Shrink(frac float64) BBox {
	dx := b.Width() * frac
	dy := b.Height() * frac
	return BBox{
		MinLon: b.MinLon + dx,
		MinLat: b.MinLat + dy,
		MaxLon: b.MaxLon - dx,
		MaxLat: b.MaxLat - dy,
	}
}

// GridIndex maps (lat, lon) to integer cell indices (gx, gy) on a uniform
// nx-by-ny grid over the box. gx indexes longitude, gy latitude.
//
// With clamp set, out-of-box points snap to the nearest edge cell. Without
// it, out-of-box points (or points that floor past the last cell) return
// ok=false.
func GridIndex(lat, lon float64, bbox BBox, nx, ny int, clamp bool) (gx, gy int, ok bool) {
	if nx <= 0 || ny <= 0 {
		return 0, 0, false
	}
	if !clamp && !bbox.Contains(lat, lon) {
		return 0, 0, false
	}

	// Epsilon keeps the max edge inside the last cell.
	x := (lon - bbox.MinLon) / (bbox.Width() + 1e-15)
	y := (lat - bbox.MinLat) / (bbox.Height() + 1e-15)

	gx = int(math.Floor(x * float64(nx)))
	gy = int(math.Floor(y * float64(ny)))

	if clamp {
		gx = min(max(gx, 0), nx-1)
		gy = min(max(gy, 0), ny-1)
		return gx, gy, true
	}
	if gx < 0 || gx >= nx || gy < 0 || gy >= ny {
		return 0, 0, false
	}
	return gx, gy, true
}
