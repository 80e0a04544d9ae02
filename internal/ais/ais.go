// Package ais defines the standardized AIS position report and the raw CSV
// loading path: schema mapping, type coercion, and validity filtering.
package ais

import (
	"sort"
	"time"
)

// Message is a single sanitized AIS position report.
//
// After windowing and grid mapping the WindowID and GX/GY fields carry the
// derived indices; before those stages they are -1.
type Message struct {
	TS        time.Time
	MMSI      string
	Lat       float64
	Lon       float64
	SOG       float64 // speed over ground, knots
	COG       float64 // course over ground, degrees
	Heading   float64 // -1 when absent
	NavStatus string

	WindowID int64
	GX, GY   int
}

// SchemaMapping maps raw CSV column names to the standardized fields.
// Heading and NavStatus are optional.
type SchemaMapping struct {
	TS        string `yaml:"ts" json:"ts" toml:"ts"`
	MMSI      string `yaml:"mmsi" json:"mmsi" toml:"mmsi"`
	Lat       string `yaml:"lat" json:"lat" toml:"lat"`
	Lon       string `yaml:"lon" json:"lon" toml:"lon"`
	SOG       string `yaml:"sog" json:"sog" toml:"sog"`
	COG       string `yaml:"cog" json:"cog" toml:"cog"`
	Heading   string `yaml:"heading,omitempty" json:"heading,omitempty" toml:"heading"`
	NavStatus string `yaml:"nav_status,omitempty" json:"nav_status,omitempty" toml:"nav_status"`
}

// DefaultSchemaMapping matches the column names of the reference export.
func DefaultSchemaMapping() SchemaMapping {
	return SchemaMapping{
		TS:        "timestamp",
		MMSI:      "mmsi",
		Lat:       "lat",
		Lon:       "lon",
		SOG:       "sog",
		COG:       "cog",
		Heading:   "heading",
		NavStatus: "nav_status",
	}
}

// SortByVesselTime orders messages by (MMSI, TS), the canonical order for
// per-vessel temporal diffs.
func SortByVesselTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].MMSI != msgs[j].MMSI {
			return msgs[i].MMSI < msgs[j].MMSI
		}
		return msgs[i].TS.Before(msgs[j].TS)
	})
}

// SortByTime orders messages by timestamp only.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].TS.Before(msgs[j].TS)
	})
}
