package ais

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// SOG value 102.3 encodes "102.2 knots or more" in the AIS spec; anything
// above it is garbage.
const maxSOG = 102.3

var (
	// ErrEmptyCSV is returned when the raw file has a header but no rows.
	ErrEmptyCSV = errors.New("ais: raw CSV contains no data rows")
)

// Timestamp layouts accepted for the raw ts column, tried in order.
var tsLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
}

// LoadStats summarizes what the loader kept and dropped.
type LoadStats struct {
	RawRows           int
	Kept              int
	DroppedNaN        int // unparseable ts or numeric fields
	DroppedOutOfRange int
}

// Load reads a raw AIS CSV, applies the schema mapping, sanitizes values,
// and returns messages sorted by (MMSI, TS).
//
// Sanitization drops rows with unparseable fields or values outside the
// AIS-legal ranges: lat [-90,90], lon [-180,180], sog [0,102.3],
// cog [0,360]. Naive timestamps are interpreted in tzHint (UTC if empty)
// and converted to UTC.
func Load(path string, mapping SchemaMapping, tzHint string) ([]Message, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("open raw CSV: %w", err)
	}
	defer f.Close()

	msgs, stats, err := Parse(f, mapping, tzHint)
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", path, err)
	}
	return msgs, stats, nil
}

// Parse reads raw AIS CSV rows from r. See Load.
func Parse(r io.Reader, mapping SchemaMapping, tzHint string) ([]Message, LoadStats, error) {
	loc := time.UTC
	if tzHint != "" && !strings.EqualFold(tzHint, "UTC") {
		var err error
		loc, err = time.LoadLocation(tzHint)
		if err != nil {
			return nil, LoadStats{}, fmt.Errorf("bad timezone hint %q: %w", tzHint, err)
		}
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("read CSV header: %w", err)
	}

	idx, err := columnIndex(header, mapping)
	if err != nil {
		return nil, LoadStats{}, err
	}

	var (
		msgs  []Message
		stats LoadStats
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read CSV row: %w", err)
		}
		stats.RawRows++

		m, ok := parseRow(row, idx, loc)
		if !ok {
			stats.DroppedNaN++
			continue
		}
		if !inRange(m) {
			stats.DroppedOutOfRange++
			continue
		}
		msgs = append(msgs, m)
	}

	if stats.RawRows == 0 {
		return nil, stats, ErrEmptyCSV
	}

	SortByVesselTime(msgs)
	stats.Kept = len(msgs)
	return msgs, stats, nil
}

// columnIndices resolved from the header for one schema mapping.
type colIdx struct {
	ts, mmsi, lat, lon, sog, cog int
	heading, navStatus           int // -1 when unmapped
}

func columnIndex(header []string, m SchemaMapping) (colIdx, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}

	idx := colIdx{heading: -1, navStatus: -1}
	required := []struct {
		raw  string
		dst  *int
		name string
	}{
		{m.TS, &idx.ts, "ts"},
		{m.MMSI, &idx.mmsi, "mmsi"},
		{m.Lat, &idx.lat, "lat"},
		{m.Lon, &idx.lon, "lon"},
		{m.SOG, &idx.sog, "sog"},
		{m.COG, &idx.cog, "cog"},
	}
	var missing []string
	for _, r := range required {
		i, ok := pos[r.raw]
		if !ok {
			missing = append(missing, fmt.Sprintf("%s (mapped to %s)", r.raw, r.name))
			continue
		}
		*r.dst = i
	}
	if len(missing) > 0 {
		return colIdx{}, fmt.Errorf("missing raw columns: %s", strings.Join(missing, ", "))
	}

	if m.Heading != "" {
		if i, ok := pos[m.Heading]; ok {
			idx.heading = i
		}
	}
	if m.NavStatus != "" {
		if i, ok := pos[m.NavStatus]; ok {
			idx.navStatus = i
		}
	}
	return idx, nil
}

func parseRow(row []string, idx colIdx, loc *time.Location) (Message, bool) {
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ts, ok := parseTimestamp(get(idx.ts), loc)
	if !ok {
		return Message{}, false
	}

	mmsi := get(idx.mmsi)
	if mmsi == "" {
		return Message{}, false
	}

	lat, err1 := strconv.ParseFloat(get(idx.lat), 64)
	lon, err2 := strconv.ParseFloat(get(idx.lon), 64)
	sog, err3 := strconv.ParseFloat(get(idx.sog), 64)
	cog, err4 := strconv.ParseFloat(get(idx.cog), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Message{}, false
	}

	m := Message{
		TS:       ts,
		MMSI:     mmsi,
		Lat:      lat,
		Lon:      lon,
		SOG:      sog,
		COG:      cog,
		Heading:  -1,
		WindowID: -1,
		GX:       -1,
		GY:       -1,
	}
	if h := get(idx.heading); h != "" {
		if hv, err := strconv.ParseFloat(h, 64); err == nil {
			m.Heading = hv
		}
	}
	m.NavStatus = get(idx.navStatus)
	return m, true
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range tsLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	// Epoch seconds are common in dumps from message brokers.
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}

func inRange(m Message) bool {
	return m.Lat >= -90 && m.Lat <= 90 &&
		m.Lon >= -180 && m.Lon <= 180 &&
		m.SOG >= 0 && m.SOG <= maxSOG &&
		m.COG >= 0 && m.COG <= 360
}
