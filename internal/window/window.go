// Package window assigns fixed-interval window IDs to AIS messages and
// builds the window metadata table used downstream.
package window

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"aisledger/internal/ais"
)

var (
	ErrNoMessages = errors.New("window: no messages to window")
	ErrBadDt      = errors.New("window: dt must be positive")
)

// Window is one entry of the window metadata table. Start is the earliest
// message timestamp inside the window; End is Start + dt (exclusive).
type Window struct {
	ID    int64
	Start time.Time
	End   time.Time
}

// T0 returns the window origin: the configured origin if set, otherwise the
// minimum message timestamp. The returned time is always UTC.
func T0(msgs []ais.Message, configured *time.Time) (time.Time, error) {
	if configured != nil {
		return configured.UTC(), nil
	}
	if len(msgs) == 0 {
		return time.Time{}, ErrNoMessages
	}
	t0 := msgs[0].TS
	for _, m := range msgs[1:] {
		if m.TS.Before(t0) {
			t0 = m.TS
		}
	}
	return t0.UTC(), nil
}

// Assign sets WindowID = floor((ts - t0) / dt) on every message and drops
// messages that fall before t0 (negative window). It returns the surviving
// messages and the origin actually used.
func Assign(msgs []ais.Message, dt time.Duration, configured *time.Time) ([]ais.Message, time.Time, error) {
	if dt <= 0 {
		return nil, time.Time{}, ErrBadDt
	}
	t0, err := T0(msgs, configured)
	if err != nil {
		return nil, time.Time{}, err
	}

	out := msgs[:0]
	for _, m := range msgs {
		delta := m.TS.Sub(t0)
		if delta < 0 {
			continue
		}
		m.WindowID = int64(delta / dt)
		out = append(out, m)
	}
	return out, t0, nil
}

// ID computes the window index for a single timestamp. Returns -1 for
// timestamps before t0.
func ID(ts, t0 time.Time, dt time.Duration) int64 {
	delta := ts.Sub(t0)
	if delta < 0 {
		return -1
	}
	return int64(delta / dt)
}

// Bounds returns (start, end) for a window index relative to t0.
func Bounds(id int64, t0 time.Time, dt time.Duration) (time.Time, time.Time) {
	start := t0.Add(time.Duration(id) * dt)
	return start, start.Add(dt)
}

// BuildTable derives the window metadata table from windowed messages:
// one row per distinct window ID, start = min ts in the window,
// end = start + dt. Rows are sorted by window ID.
func BuildTable(msgs []ais.Message, dt time.Duration) ([]Window, error) {
	if dt <= 0 {
		return nil, ErrBadDt
	}
	starts := make(map[int64]time.Time)
	for _, m := range msgs {
		if m.WindowID < 0 {
			return nil, fmt.Errorf("window: message %s at %s has no window assigned", m.MMSI, m.TS)
		}
		if cur, ok := starts[m.WindowID]; !ok || m.TS.Before(cur) {
			starts[m.WindowID] = m.TS
		}
	}

	table := make([]Window, 0, len(starts))
	for id, start := range starts {
		table = append(table, Window{ID: id, Start: start, End: start.Add(dt)})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].ID < table[j].ID })
	return table, nil
}

// GroupByWindow buckets messages by window ID, preserving input order
// within each bucket.
func GroupByWindow(msgs []ais.Message) map[int64][]ais.Message {
	groups := make(map[int64][]ais.Message)
	for _, m := range msgs {
		groups[m.WindowID] = append(groups[m.WindowID], m)
	}
	return groups
}

// SortedIDs returns the window IDs present in the group map, ascending.
func SortedIDs(groups map[int64][]ais.Message) []int64 {
	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
