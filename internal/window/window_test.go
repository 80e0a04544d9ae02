package window

import (
	"errors"
	"testing"
	"time"

	"aisledger/internal/ais"
)

func mkMsg(mmsi string, ts time.Time) ais.Message {
	return ais.Message{MMSI: mmsi, TS: ts, WindowID: -1}
}

func TestAssignBasic(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	msgs := []ais.Message{
		mkMsg("a", t0),
		mkMsg("a", t0.Add(4*time.Minute)),
		mkMsg("a", t0.Add(5*time.Minute)),
		mkMsg("b", t0.Add(11*time.Minute)),
	}

	out, used, err := Assign(msgs, 5*time.Minute, nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if !used.Equal(t0) {
		t.Errorf("t0 should be min ts, got %v", used)
	}

	want := []int64{0, 0, 1, 2}
	for i, w := range want {
		if out[i].WindowID != w {
			t.Errorf("msg %d: window %d, want %d", i, out[i].WindowID, w)
		}
	}
}

func TestAssignConfiguredT0DropsEarlier(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	msgs := []ais.Message{
		mkMsg("a", t0.Add(-time.Minute)), // before origin, dropped
		mkMsg("a", t0.Add(time.Minute)),
	}

	out, used, err := Assign(msgs, 5*time.Minute, &t0)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if !used.Equal(t0) {
		t.Errorf("configured t0 not honored: %v", used)
	}
	if len(out) != 1 || out[0].WindowID != 0 {
		t.Errorf("expected 1 message in window 0, got %+v", out)
	}
}

func TestAssignBadDt(t *testing.T) {
	_, _, err := Assign(nil, 0, nil)
	if !errors.Is(err, ErrBadDt) {
		t.Errorf("expected ErrBadDt, got %v", err)
	}
}

func TestAssignEmpty(t *testing.T) {
	_, _, err := Assign(nil, time.Minute, nil)
	if !errors.Is(err, ErrNoMessages) {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}
}

func TestIDBeforeOrigin(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := ID(t0.Add(-time.Second), t0, time.Minute); got != -1 {
		t.Errorf("expected -1 for ts before t0, got %d", got)
	}
	if got := ID(t0, t0, time.Minute); got != 0 {
		t.Errorf("expected 0 at origin, got %d", got)
	}
}

func TestBounds(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	start, end := Bounds(3, t0, 5*time.Minute)
	if !start.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("unexpected start: %v", start)
	}
	if !end.Equal(t0.Add(20 * time.Minute)) {
		t.Errorf("unexpected end: %v", end)
	}
}

func TestBuildTable(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	dt := 5 * time.Minute
	msgs := []ais.Message{
		mkMsg("a", t0.Add(30*time.Second)),
		mkMsg("b", t0.Add(time.Minute)),
		mkMsg("a", t0.Add(6*time.Minute)),
	}
	msgs, _, err := Assign(msgs, dt, &t0)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	table, err := BuildTable(msgs, dt)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(table))
	}

	// Window start is min ts inside the window, not the grid boundary.
	if !table[0].Start.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("window 0 start: %v", table[0].Start)
	}
	if !table[0].End.Equal(table[0].Start.Add(dt)) {
		t.Errorf("window end must be start+dt: %v", table[0].End)
	}
	if table[1].ID != 1 {
		t.Errorf("windows not sorted by ID: %+v", table)
	}
}

func TestBuildTableUnassigned(t *testing.T) {
	msgs := []ais.Message{mkMsg("a", time.Now())}
	if _, err := BuildTable(msgs, time.Minute); err == nil {
		t.Error("expected error for unassigned window IDs")
	}
}

func TestGroupByWindow(t *testing.T) {
	msgs := []ais.Message{
		{MMSI: "a", WindowID: 0},
		{MMSI: "b", WindowID: 1},
		{MMSI: "c", WindowID: 0},
	}
	groups := GroupByWindow(msgs)
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("unexpected grouping: %v", groups)
	}
	ids := SortedIDs(groups)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("unexpected sorted ids: %v", ids)
	}
}
