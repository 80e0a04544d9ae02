package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(&buf, opts)
	} else {
		handler = slog.NewTextHandler(&buf, opts)
	}
	l := &Logger{config: cfg, handler: handler}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(handler)
	return l, &buf
}

func TestRedaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	l, buf := newBufferLogger(t, cfg)

	l.Info("key loaded", "key_passphrase", "hunter2", "path", "keys/authority.key")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["key_passphrase"] != "[REDACTED]" {
		t.Errorf("passphrase not redacted: %v", entry["key_passphrase"])
	}
	if entry["path"] != "keys/authority.key" {
		t.Errorf("benign attribute mangled: %v", entry["path"])
	}
}

func TestLevelFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	l, buf := newBufferLogger(t, cfg)

	l.Info("quiet")
	l.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info line leaked past warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn line missing")
	}
}

func TestWithComponentReplacesTag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	l, buf := newBufferLogger(t, cfg)

	l.WithComponent("daemon").Info("started")

	out := buf.String()
	if got := strings.Count(out, `"component"`); got != 1 {
		t.Errorf("component tag emitted %d times: %s", got, out)
	}
	if !strings.Contains(out, `"component":"daemon"`) {
		t.Errorf("derived component missing: %s", out)
	}
	if strings.Contains(out, `"component":"aisledger"`) {
		t.Errorf("parent component leaked into derived logger: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug, "info": LevelInfo, "": LevelInfo,
		"warn": LevelWarn, "warning": LevelWarn, "error": LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loudest"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestFromOptions(t *testing.T) {
	cfg, err := FromOptions("debug", "json", "stdout")
	if err != nil {
		t.Fatalf("FromOptions failed: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON || cfg.Output != "stdout" {
		t.Errorf("options not applied: %+v", cfg)
	}
	if _, err := FromOptions("info", "xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("window committed", "window_id", 7)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "window committed") {
		t.Errorf("log line missing from file: %q", data)
	}
}

func TestRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	r, err := NewRotator(path, 0, 3, false)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	defer r.Close()
	r.maxBytes = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatalf("Backups failed: %v", err)
	}
	if len(backups) == 0 {
		t.Error("expected at least one rotated backup")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("active log file missing after rotation: %v", err)
	}
}
