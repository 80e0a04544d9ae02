// Package logging provides structured slog logging for the pipeline
// tools and the gating daemon. Output goes to stderr, stdout, a rotated
// file, or stderr plus a file; attribute keys that look like secrets
// are redacted.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level aliases slog.Level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the logging options.
type Config struct {
	Level  Level
	Format Format

	// Output is "stderr", "stdout", "file", or "both".
	Output string

	// FilePath is used when Output includes "file".
	FilePath string

	// Rotation settings for file output.
	MaxSizeMB  int64
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string
}

// DefaultConfig returns the daemon's default logging setup.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSizeMB:  50,
		MaxBackups: 5,
		Compress:   true,
		Component:  "aisledger",
	}
}

func defaultLogPath() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateHome, "aisledger", "aisledger.log")
}

// Logger wraps slog.Logger together with its file rotator. The untagged
// base handler is kept so derived loggers can swap the component tag
// instead of stacking a second one.
type Logger struct {
	*slog.Logger
	config  *Config
	handler slog.Handler
	rotator *Rotator
	mu      sync.Mutex
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// Default returns the process-wide logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		var err error
		defaultLogger, err = New(DefaultConfig())
		if err != nil {
			defaultLogger = &Logger{Logger: slog.Default(), config: DefaultConfig()}
		}
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New builds a Logger from the config.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg}

	w, err := l.output()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	l.handler = handler
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) output() (io.Writer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file":
		r, err := NewRotator(l.config.FilePath, l.config.MaxSizeMB, l.config.MaxBackups, l.config.Compress)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.rotator = r
		return r, nil
	case "both":
		r, err := NewRotator(l.config.FilePath, l.config.MaxSizeMB, l.config.MaxBackups, l.config.Compress)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.rotator = r
		return io.MultiWriter(os.Stderr, r), nil
	default:
		return os.Stderr, nil
	}
}

// shouldRedact reports whether an attribute key names secret material.
func shouldRedact(key string) bool {
	sensitive := []string{"password", "secret", "token", "passphrase", "private_key", "seed_hex"}
	keyLower := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(keyLower, s) {
			return true
		}
	}
	return false
}

// WithComponent returns a child logger tagged with a component name.
// The tag replaces any component the parent carried.
func (l *Logger) WithComponent(name string) *Logger {
	if l.handler == nil {
		return &Logger{
			Logger:  l.Logger.With(slog.String("component", name)),
			config:  l.config,
			rotator: l.rotator,
		}
	}
	return &Logger{
		Logger:  slog.New(l.handler.WithAttrs([]slog.Attr{slog.String("component", name)})),
		config:  l.config,
		handler: l.handler,
		rotator: l.rotator,
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Debug logs at debug level on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level on the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level on the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level on the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// FromOptions builds a Config from the string settings a config file
// carries, leaving file rotation at its defaults.
func FromOptions(level, format, output string) (*Config, error) {
	cfg := DefaultConfig()
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	cfg.Level = lv
	cfg.Format = f
	if output != "" {
		cfg.Output = output
	}
	return cfg, nil
}
