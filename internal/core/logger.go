package core

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel orders log severities; a component logs lines at or above its level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "off"
	}
}

// LogConfig is the logging section of the daemon config.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Format     string            `yaml:"format,omitempty"` // "text" (default) or "json"
	File       string            `yaml:"file,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// LogHook receives every line that passes level filtering.
type LogHook func(level LogLevel, tag, msg string)

// Logger filters by component tag and hands accepted lines to logrus with
// the tag in the "component" field.
type Logger struct {
	mu        sync.RWMutex
	level     LogLevel
	overrides map[string]LogLevel // keyed by lowercased tag
	backend   *logrus.Logger
	hook      LogHook
}

// ParseLevel maps a config level name to a LogLevel; unknown names mean info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger builds a logger writing to stderr and, when set, cfg.File.
func NewLogger(cfg LogConfig) *Logger {
	backend := logrus.New()
	backend.SetLevel(logrus.DebugLevel) // filtering happens in levelFor
	backend.SetOutput(os.Stderr)
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			backend.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}
	backend.SetFormatter(formatterFor(cfg.Format))
	return &Logger{level: ParseLevel(cfg.Level), overrides: componentLevels(cfg), backend: backend}
}

func formatterFor(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
}

func componentLevels(cfg LogConfig) map[string]LogLevel {
	overrides := make(map[string]LogLevel, len(cfg.Components))
	for tag, name := range cfg.Components {
		overrides[strings.ToLower(tag)] = ParseLevel(name)
	}
	return overrides
}

// Reconfigure applies the level, format and component overrides of cfg.
// Components missing from cfg fall back to the global level. The output
// file is fixed at construction.
func (l *Logger) Reconfigure(cfg LogConfig) {
	l.backend.SetFormatter(formatterFor(cfg.Format))
	l.mu.Lock()
	l.level = ParseLevel(cfg.Level)
	l.overrides = componentLevels(cfg)
	l.mu.Unlock()
}

// SetOutput redirects the backend writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.backend.SetOutput(w)
}

// SetHook installs a callback that sees every emitted line. nil removes it.
func (l *Logger) SetHook(h LogHook) {
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

var logrusLevels = [...]logrus.Level{
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
}

func (l *Logger) logf(level LogLevel, tag, format string, args []any) {
	l.mu.RLock()
	threshold, ok := l.overrides[strings.ToLower(tag)]
	if !ok {
		threshold = l.level
	}
	hook := l.hook
	l.mu.RUnlock()
	if level < threshold {
		return
	}

	msg := fmt.Sprintf(format, args...)
	l.backend.WithField("component", tag).Log(logrusLevels[level], msg)
	if hook != nil {
		hook(level, tag, msg)
	}
}

func (l *Logger) Debugf(tag, format string, args ...any) { l.logf(LevelDebug, tag, format, args) }
func (l *Logger) Infof(tag, format string, args ...any)  { l.logf(LevelInfo, tag, format, args) }
func (l *Logger) Warnf(tag, format string, args ...any)  { l.logf(LevelWarn, tag, format, args) }
func (l *Logger) Errorf(tag, format string, args ...any) { l.logf(LevelError, tag, format, args) }

// Fatalf logs regardless of level, then exits with status 1.
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.backend.WithField("component", tag).Errorf(format, args...)
	os.Exit(1)
}

// Log is the process-wide logger; main replaces it once config is loaded.
var Log = NewLogger(LogConfig{})
