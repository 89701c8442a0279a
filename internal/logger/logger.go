package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	INFO Level = iota
	WARN
	ERROR
	DEBUG
)

func (l Level) String() string {
	switch l {
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case DEBUG:
		return "DEBUG"
	default:
		return "INFO"
	}
}

var (
	mu   sync.RWMutex
	base = defaultLogger()

	// Log channel for dashboard (optional)
	logChan   chan LogEntry
	logChanMu sync.RWMutex
)

// LogEntry represents a structured log message
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

func defaultLogger() *zap.Logger {
	l, err := build("info", "console")
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func build(level, encoding string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if encoding == "" {
		encoding = "console"
	}
	cfg.Encoding = encoding
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" && os.Getenv("NO_COLOR") == "" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build(zap.AddCallerSkip(2))
}

// Init replaces the process logger. Level is one of debug, info, warn, error;
// encoding is console or json.
func Init(level, encoding string) error {
	l, err := build(level, encoding)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// Use installs an already built logger, mostly for tests (zaptest).
func Use(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// SetLogChannel sets a channel to stream logs to (e.g., for dashboard)
func SetLogChannel(ch chan LogEntry) {
	logChanMu.Lock()
	defer logChanMu.Unlock()
	logChan = ch
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case DEBUG:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func log(level Level, component string, format string, args ...interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	// entries below the configured level reach neither zap nor the dashboard
	if !l.Core().Enabled(level.zapLevel()) {
		return
	}
	msg := fmt.Sprintf(format, args...)

	field := zap.String("component", component)
	switch level {
	case INFO:
		l.Info(msg, field)
	case WARN:
		l.Warn(msg, field)
	case ERROR:
		l.Error(msg, field)
	case DEBUG:
		l.Debug(msg, field)
	}

	entry := LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     level.String(),
		Component: component,
		Message:   msg,
	}

	logChanMu.RLock()
	if logChan != nil {
		select {
		case logChan <- entry:
		default:
			// Drop log if channel is full
		}
	}
	logChanMu.RUnlock()
}

func Info(component string, format string, args ...interface{}) {
	log(INFO, component, format, args...)
}

func Warn(component string, format string, args ...interface{}) {
	log(WARN, component, format, args...)
}

func Error(component string, format string, args ...interface{}) {
	log(ERROR, component, format, args...)
}

func Debug(component string, format string, args ...interface{}) {
	log(DEBUG, component, format, args...)
}
