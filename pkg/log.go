package pkg

import (
	"io"
	"log/slog"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Component identifies a subsystem for log filtering.
type Component string

// cyberfoil component identifiers.
const (
	ComponentDevice    Component = "device"
	ComponentHost      Component = "host"
	ComponentStack     Component = "stack"
	ComponentHAL       Component = "hal"
	ComponentTransfer  Component = "transfer"
	ComponentEndpoint  Component = "endpoint"
	ComponentResponder Component = "responder"
	ComponentCodec     Component = "codec"
	ComponentObjectDB  Component = "objectdb"
	ComponentFsProxy   Component = "fsproxy"
	ComponentInstall   Component = "install"
	ComponentDemux     Component = "demux"
	ComponentMainLoop  Component = "mainloop"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used across the responder, the
	// transfer engine, and the stream install subsystem.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmLevel(logLevel.Level()),
		ReportTimestamp: true,
	}))
}

// charmLevel maps a slog.Level onto charmbracelet/log's level type.
func charmLevel(l slog.Level) charmlog.Level {
	switch {
	case l < slog.LevelInfo:
		return charmlog.DebugLevel
	case l < slog.LevelWarn:
		return charmlog.InfoLevel
	case l < slog.LevelError:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

// SetLogLevel sets the minimum log level for all logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
	DefaultLogger = slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
	}))
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := charmlog.Options{
		Level:           charmLevel(logLevel.Level()),
		ReportTimestamp: true,
	}
	if format == LogFormatJSON {
		opts.Formatter = charmlog.JSONFormatter
	}
	DefaultLogger = slog.New(charmlog.NewWithOptions(os.Stderr, opts))
}

// NewLogger creates a new logger writing to the given writer, formatted as
// text.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
	}))
}

// NewJSONLogger creates a new logger writing to the given writer, formatted
// as JSON.
func NewJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
		Formatter:       charmlog.JSONFormatter,
	}))
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Debug(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Info(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Warn(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Error(msg, append([]any{"component", string(component)}, args...)...)
}
