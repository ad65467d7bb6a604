// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `mapstructure:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `mapstructure:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `mapstructure:"-"`

	// File additionally writes JSON logs to a size-rotated file.
	File string `mapstructure:"file"`

	// MaxSizeMB is the rotation threshold of File (default 100).
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is the number of rotated files kept (0 keeps all).
	MaxBackups int `mapstructure:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Pretty:     false,
		Output:     os.Stderr,
		MaxSizeMB:  100,
		MaxBackups: 5,
	}
}

var (
	rotatorMu sync.Mutex
	rotator   *lumberjack.Logger
)

// Setup configures the global zerolog logger. If the log file cannot be
// prepared, logging continues on Output and a warning is emitted.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console}
	}

	output := console
	file, fileErr := openFile(cfg)
	if file != nil {
		output = zerolog.MultiLevelWriter(console, file)
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("path", cfg.File).Msg("Log file unavailable, logging to console only")
	}
	return logger
}

func openFile(cfg Config) (io.Writer, error) {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()

	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	if cfg.File == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	rotator = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return rotator, nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hit/miss per identity
//   - Evictions (capacity, age)
//   - Precache skip/delete decisions, range synthesis
//
// Info: Normal operation events
//   - Lifecycle transitions (installed, activated, claimed)
//   - Reconciliation summaries
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Store failures (fallback to network)
//   - Precache fetch failures
//   - Retry attempts
//
// Error: Error conditions requiring attention
//   - Failures surfaced to the host
//   - Configuration errors
//
// Context Fields:
//   - component: engine, strategy, precache, expiration, store, proxy
//   - instance: engine instance ID
//   - bucket: cache bucket name
//   - identity: request identity (method and normalized URL)
//   - route: matched route name
//   - status: HTTP status code
//   - duration: operation duration
