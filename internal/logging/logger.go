// Package logging provides config-driven categorized file-based logging for Backbone.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in config.yaml - when false, no files are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"backbone/internal/config"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Process start, config, data dir
	CategoryStartup     Category = "startup"     // State machine transitions
	CategoryEntitlement Category = "entitlement" // License tier resolution and reloads
	CategoryAuth        Category = "auth"        // Sign-in, sessions, accounts
	CategoryProject     Category = "project"     // Project catalog
	CategoryPrefs       Category = "prefs"       // Remembered selections
	CategoryUI          Category = "ui"          // Terminal renderer
	CategoryPerformance Category = "performance" // Slow operations
)

// Logger writes printf-style messages for one category.
type Logger struct {
	category Category
	zl       *zap.Logger
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	files     []*os.File
	loggersMu sync.RWMutex
	logsDir   string
	settings  config.LoggingConfig
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	configMu  sync.RWMutex
)

// Initialize sets up the logging directory.
// Should be called once at startup, after the config has been loaded.
func Initialize(dir string, cfg config.LoggingConfig) error {
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}

	CloseAll()

	configMu.Lock()
	logsDir = dir
	settings = cfg
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
		level.SetLevel(zapcore.InfoLevel)
	}
	configMu.Unlock()

	// Only create logs directory if debug mode is enabled
	if !cfg.DebugMode {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== Backbone logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", level.Level())
	if len(cfg.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	} else {
		for cat, enabled := range cfg.Categories {
			boot.Debug("Category '%s': %v", cat, enabled)
		}
	}

	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.IsCategoryEnabled(string(category))
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return noop(category)
	}

	configMu.RLock()
	dir, cfg := logsDir, settings
	configMu.RUnlock()
	if dir == "" {
		return noop(category)
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", path, err)
		return noop(category)
	}
	files = append(files, file)

	zl := zap.New(zapcore.NewCore(encoder(cfg), zapcore.AddSync(file), level)).Named(string(category))
	l := &Logger{category: category, zl: zl, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

func noop(category Category) *Logger {
	zl := zap.NewNop()
	return &Logger{category: category, zl: zl, sugar: zl.Sugar()}
}

func encoder(cfg config.LoggingConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.IsJSON() {
		ec.TimeKey, ec.LevelKey, ec.NameKey, ec.MessageKey = "ts", "lvl", "cat", "msg"
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// Zap returns the category's structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a structured logger carrying the key-value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return l.sugar.With(keysAndValues...)
}

// Attach tees base with the category's file core, so one logger feeds both the
// console and the category log file.
func Attach(category Category, base *zap.Logger) *zap.Logger {
	file := Get(category).zl
	if base == nil {
		return file
	}
	if file.Core().Enabled(zapcore.FatalLevel) {
		return zap.New(zapcore.NewTee(base.Core(), file.Core())).Named(string(category))
	}
	return base.Named(string(category))
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.zl.Sync()
	}
	for _, f := range files {
		f.Close()
	}
	files = nil
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs an error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Entitlement logs to the entitlement category
func Entitlement(format string, args ...interface{}) {
	Get(CategoryEntitlement).Info(format, args...)
}

// EntitlementDebug logs debug to the entitlement category
func EntitlementDebug(format string, args ...interface{}) {
	Get(CategoryEntitlement).Debug(format, args...)
}

// EntitlementWarn logs a warning to the entitlement category
func EntitlementWarn(format string, args ...interface{}) {
	Get(CategoryEntitlement).Warn(format, args...)
}

// Auth logs to the auth category
func Auth(format string, args ...interface{}) {
	Get(CategoryAuth).Info(format, args...)
}

// AuthDebug logs debug to the auth category
func AuthDebug(format string, args ...interface{}) {
	Get(CategoryAuth).Debug(format, args...)
}

// AuthWarn logs a warning to the auth category
func AuthWarn(format string, args ...interface{}) {
	Get(CategoryAuth).Warn(format, args...)
}

// Project logs to the project category
func Project(format string, args ...interface{}) {
	Get(CategoryProject).Info(format, args...)
}

// ProjectDebug logs debug to the project category
func ProjectDebug(format string, args ...interface{}) {
	Get(CategoryProject).Debug(format, args...)
}

// ProjectError logs an error to the project category
func ProjectError(format string, args ...interface{}) {
	Get(CategoryProject).Error(format, args...)
}

// PrefsDebug logs debug to the prefs category
func PrefsDebug(format string, args ...interface{}) {
	Get(CategoryPrefs).Debug(format, args...)
}

// PrefsWarn logs a warning to the prefs category
func PrefsWarn(format string, args ...interface{}) {
	Get(CategoryPrefs).Warn(format, args...)
}

// UIDebug logs debug to the ui category
func UIDebug(format string, args ...interface{}) {
	Get(CategoryUI).Debug(format, args...)
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures one operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs to the performance category if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("[%s] %s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
