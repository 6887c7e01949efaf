// Package logging provides config-driven categorized file-based logging for
// gridmind. Each category writes to its own rotating file under the log
// directory so a long agent run can be read subsystem by subsystem. When
// logging is disabled every call is a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Category represents a log category/system
type Category string

const (
	// Core lifecycle categories
	CategoryBoot    Category = "boot"    // Startup and shutdown
	CategorySession Category = "session" // Session persistence, episodes

	// Reasoning loop categories
	CategoryEngine        Category = "engine"        // Turn pipeline orchestration
	CategoryPercept       Category = "percept"       // Observation intake and validation
	CategoryKnowledge     Category = "knowledge"     // Rule store mutations
	CategoryPlanner       Category = "planner"       // Mood, state machine, action planning
	CategoryConsolidation Category = "consolidation" // Episode-complete sweeps
	CategoryTurn          Category = "turn"          // Turn log lifecycle

	// Supporting system categories
	CategoryMemory  Category = "memory"  // Experience recall
	CategoryStore   Category = "store"   // SQLite persistence
	CategoryPacks   Category = "packs"   // Knowledge pack loading and watching
	CategoryMetrics Category = "metrics" // Metrics endpoint
)

// Config controls the categorized logger. The config package embeds it
// directly in the YAML schema; keeping the struct here avoids a circular
// import.
type Config struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	Dir        string          `yaml:"dir" json:"dir"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	MaxSizeMB  int             `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int             `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int             `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool            `yaml:"compress" json:"compress"`
}

// DefaultConfig returns the logging defaults: enabled, info level, rotating
// files under .gridmind/logs.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Dir:        filepath.Join(".gridmind", "logs"),
		Level:      "info",
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// StructuredLogEntry is the JSON line format used when json_format is on.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"` // Log message
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and rotating file output
type Logger struct {
	category Category
	logger   *log.Logger
	writer   *lumberjack.Logger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	config    Config
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from config.
// Should be called once at startup, before the first log line.
func Initialize(cfg Config) error {
	configMu.Lock()
	config = cfg
	logLevel = levelFor(cfg.Level)
	configMu.Unlock()

	// Drop loggers built under a previous config.
	CloseAll()

	if !cfg.Enabled {
		return nil // Silent no-op when disabled
	}
	if cfg.Dir == "" {
		return fmt.Errorf("logging enabled but no directory configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== gridmind logging initialized ===")
	boot.Info("Logs directory: %s", cfg.Dir)
	boot.Info("Log level: %s", cfg.Level)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(cfg.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func levelFor(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsEnabled returns whether logging is on at all.
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.Enabled
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.Enabled || config.Dir == "" {
		return false
	}
	if config.Categories == nil {
		return true // All enabled by default
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
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

	configMu.RLock()
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(config.Dir, string(category)+".log"),
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}
	configMu.RUnlock()

	l := &Logger{
		category: category,
		writer:   writer,
		logger:   log.New(writer, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// logJSON writes a structured JSON log entry
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.writer != nil {
			l.writer.Close()
		}
	}
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

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// EngineWarn logs warning to the engine category
func EngineWarn(format string, args ...interface{}) {
	Get(CategoryEngine).Warn(format, args...)
}

// EngineError logs error to the engine category
func EngineError(format string, args ...interface{}) {
	Get(CategoryEngine).Error(format, args...)
}

// Percept logs to the percept category
func Percept(format string, args ...interface{}) {
	Get(CategoryPercept).Info(format, args...)
}

// PerceptWarn logs warning to the percept category
func PerceptWarn(format string, args ...interface{}) {
	Get(CategoryPercept).Warn(format, args...)
}

// Knowledge logs to the knowledge category
func Knowledge(format string, args ...interface{}) {
	Get(CategoryKnowledge).Info(format, args...)
}

// KnowledgeDebug logs debug to the knowledge category
func KnowledgeDebug(format string, args ...interface{}) {
	Get(CategoryKnowledge).Debug(format, args...)
}

// Planner logs to the planner category
func Planner(format string, args ...interface{}) {
	Get(CategoryPlanner).Info(format, args...)
}

// PlannerDebug logs debug to the planner category
func PlannerDebug(format string, args ...interface{}) {
	Get(CategoryPlanner).Debug(format, args...)
}

// Consolidation logs to the consolidation category
func Consolidation(format string, args ...interface{}) {
	Get(CategoryConsolidation).Info(format, args...)
}

// ConsolidationDebug logs debug to the consolidation category
func ConsolidationDebug(format string, args ...interface{}) {
	Get(CategoryConsolidation).Debug(format, args...)
}

// Turn logs to the turn category
func Turn(format string, args ...interface{}) {
	Get(CategoryTurn).Info(format, args...)
}

// TurnDebug logs debug to the turn category
func TurnDebug(format string, args ...interface{}) {
	Get(CategoryTurn).Debug(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Packs logs to the packs category
func Packs(format string, args ...interface{}) {
	Get(CategoryPacks).Info(format, args...)
}

// PacksDebug logs debug to the packs category
func PacksDebug(format string, args ...interface{}) {
	Get(CategoryPacks).Debug(format, args...)
}

// PacksWarn logs warning to the packs category
func PacksWarn(format string, args ...interface{}) {
	Get(CategoryPacks).Warn(format, args...)
}

// Metrics logs to the metrics category
func Metrics(format string, args ...interface{}) {
	Get(CategoryMetrics).Info(format, args...)
}

// =============================================================================
// TURN-SCOPED LOGGING - Correlates lines within one reasoning turn
// =============================================================================

// TurnLogger prefixes every line with the turn index so a single turn's
// trail can be grepped out of a category file.
type TurnLogger struct {
	logger *Logger
	turn   int
}

// WithTurn creates a turn-scoped logger for a category.
func WithTurn(category Category, turn int) *TurnLogger {
	return &TurnLogger{logger: Get(category), turn: turn}
}

func (t *TurnLogger) format(format string, args ...interface{}) string {
	return fmt.Sprintf("[turn:%d] %s", t.turn, fmt.Sprintf(format, args...))
}

func (t *TurnLogger) Debug(format string, args ...interface{}) {
	t.logger.Debug("%s", t.format(format, args...))
}

func (t *TurnLogger) Info(format string, args ...interface{}) {
	t.logger.Info("%s", t.format(format, args...))
}

func (t *TurnLogger) Warn(format string, args ...interface{}) {
	t.logger.Warn("%s", t.format(format, args...))
}

func (t *TurnLogger) Error(format string, args ...interface{}) {
	t.logger.Error("%s", t.format(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
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

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
