// Package logging provides categorized zap loggers for chapterforge.
// Each subsystem logs under its own named logger so log output can be
// filtered per category without touching call sites.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names the subsystems that log independently.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator" // Stage machine, chapter lifecycle
	CategoryProvider     Category = "provider"     // LLM routing, fallback, cost
	CategoryBreaker      Category = "breaker"      // Circuit breaker transitions
	CategoryResearch     Category = "research"     // Internal + external retrieval
	CategoryStore        Category = "store"        // SQLite persistence
	CategoryWorker       Category = "worker"       // Background task runtime
	CategoryStream       Category = "stream"       // Progress channel
	CategoryIngest       Category = "ingest"       // Document ingestion
	CategoryBoot         Category = "boot"         // Startup and wiring
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init installs the process-wide root logger. Pass debug=true for
// development output, false for production JSON.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the root logger. Tests use this with zap.NewNop or
// an observed core.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
}

// Get returns the named logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(cat))
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
