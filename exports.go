package certbridge

import "github.com/certbridge/certbridge/internal/core"

// Type aliases re-exporting internal/core types so downstream code can use
// certbridge.RunResult, certbridge.RunnerConfig, etc. without importing the
// internal package directly.

type RunnerConfig = core.RunnerConfig
type RunResult = core.RunResult
type LogEntry = core.LogEntry
type EngineBackend = core.EngineBackend

// Constants re-exported from core.
const (
	MaxLogEntries    = core.MaxLogEntries
	MaxLogMessageLen = core.MaxLogMessageLen
)
