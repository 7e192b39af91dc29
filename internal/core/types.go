package core

import (
	"sync"
	"time"
)

// LogEntry is one captured console line.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RunResult is the outcome of one policy script run.
type RunResult struct {
	// Value is the JSON rendering of the script's result value, or
	// "undefined" when the script set none.
	Value string
	// Logs holds the console output captured during the run.
	Logs []LogEntry
	// Error is set when the run failed: compile error, uncaught throw,
	// timeout, or engine fault.
	Error error
	// Duration is the wall-clock time the run took.
	Duration time.Duration
}

// Log buffer limits. Messages beyond the entry cap are dropped, oversized
// messages are truncated.
const (
	MaxLogEntries    = 1000
	MaxLogMessageLen = 4096
)

// LogBuffer collects console output for the run that currently owns a
// runtime. Console shims hold a stable pointer to it for the lifetime of
// the runtime; the engine drains it at the end of each run.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Add appends one console line, applying the entry and message caps.
func (b *LogBuffer) Add(level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= MaxLogEntries {
		return
	}
	if len(message) > MaxLogMessageLen {
		message = message[:MaxLogMessageLen] + "... (truncated)"
	}
	b.entries = append(b.entries, LogEntry{Level: level, Message: message, Time: time.Now()})
}

// Drain returns the captured entries and resets the buffer.
func (b *LogBuffer) Drain() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}
