// Package certbridge embeds a JavaScript engine and exposes an asynchronous
// X.509 certificate revocation API to policy scripts. Scripts call the
// cert.* surface (createX509Crl, createX509Cert and the wrapped object
// methods); parsing, encoding and signature checks run on Go worker
// goroutines while results are delivered back on the script's thread as
// promises or Node-style callbacks.
//
// The engine backend is QuickJS by default; building with -tags v8 selects
// V8 instead. Around the engine the package provides a SQLite-backed CRL
// cache (Store), an SSRF-hardened CRL downloader (Fetcher), a websocket
// distribution feed client (Feed), and an esbuild-based script bundler.
package certbridge

import "github.com/certbridge/certbridge/internal/core"

// Engine wraps a backend JS engine (QuickJS by default, V8 with -tags v8).
type Engine struct {
	backend core.EngineBackend
}

// NewEngine creates a new Engine with the given config.
func NewEngine(cfg RunnerConfig) *Engine {
	return &Engine{backend: newBackend(cfg)}
}

// LoadScript stores a named policy script, replacing any previous version.
func (e *Engine) LoadScript(name, source string) error {
	return e.backend.LoadScript(name, source)
}

// Run executes a loaded policy script to completion and returns its result,
// captured console output, and any error.
func (e *Engine) Run(name, input string) *RunResult {
	return e.backend.Run(name, input)
}

// InvalidatePool disposes the warm runtime pool for a script.
func (e *Engine) InvalidatePool(name string) {
	e.backend.InvalidatePool(name)
}

// Shutdown disposes of all pools and cached sources.
func (e *Engine) Shutdown() {
	e.backend.Shutdown()
}

// DefaultConfig returns a RunnerConfig with conservative defaults suitable
// for short policy scripts.
func DefaultConfig() RunnerConfig {
	return RunnerConfig{
		PoolSize:        2,
		MemoryLimitMB:   64,
		RunTimeout:      5000,
		MaxPendingTasks: 64,
		MaxHandles:      256,
		MaxScriptSizeKB: 1024,
	}
}
