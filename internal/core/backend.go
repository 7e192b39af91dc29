package core

// EngineBackend abstracts the script engine implementation selected at build
// time: QuickJS by default, V8 behind the v8 build tag.
type EngineBackend interface {
	// LoadScript stores a named script source, replacing any previous
	// version and invalidating its warm pool.
	LoadScript(name, source string) error

	// Run executes a loaded script to completion, including all certificate
	// tasks it schedules, and returns its result. The input string is
	// exposed to the script as globalThis.__input.
	Run(name, input string) *RunResult

	// InvalidatePool disposes the warm runtime pool for a script.
	InvalidatePool(name string)

	// Shutdown disposes all pools and cached sources.
	Shutdown()
}
