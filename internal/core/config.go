package core

// RunnerConfig holds runtime configuration for the policy script engine.
type RunnerConfig struct {
	PoolSize        int // number of JS runtime instances per script pool
	MemoryLimitMB   int // per-runtime memory limit
	RunTimeout      int // milliseconds before a run is terminated
	MaxPendingTasks int // max in-flight certificate tasks per runtime
	MaxHandles      int // max live wrapped certificate objects per runtime
	MaxScriptSizeKB int // max script source size
}
