//go:build v8

package v8engine

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/certbridge/certbridge/internal/certapi"
	"github.com/certbridge/certbridge/internal/core"
)

// scriptPool wraps a v8Pool with an invalidation flag.
type scriptPool struct {
	pool    *v8Pool
	invalid bool
	mu      sync.RWMutex
}

func (sp *scriptPool) isValid() bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return !sp.invalid
}

func (sp *scriptPool) markInvalid() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.invalid = true
}

// Engine runs policy scripts on pooled V8 isolates.
type Engine struct {
	pools   sync.Map // script name -> *scriptPool
	sources sync.Map // script name -> string (JS source)
	config  core.RunnerConfig
	poolMu  sync.Mutex
}

var _ core.EngineBackend = (*Engine)(nil)

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg core.RunnerConfig) *Engine {
	return &Engine{config: cfg}
}

// LoadScript stores a script source under a name. The source is not
// evaluated here: policy scripts run statements at the top level, so a
// validation pass would already execute them. A replaced script invalidates
// its warm pool.
func (e *Engine) LoadScript(name, source string) error {
	if name == "" {
		return fmt.Errorf("script name must not be empty")
	}
	if max := e.config.MaxScriptSizeKB * 1024; max > 0 && len(source) > max {
		return fmt.Errorf("script %s is %d bytes (limit %d)", name, len(source), max)
	}

	if _, replaced := e.sources.Swap(name, source); replaced {
		e.dropPool(name)
	}
	return nil
}

// dropPool removes and disposes the warm pool for a script, if any.
func (e *Engine) dropPool(name string) {
	if val, ok := e.pools.LoadAndDelete(name); ok {
		sp := val.(*scriptPool)
		sp.markInvalid()
		sp.pool.dispose()
	}
}

// getOrCreatePool returns the worker pool for the given script.
func (e *Engine) getOrCreatePool(name string) (*v8Pool, error) {
	if val, ok := e.pools.Load(name); ok {
		sp := val.(*scriptPool)
		if sp.isValid() {
			return sp.pool, nil
		}
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if val, ok := e.pools.Load(name); ok {
		sp := val.(*scriptPool)
		if sp.isValid() {
			return sp.pool, nil
		}
		e.pools.Delete(name)
		sp.pool.dispose()
	}

	pool, err := newV8Pool(e.config)
	if err != nil {
		return nil, fmt.Errorf("creating v8 pool: %w", err)
	}

	sp := &scriptPool{pool: pool}
	e.pools.Store(name, sp)
	return pool, nil
}

// Run executes a loaded script to completion. The script body is wrapped in
// an async function so top-level await and return both work; certificate
// tasks it schedules are drained before the result is read back. An isolate
// that timed out, panicked, or still has tasks in flight is discarded
// rather than returned to the pool.
func (e *Engine) Run(name, input string) (result *core.RunResult) {
	start := time.Now()
	result = &core.RunResult{Value: "undefined"}

	srcVal, ok := e.sources.Load(name)
	if !ok {
		result.Error = fmt.Errorf("no source for script %s", name)
		result.Duration = time.Since(start)
		return result
	}
	source := srcVal.(string)

	pool, err := e.getOrCreatePool(name)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	w, err := pool.get()
	if err != nil {
		result.Error = fmt.Errorf("acquiring isolate from pool: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	var timedOut atomic.Bool
	timeout := time.Duration(e.config.RunTimeout) * time.Millisecond
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		w.iso.TerminateExecution()
	})

	var panicked, tasksLeft bool
	defer func() {
		stopped := watchdog.Stop()
		if r := recover(); r != nil {
			panicked = true
			if timedOut.Load() {
				result.Error = fmt.Errorf("script run timed out (limit: %v)", timeout)
			} else {
				result.Error = fmt.Errorf("script panic: %v", r)
			}
		}
		result.Logs = w.logs.Drain()
		result.Duration = time.Since(start)
		if stopped && !timedOut.Load() && !panicked && !tasksLeft {
			pool.put(w)
		} else {
			log.Printf("certbridge: discarding isolate for script %s (timed out, panicked, or tasks in flight)", name)
			w.close()
			if val, ok := e.pools.Load(name); ok {
				val.(*scriptPool).markInvalid()
			}
		}
	}()

	rt := w.rt

	inputJSON := input
	if inputJSON == "" {
		inputJSON = "null"
	}
	if err := rt.Eval(fmt.Sprintf("globalThis.__input = JSON.parse(%q);", inputJSON)); err != nil {
		result.Error = fmt.Errorf("setting script input: %w", err)
		return result
	}

	wrapped := fmt.Sprintf("globalThis.__call_result = (async function() {\n%s\n})();", source)
	if _, err := w.ctx.RunScript(wrapped, name+".js"); err != nil {
		if timedOut.Load() {
			result.Error = fmt.Errorf("script run timed out (limit: %v)", timeout)
		} else {
			result.Error = fmt.Errorf("evaluating script %s: %w", name, err)
		}
		return result
	}

	rt.RunMicrotasks()

	deadline := start.Add(timeout)
	if w.el.HasPending() {
		w.el.Drain(rt, deadline)
	}

	if err := certapi.AwaitValue(rt, "__call_result", deadline, w.el); err != nil {
		if timedOut.Load() {
			result.Error = fmt.Errorf("script run timed out (limit: %v)", timeout)
		} else {
			result.Error = fmt.Errorf("running script %s: %w", name, err)
		}
		return result
	}

	// Callback-mode tasks are not tied to the result promise; give them the
	// rest of the deadline to settle.
	if w.el.HasPending() {
		w.el.Drain(rt, deadline)
	}
	tasksLeft = w.reg.Pending() > 0

	jsonStr, err := rt.EvalString(`
		(function() {
			var r = globalThis.__call_result;
			delete globalThis.__call_result;
			if (r === undefined) return "undefined";
			var s = JSON.stringify(r);
			return s === undefined ? "undefined" : s;
		})()
	`)
	if err != nil {
		result.Error = fmt.Errorf("serializing script result: %w", err)
		return result
	}
	result.Value = jsonStr

	return result
}

// InvalidatePool disposes the warm isolate pool for a script. The cached
// source stays, so the next Run rebuilds the pool.
func (e *Engine) InvalidatePool(name string) {
	e.dropPool(name)
}

// Shutdown disposes all pools and clears all cached sources.
func (e *Engine) Shutdown() {
	e.pools.Range(func(key, val any) bool {
		sp := val.(*scriptPool)
		sp.markInvalid()
		sp.pool.dispose()
		e.pools.Delete(key)
		return true
	})
	e.sources.Range(func(key, _ any) bool {
		e.sources.Delete(key)
		return true
	})
}
