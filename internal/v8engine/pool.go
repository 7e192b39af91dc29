//go:build v8

package v8engine

import (
	"fmt"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/certapi"
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/eventloop"
	v8 "github.com/tommie/v8go"
)

// setupFunc installs one scripting API into a fresh runtime.
type setupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// v8Worker is one pooled V8 isolate+context pair with its bridge registry
// and event loop.
type v8Worker struct {
	iso  *v8.Isolate
	ctx  *v8.Context
	rt   *v8Runtime
	reg  *bridge.Registry
	el   *eventloop.EventLoop
	logs *core.LogBuffer
}

// close tears the worker down. The registry is closed first so in-flight
// tasks finish and abandon before the isolate goes away beneath them.
func (w *v8Worker) close() {
	w.reg.Close()
	w.ctx.Close()
	w.iso.Dispose()
}

// buildSetupFuncs returns the setup sequence for a fresh worker. Order
// matters: the bridge base installs the codec and unwrap helpers everything
// later depends on.
func buildSetupFuncs(reg *bridge.Registry, logs *core.LogBuffer) []setupFunc {
	return []setupFunc{
		func(rt core.JSRuntime, el *eventloop.EventLoop) error {
			return certapi.SetupBridgeBase(rt, reg)
		},
		certapi.SetupTimers,
		func(rt core.JSRuntime, el *eventloop.EventLoop) error {
			return certapi.SetupConsole(rt, logs)
		},
		func(rt core.JSRuntime, el *eventloop.EventLoop) error {
			return certapi.SetupCRL(rt, reg)
		},
		func(rt core.JSRuntime, el *eventloop.EventLoop) error {
			return certapi.SetupCert(rt, reg)
		},
	}
}

// v8Pool holds warm workers for one script.
type v8Pool struct {
	workers chan *v8Worker
	cfg     core.RunnerConfig
}

func newV8Pool(cfg core.RunnerConfig) (*v8Pool, error) {
	pool := &v8Pool{
		workers: make(chan *v8Worker, cfg.PoolSize),
		cfg:     cfg,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		w, err := newV8Worker(cfg)
		if err != nil {
			pool.dispose()
			return nil, fmt.Errorf("warming worker %d: %w", i, err)
		}
		pool.workers <- w
	}
	return pool, nil
}

func newV8Worker(cfg core.RunnerConfig) (*v8Worker, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	rt := &v8Runtime{iso: iso, ctx: ctx}

	logs := &core.LogBuffer{}
	reg := bridge.NewRegistry(bridge.Config{
		MaxPending: cfg.MaxPendingTasks,
		MaxHandles: cfg.MaxHandles,
	}, certapi.NewCompletion(rt))
	el := eventloop.New(reg)

	w := &v8Worker{iso: iso, ctx: ctx, rt: rt, reg: reg, el: el, logs: logs}
	for _, setup := range buildSetupFuncs(reg, logs) {
		if err := setup(rt, el); err != nil {
			w.close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	if err := certapi.CaptureBaseline(rt); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// get returns a warm worker, or builds a fresh one if the pool is empty.
func (p *v8Pool) get() (*v8Worker, error) {
	select {
	case w := <-p.workers:
		return w, nil
	default:
		return newV8Worker(p.cfg)
	}
}

// put returns a worker to the pool after scrubbing per-run state. Workers
// that fail the scrub, or don't fit, are closed instead.
func (p *v8Pool) put(w *v8Worker) {
	if err := certapi.ScrubGlobals(w.rt); err != nil {
		w.close()
		return
	}
	w.el.Reset()
	w.reg.ReleaseAllHandles()
	w.logs.Drain()

	select {
	case p.workers <- w:
	default:
		w.close()
	}
}

func (p *v8Pool) dispose() {
	for {
		select {
		case w := <-p.workers:
			w.close()
		default:
			return
		}
	}
}
