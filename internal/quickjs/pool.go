//go:build !v8

package quickjs

import (
	"fmt"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/certapi"
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/eventloop"
	"modernc.org/quickjs"
)

// setupFunc installs one scripting API into a fresh runtime.
type setupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// qjsWorker is one pooled QuickJS VM with its bridge registry and event loop.
type qjsWorker struct {
	vm   *quickjs.VM
	rt   *qjsRuntime
	reg  *bridge.Registry
	el   *eventloop.EventLoop
	logs *core.LogBuffer
}

// close tears the worker down. The registry is closed first so in-flight
// tasks finish and abandon before the VM goes away beneath them.
func (w *qjsWorker) close() {
	w.reg.Close()
	w.vm.Close()
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

// qjsPool holds warm workers for one script.
type qjsPool struct {
	workers chan *qjsWorker
	cfg     core.RunnerConfig
}

func newQJSPool(cfg core.RunnerConfig) (*qjsPool, error) {
	pool := &qjsPool{
		workers: make(chan *qjsWorker, cfg.PoolSize),
		cfg:     cfg,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		w, err := newQJSWorker(cfg)
		if err != nil {
			pool.dispose()
			return nil, fmt.Errorf("warming worker %d: %w", i, err)
		}
		pool.workers <- w
	}
	return pool, nil
}

func newQJSWorker(cfg core.RunnerConfig) (*qjsWorker, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}

	rt := &qjsRuntime{vm: vm}
	if err := rt.initBinaryTransfer(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("initializing binary transfer: %w", err)
	}

	logs := &core.LogBuffer{}
	reg := bridge.NewRegistry(bridge.Config{
		MaxPending: cfg.MaxPendingTasks,
		MaxHandles: cfg.MaxHandles,
	}, certapi.NewCompletion(rt))
	el := eventloop.New(reg)

	w := &qjsWorker{vm: vm, rt: rt, reg: reg, el: el, logs: logs}
	for _, setup := range buildSetupFuncs(reg, logs) {
		if err := setup(rt, el); err != nil {
			w.close()
			return nil, err
		}
	}
	if err := certapi.CaptureBaseline(rt); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// get returns a warm worker, or builds a fresh one if the pool is empty.
func (p *qjsPool) get() (*qjsWorker, error) {
	select {
	case w := <-p.workers:
		return w, nil
	default:
		return newQJSWorker(p.cfg)
	}
}

// put returns a worker to the pool after scrubbing per-run state. Workers
// that fail the scrub, or don't fit, are closed instead.
func (p *qjsPool) put(w *qjsWorker) {
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

func (p *qjsPool) dispose() {
	for {
		select {
		case w := <-p.workers:
			w.close()
		default:
			return
		}
	}
}
