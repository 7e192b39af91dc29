package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Config bounds the per-registry resource tables.
type Config struct {
	// MaxPending caps tasks that have been scheduled but not yet released.
	MaxPending int
	// MaxHandles caps live wrapped objects.
	MaxHandles int
}

const (
	defaultMaxPending = 64
	defaultMaxHandles = 256
)

// Task is one scheduled certificate operation. It owns its result slot and
// every resource the executor leaves there until the dispatcher releases it.
type Task struct {
	id   uint64
	op   string
	mode Mode
	reg  *Registry
	exec func() Outcome

	outcome Outcome
	// settledOnce guards the result slot: the executor writes it at most
	// once, and nothing else ever writes it.
	settledOnce atomic.Bool
	// releasedOnce guards release: dispatch and abandon share it, so the
	// task is torn down exactly once no matter which path runs.
	releasedOnce atomic.Bool
}

// ID returns the task identifier the script side retains its completion
// state under.
func (t *Task) ID() uint64 { return t.id }

// Op returns the operation name, for logs.
func (t *Task) Op() string { return t.op }

// Mode returns the completion mode fixed at schedule time.
func (t *Task) Mode() Mode { return t.mode }

// Registry owns the task and handle tables for one VM. All mutable state is
// reached through an explicit *Registry; nothing in this package lives in
// package-level variables, so VMs never share or leak bridge state.
type Registry struct {
	cfg  Config
	comp Completion

	mu         sync.Mutex
	closed     bool
	tasks      map[uint64]*Task
	nextTask   uint64
	handles    map[uint64]*Native
	nextHandle uint64

	// settled receives each task exactly once, when its executor finishes.
	// Capacity MaxPending: an admitted task always has channel room, so
	// executors never block on delivery.
	settled  chan *Task
	inFlight sync.WaitGroup
}

// NewRegistry builds a registry delivering through comp.
func NewRegistry(cfg Config, comp Completion) *Registry {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.MaxHandles <= 0 {
		cfg.MaxHandles = defaultMaxHandles
	}
	return &Registry{
		cfg:     cfg,
		comp:    comp,
		tasks:   make(map[uint64]*Task),
		handles: make(map[uint64]*Native),
		settled: make(chan *Task, cfg.MaxPending),
	}
}

// Schedule creates a task and starts its executor on a new goroutine. The
// returned ID is what the script side stores its callback or promise
// resolvers under. When the task table is full or the registry is closed,
// nothing is scheduled and the caller reports the error synchronously.
//
// Callers resolve and validate their arguments before scheduling; exec runs
// off the VM goroutine and must not touch the runtime.
func (r *Registry) Schedule(op string, mode Mode, exec func() Outcome) (uint64, *certerr.Error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, certerr.Allocation("task context allocation failed")
	}
	if len(r.tasks) >= r.cfg.MaxPending {
		r.mu.Unlock()
		return 0, certerr.Allocation("task context allocation failed")
	}
	r.nextTask++
	t := &Task{id: r.nextTask, op: op, mode: mode, reg: r, exec: exec}
	r.tasks[t.id] = t
	r.inFlight.Add(1)
	r.mu.Unlock()

	go t.run()
	return t.id, nil
}

// run executes the task off the VM goroutine and parks the settled task on
// the channel for the event loop to dispatch.
func (t *Task) run() {
	defer t.reg.inFlight.Done()
	out := t.exec()
	if !t.settledOnce.CompareAndSwap(false, true) {
		return
	}
	t.outcome = out
	t.reg.settled <- t
}

// TakeSettled returns one settled, undispatched task without blocking.
func (r *Registry) TakeSettled() (*Task, bool) {
	select {
	case t := <-r.settled:
		return t, true
	default:
		return nil, false
	}
}

// Dispatch delivers the task's outcome through the completion surface and
// releases the task. Must run on the VM goroutine. Wrap failures during
// dispatch convert the outcome into an allocation failure; release happens
// unconditionally either way. A task is dispatched or abandoned at most
// once; extra calls are no-ops.
func (r *Registry) Dispatch(t *Task) {
	if !t.releasedOnce.CompareAndSwap(false, true) {
		return
	}
	code, msg := t.outcome.Code, t.outcome.Msg
	res, werr := r.wrapOutcome(&t.outcome)
	if werr != nil {
		code, msg = werr.Code, werr.Message
		res = Result{Kind: PayloadNone}
	}
	r.comp.Settle(t.id, t.mode, code, msg, res)
	t.releaseOwned()
}

// wrapOutcome moves object payloads out of the result slot and into the
// handle table. On wrap failure the failed object has already been
// destroyed by Wrap; remaining list elements are destroyed here and any
// handles already inserted for this task are rolled back, so a failed
// dispatch leaks nothing and delivers nothing partial.
func (r *Registry) wrapOutcome(out *Outcome) (Result, *certerr.Error) {
	if out.Code != 0 {
		return Result{Kind: PayloadNone}, nil
	}
	p := &out.Payload
	switch p.Kind {
	case PayloadBlob:
		return Result{Kind: PayloadBlob, Bytes: p.Bytes, Format: p.Format}, nil

	case PayloadObject:
		n := p.Object
		p.Object = nil
		h, cerr := r.Wrap(n)
		if cerr != nil {
			return Result{}, cerr
		}
		return Result{Kind: PayloadObject, HandleKind: n.Kind, Handle: h}, nil

	case PayloadList:
		list := p.List
		p.List = nil
		handles := make([]uint64, 0, len(list))
		kind := ""
		for i, n := range list {
			kind = n.Kind
			h, cerr := r.Wrap(n)
			if cerr != nil {
				for _, rest := range list[i+1:] {
					rest.Destroy()
				}
				for _, done := range handles {
					r.ReleaseHandle(done)
				}
				return Result{}, cerr
			}
			handles = append(handles, h)
		}
		return Result{Kind: PayloadList, HandleKind: kind, Handles: handles}, nil
	}
	return Result{Kind: PayloadNone}, nil
}

// releaseOwned frees whatever the result slot still owns and removes the
// task from the table. Callers hold the releasedOnce guard.
func (t *Task) releaseOwned() {
	if n := t.outcome.Payload.Object; n != nil {
		n.Destroy()
	}
	for _, n := range t.outcome.Payload.List {
		if n != nil {
			n.Destroy()
		}
	}
	t.reg.mu.Lock()
	delete(t.reg.tasks, t.id)
	t.reg.mu.Unlock()
}

// Wrap moves ownership of n into the handle table and returns its handle.
// On failure n is destroyed before returning, and the caller reports
// allocation-failure semantics to script code.
func (r *Registry) Wrap(n *Native) (uint64, *certerr.Error) {
	if n == nil {
		return 0, certerr.Allocation("object wrap failed")
	}
	r.mu.Lock()
	if r.closed || len(r.handles) >= r.cfg.MaxHandles {
		r.mu.Unlock()
		n.Destroy()
		return 0, certerr.Allocation("object wrap failed")
	}
	r.nextHandle++
	h := r.nextHandle
	r.handles[h] = n
	r.mu.Unlock()
	return h, nil
}

// Lookup resolves a handle to its native object, checking the kind tag.
// The object stays owned by the handle table; callers borrow it.
func (r *Registry) Lookup(h uint64, kind string) (*Native, *certerr.Error) {
	r.mu.Lock()
	n, ok := r.handles[h]
	r.mu.Unlock()
	if !ok || n.Kind != kind {
		return nil, certerr.InvalidArgument("object handle is invalid")
	}
	return n, nil
}

// ReleaseHandle removes a handle and destroys its object. Releasing an
// unknown handle is a no-op, so script-side release is idempotent.
func (r *Registry) ReleaseHandle(h uint64) bool {
	r.mu.Lock()
	n, ok := r.handles[h]
	if ok {
		delete(r.handles, h)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	n.Destroy()
	return true
}

// ReleaseAllHandles destroys every live handle and empties the table. Used
// when a VM is recycled between runs: wrapped objects from the previous run
// must not survive into the next one. Returns the number destroyed.
func (r *Registry) ReleaseAllHandles() int {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uint64]*Native)
	r.mu.Unlock()
	for _, n := range handles {
		n.Destroy()
	}
	return len(handles)
}

// Pending counts tasks scheduled but not yet released.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// LiveHandles counts wrapped objects currently alive.
func (r *Registry) LiveHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close shuts the registry down: no new tasks are admitted, running
// executors are waited for, queued settled tasks are abandoned (retention
// released, nothing delivered), and all live handles are destroyed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.inFlight.Wait()
	for {
		t, ok := r.TakeSettled()
		if !ok {
			break
		}
		if t.releasedOnce.CompareAndSwap(false, true) {
			r.comp.Abandon(t.id, t.mode)
			t.releaseOwned()
		}
	}

	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uint64]*Native)
	r.mu.Unlock()
	for _, n := range handles {
		n.Destroy()
	}
}
