// Package bridge connects script-facing certificate entry points to native
// operations that run off the VM goroutine. Each invocation gets a task that
// owns everything the operation allocates; the task is settled back on the
// VM goroutine and released exactly once, on every path.
//
// The bridge is engine-agnostic: it never touches a JS runtime directly.
// Delivery goes through the Completion interface, implemented by the JS glue
// in internal/certapi.
package bridge

import (
	"sync/atomic"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Mode selects how a settled task reaches script code: by invoking a retained
// callback or by settling a promise. The mode is fixed at schedule time and
// never re-examined afterwards.
type Mode uint8

const (
	ModePromise Mode = iota
	ModeCallback
)

// ModeFromInt converts the script-side mode flag (0 promise, 1 callback).
func ModeFromInt(v int) Mode {
	if v == 1 {
		return ModeCallback
	}
	return ModePromise
}

func (m Mode) String() string {
	if m == ModeCallback {
		return "callback"
	}
	return "promise"
}

// PayloadKind discriminates the value a successful task carries.
type PayloadKind uint8

const (
	// PayloadNone settles with no value (operations that only succeed or fail).
	PayloadNone PayloadKind = iota
	// PayloadBlob carries encoded bytes plus their encoding format.
	PayloadBlob
	// PayloadObject carries one native object to be wrapped at dispatch.
	PayloadObject
	// PayloadList carries native objects to be wrapped element by element.
	PayloadList
)

// Native is a domain object together with the routine that destroys it.
// Ownership is explicit: whoever holds the only reference must either hand
// it to the handle table via Registry.Wrap or call Destroy.
type Native struct {
	Kind      string
	Value     any
	destroy   func()
	destroyed atomic.Bool
}

// NewNative builds a Native of the given kind. The destroy routine may be
// nil for objects with no teardown beyond garbage collection.
func NewNative(kind string, value any, destroy func()) *Native {
	return &Native{Kind: kind, Value: value, destroy: destroy}
}

// Destroy runs the destructor at most once and drops the value reference.
func (n *Native) Destroy() {
	if !n.destroyed.CompareAndSwap(false, true) {
		return
	}
	if n.destroy != nil {
		n.destroy()
	}
	n.Value = nil
}

// Destroyed reports whether Destroy has run.
func (n *Native) Destroyed() bool { return n.destroyed.Load() }

// Payload is the owned value a successful executor leaves in the task's
// result slot. Object and List payloads transfer their Natives to the
// dispatcher, which wraps them or destroys them.
type Payload struct {
	Kind   PayloadKind
	Bytes  []byte
	Format int
	Object *Native
	List   []*Native
}

// Outcome is what an executor writes into the task's result slot: either an
// error code with its message, or a success payload. Exactly one of the two
// is meaningful.
type Outcome struct {
	Code    certerr.Code // 0 on success
	Msg     string
	Payload Payload
}

// Fail builds a failed outcome from a bridge error.
func Fail(err *certerr.Error) Outcome {
	return Outcome{Code: err.Code, Msg: err.Message}
}

// OKNone builds a success outcome with no value.
func OKNone() Outcome {
	return Outcome{Payload: Payload{Kind: PayloadNone}}
}

// OKBlob builds a success outcome carrying encoded bytes.
func OKBlob(data []byte, format int) Outcome {
	return Outcome{Payload: Payload{Kind: PayloadBlob, Bytes: data, Format: format}}
}

// OKObject builds a success outcome carrying one native object.
func OKObject(n *Native) Outcome {
	return Outcome{Payload: Payload{Kind: PayloadObject, Object: n}}
}

// OKList builds a success outcome carrying a list of native objects.
func OKList(list []*Native) Outcome {
	return Outcome{Payload: Payload{Kind: PayloadList, List: list}}
}

// Result is the wrapped form of an outcome handed to the Completion: object
// payloads have been moved into the handle table and appear as handle IDs.
type Result struct {
	Kind       PayloadKind
	Bytes      []byte
	Format     int
	HandleKind string
	Handle     uint64
	Handles    []uint64
}

// Completion delivers settled tasks to script code. Implementations run on
// the VM goroutine. For every scheduled task exactly one of Settle or
// Abandon is called, exactly once.
type Completion interface {
	// Settle delivers one outcome: code 0 with a result, or a non-zero
	// code with its message. The implementation must release the script
	// side's retained completion state (callback or promise resolvers)
	// as part of delivery.
	Settle(taskID uint64, mode Mode, code certerr.Code, msg string, res Result)

	// Abandon releases the script side's retained completion state without
	// delivering anything. Used when a registry is closed with tasks still
	// queued, typically because the VM is being discarded.
	Abandon(taskID uint64, mode Mode)
}
