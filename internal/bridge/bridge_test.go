package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/certbridge/certbridge/internal/certerr"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type settleRecord struct {
	mode Mode
	code certerr.Code
	msg  string
	res  Result
}

// fakeCompletion counts deliveries per task so exactly-once properties can
// be asserted directly.
type fakeCompletion struct {
	mu       sync.Mutex
	settles  map[uint64]int
	abandons map[uint64]int
	last     map[uint64]settleRecord
}

func newFakeCompletion() *fakeCompletion {
	return &fakeCompletion{
		settles:  make(map[uint64]int),
		abandons: make(map[uint64]int),
		last:     make(map[uint64]settleRecord),
	}
}

func (f *fakeCompletion) Settle(taskID uint64, mode Mode, code certerr.Code, msg string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles[taskID]++
	f.last[taskID] = settleRecord{mode: mode, code: code, msg: msg, res: res}
}

func (f *fakeCompletion) Abandon(taskID uint64, mode Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandons[taskID]++
}

func (f *fakeCompletion) settleCount(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settles[id]
}

func (f *fakeCompletion) abandonCount(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandons[id]
}

func (f *fakeCompletion) record(id uint64) settleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[id]
}

func newTestRegistry(cfg Config) (*Registry, *fakeCompletion) {
	comp := newFakeCompletion()
	return NewRegistry(cfg, comp), comp
}

// waitSettled polls until one settled task is available.
func waitSettled(t *testing.T, r *Registry) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := r.TakeSettled(); ok {
			return task
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no task settled before deadline")
	return nil
}

// countingNative builds a Native whose destructor increments counter.
func countingNative(kind string, counter *int32) *Native {
	return NewNative(kind, kind, func() { atomic.AddInt32(counter, 1) })
}

// ---------------------------------------------------------------------------
// Delivery and release
// ---------------------------------------------------------------------------

func TestDispatch_DeliversExactlyOnce(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	id, cerr := r.Schedule("crl.verify", ModePromise, func() Outcome { return OKNone() })
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}

	task := waitSettled(t, r)
	r.Dispatch(task)
	r.Dispatch(task) // second dispatch must be a no-op

	if got := comp.settleCount(id); got != 1 {
		t.Errorf("settle count = %d, want 1", got)
	}
	if rec := comp.record(id); rec.code != 0 || rec.res.Kind != PayloadNone {
		t.Errorf("record = %+v, want success with no payload", rec)
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestDispatch_ModePreserved(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	for wantMode, flag := range map[Mode]int{ModePromise: 0, ModeCallback: 1} {
		id, cerr := r.Schedule("crl.getEncoded", ModeFromInt(flag), func() Outcome {
			return OKBlob([]byte{1, 2, 3}, 0)
		})
		if cerr != nil {
			t.Fatalf("Schedule: %v", cerr)
		}
		r.Dispatch(waitSettled(t, r))

		rec := comp.record(id)
		if rec.mode != wantMode {
			t.Errorf("mode = %v, want %v", rec.mode, wantMode)
		}
		if rec.res.Kind != PayloadBlob || len(rec.res.Bytes) != 3 {
			t.Errorf("res = %+v, want 3-byte blob", rec.res)
		}
	}
}

func TestDispatch_ErrorPassThrough(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	id, cerr := r.Schedule("crl.create", ModeCallback, func() Outcome {
		return Fail(certerr.Operation("crl parse failed"))
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.code != certerr.CodeOperation {
		t.Errorf("code = %v, want CodeOperation", rec.code)
	}
	if rec.msg != "crl parse failed" {
		t.Errorf("msg = %q, want %q", rec.msg, "crl parse failed")
	}
	if rec.res.Kind != PayloadNone {
		t.Errorf("failed task carried payload kind %v", rec.res.Kind)
	}
	if comp.settleCount(id) != 1 {
		t.Errorf("settle count = %d, want 1", comp.settleCount(id))
	}
}

func TestConcurrentTasks_EachDeliveredOnce(t *testing.T) {
	r, comp := newTestRegistry(Config{MaxPending: 32})
	defer r.Close()

	const n = 20
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		i := i
		id, cerr := r.Schedule("crl.getEncoded", ModePromise, func() Outcome {
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			if i%4 == 0 {
				return Fail(certerr.Operation("crl parse failed"))
			}
			return OKBlob([]byte{byte(i)}, 0)
		})
		if cerr != nil {
			t.Fatalf("Schedule %d: %v", i, cerr)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Pending() > 0 && time.Now().Before(deadline) {
		if task, ok := r.TakeSettled(); ok {
			r.Dispatch(task)
			continue
		}
		time.Sleep(time.Millisecond)
	}
	if got := r.Pending(); got != 0 {
		t.Fatalf("Pending() = %d after drain, want 0", got)
	}
	for _, id := range ids {
		if got := comp.settleCount(id); got != 1 {
			t.Errorf("task %d settle count = %d, want 1", id, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Scheduling failures
// ---------------------------------------------------------------------------

func TestSchedule_CapExhausted(t *testing.T) {
	r, comp := newTestRegistry(Config{MaxPending: 1})
	defer r.Close()

	gate := make(chan struct{})
	id1, cerr := r.Schedule("crl.getRevokedCerts", ModePromise, func() Outcome {
		<-gate
		return OKList(nil)
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}

	// Table is full: the second schedule fails synchronously and schedules
	// nothing.
	if _, cerr := r.Schedule("crl.getEncoded", ModePromise, func() Outcome { return OKNone() }); cerr == nil {
		t.Fatal("second Schedule succeeded, want allocation failure")
	} else if cerr.Code != certerr.CodeAllocation {
		t.Errorf("code = %v, want CodeAllocation", cerr.Code)
	}

	close(gate)
	r.Dispatch(waitSettled(t, r))
	if got := comp.settleCount(id1); got != 1 {
		t.Errorf("first task settle count = %d, want 1", got)
	}
	// The rejected schedule left no trace.
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestSchedule_AfterClose(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	r.Close()

	if _, cerr := r.Schedule("crl.verify", ModePromise, func() Outcome { return OKNone() }); cerr == nil {
		t.Fatal("Schedule after Close succeeded, want allocation failure")
	} else if cerr.Code != certerr.CodeAllocation {
		t.Errorf("code = %v, want CodeAllocation", cerr.Code)
	}
}

// ---------------------------------------------------------------------------
// Object wrapping
// ---------------------------------------------------------------------------

func TestDispatch_WrapsObject(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	var destroyed int32
	id, cerr := r.Schedule("cert.createX509Crl", ModePromise, func() Outcome {
		return OKObject(countingNative("crl", &destroyed))
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.code != 0 || rec.res.Kind != PayloadObject || rec.res.HandleKind != "crl" {
		t.Fatalf("record = %+v, want wrapped crl object", rec)
	}
	if got := r.LiveHandles(); got != 1 {
		t.Errorf("LiveHandles() = %d, want 1", got)
	}

	n, lerr := r.Lookup(rec.res.Handle, "crl")
	if lerr != nil {
		t.Fatalf("Lookup: %v", lerr)
	}
	if n.Value != "crl" {
		t.Errorf("Lookup value = %v, want the wrapped native", n.Value)
	}
	if atomic.LoadInt32(&destroyed) != 0 {
		t.Error("native destroyed while still wrapped")
	}

	// Release destroys exactly once; a second release is a no-op.
	if !r.ReleaseHandle(rec.res.Handle) {
		t.Error("ReleaseHandle = false, want true")
	}
	if r.ReleaseHandle(rec.res.Handle) {
		t.Error("second ReleaseHandle = true, want false")
	}
	if got := atomic.LoadInt32(&destroyed); got != 1 {
		t.Errorf("destroy count = %d, want 1", got)
	}
}

func TestDispatch_WrapFailureDestroysImmediately(t *testing.T) {
	r, comp := newTestRegistry(Config{MaxHandles: 1})
	defer r.Close()

	// Fill the handle table.
	var pinned int32
	if _, cerr := r.Wrap(countingNative("crl", &pinned)); cerr != nil {
		t.Fatalf("Wrap: %v", cerr)
	}

	var destroyed int32
	id, cerr := r.Schedule("cert.createX509Crl", ModePromise, func() Outcome {
		return OKObject(countingNative("crl", &destroyed))
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.code != certerr.CodeAllocation {
		t.Errorf("code = %v, want CodeAllocation", rec.code)
	}
	if got := atomic.LoadInt32(&destroyed); got != 1 {
		t.Errorf("failed wrap destroy count = %d, want 1 (destroyed at dispatch)", got)
	}
	if got := comp.settleCount(id); got != 1 {
		t.Errorf("settle count = %d, want 1", got)
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0 (task released despite wrap failure)", got)
	}
	if got := atomic.LoadInt32(&pinned); got != 0 {
		t.Error("unrelated handle destroyed by wrap failure")
	}
}

func TestDispatch_ListOrderAndCount(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	var destroyed [3]int32
	id, cerr := r.Schedule("crl.getRevokedCerts", ModePromise, func() Outcome {
		return OKList([]*Native{
			NewNative("crlEntry", "e0", func() { atomic.AddInt32(&destroyed[0], 1) }),
			NewNative("crlEntry", "e1", func() { atomic.AddInt32(&destroyed[1], 1) }),
			NewNative("crlEntry", "e2", func() { atomic.AddInt32(&destroyed[2], 1) }),
		})
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.res.Kind != PayloadList || rec.res.HandleKind != "crlEntry" {
		t.Fatalf("record = %+v, want crlEntry list", rec)
	}
	if len(rec.res.Handles) != 3 {
		t.Fatalf("len(handles) = %d, want 3", len(rec.res.Handles))
	}
	for i, h := range rec.res.Handles {
		n, lerr := r.Lookup(h, "crlEntry")
		if lerr != nil {
			t.Fatalf("Lookup handle %d: %v", i, lerr)
		}
		if want := fmt.Sprintf("e%d", i); n.Value != want {
			t.Errorf("handle %d value = %v, want %q (list order broken)", i, n.Value, want)
		}
	}
}

func TestDispatch_EmptyList(t *testing.T) {
	r, comp := newTestRegistry(Config{})
	defer r.Close()

	id, cerr := r.Schedule("crl.getRevokedCerts", ModePromise, func() Outcome {
		return OKList(nil)
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.code != 0 {
		t.Errorf("code = %v, want success", rec.code)
	}
	if rec.res.Kind != PayloadList || len(rec.res.Handles) != 0 {
		t.Errorf("record = %+v, want empty list", rec)
	}
}

func TestDispatch_ListRollbackOnWrapFailure(t *testing.T) {
	r, comp := newTestRegistry(Config{MaxHandles: 2})
	defer r.Close()

	var destroyed [3]int32
	id, cerr := r.Schedule("crl.getRevokedCerts", ModePromise, func() Outcome {
		return OKList([]*Native{
			countingNative("crlEntry", &destroyed[0]),
			countingNative("crlEntry", &destroyed[1]),
			countingNative("crlEntry", &destroyed[2]),
		})
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	r.Dispatch(waitSettled(t, r))

	rec := comp.record(id)
	if rec.code != certerr.CodeAllocation {
		t.Errorf("code = %v, want CodeAllocation", rec.code)
	}
	// Nothing partial survives: the failed element, the remainder, and the
	// already-wrapped elements are all destroyed exactly once.
	for i := range destroyed {
		if got := atomic.LoadInt32(&destroyed[i]); got != 1 {
			t.Errorf("element %d destroy count = %d, want 1", i, got)
		}
	}
	if got := r.LiveHandles(); got != 0 {
		t.Errorf("LiveHandles() = %d, want 0 after rollback", got)
	}
}

// ---------------------------------------------------------------------------
// Handle table
// ---------------------------------------------------------------------------

func TestLookup_InvalidHandles(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	defer r.Close()

	var destroyed int32
	h, cerr := r.Wrap(countingNative("crl", &destroyed))
	if cerr != nil {
		t.Fatalf("Wrap: %v", cerr)
	}

	if _, lerr := r.Lookup(h, "crlEntry"); lerr == nil || lerr.Code != certerr.CodeInvalidArgument {
		t.Errorf("kind-mismatched Lookup = %v, want CodeInvalidArgument", lerr)
	}
	if _, lerr := r.Lookup(h+100, "crl"); lerr == nil || lerr.Code != certerr.CodeInvalidArgument {
		t.Errorf("unknown-handle Lookup = %v, want CodeInvalidArgument", lerr)
	}

	r.ReleaseHandle(h)
	if _, lerr := r.Lookup(h, "crl"); lerr == nil || lerr.Code != certerr.CodeInvalidArgument {
		t.Errorf("stale Lookup = %v, want CodeInvalidArgument", lerr)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestClose_AbandonsUndispatchedTasks(t *testing.T) {
	r, comp := newTestRegistry(Config{})

	var destroyed int32
	done := make(chan struct{})
	id, cerr := r.Schedule("cert.createX509Crl", ModePromise, func() Outcome {
		defer close(done)
		return OKObject(countingNative("crl", &destroyed))
	})
	if cerr != nil {
		t.Fatalf("Schedule: %v", cerr)
	}
	<-done

	// Close without dispatching: retention is released without delivery and
	// the payload object is destroyed.
	r.Close()

	if got := comp.settleCount(id); got != 0 {
		t.Errorf("settle count = %d, want 0 (task was never dispatched)", got)
	}
	if got := comp.abandonCount(id); got != 1 {
		t.Errorf("abandon count = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&destroyed); got != 1 {
		t.Errorf("payload destroy count = %d, want 1", got)
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestClose_DestroysLiveHandles(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	var destroyed [2]int32
	for i := range destroyed {
		if _, cerr := r.Wrap(countingNative("crl", &destroyed[i])); cerr != nil {
			t.Fatalf("Wrap %d: %v", i, cerr)
		}
	}
	r.Close()
	r.Close() // idempotent

	for i := range destroyed {
		if got := atomic.LoadInt32(&destroyed[i]); got != 1 {
			t.Errorf("handle %d destroy count = %d, want 1", i, got)
		}
	}
	if got := r.LiveHandles(); got != 0 {
		t.Errorf("LiveHandles() = %d, want 0", got)
	}
}
