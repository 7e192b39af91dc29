//go:build !v8

package quickjs

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/certbridge/certbridge/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm *quickjs.VM

	// C API pointers pulled out of the VM's unexported fields at setup.
	// ctx is the JSContext, crt the JSRuntime that owns the job queue.
	tls *libc.TLS
	ctx uintptr
	crt uintptr

	// Fallback state, used only when pointer extraction fails (a quickjs
	// release moved the unexported fields).
	useFallback   bool
	pendingBinary []byte // bytes mid-transfer to JS
}

// btChunkSize is the raw byte chunk size for the fallback base64 transfer
// path. 192 KB of raw bytes encodes to 256 KB of base64.
const btChunkSize = 196608

var _ core.JSRuntime = (*qjsRuntime)(nil)
var _ core.BinaryTransferer = (*qjsRuntime)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err == nil {
		v.Free()
	}
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
// Non-string results format with fmt.Sprint; a nil result reads as "".
func (r *qjsRuntime) EvalString(js string) (string, error) {
	out, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil || out == nil {
		return "", err
	}
	return fmt.Sprint(out), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool. A
// non-boolean result is an error.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	out, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", out)
	}
	return b, nil
}

// RegisterFunc registers a Go function as a global JavaScript function. The
// modernc wrapper surfaces a (T, error) return as a two-element JS array, so
// the registered function is hidden behind a shim that unwraps it: a non-nil
// error slot becomes a thrown TypeError, otherwise the value slot is
// returned as-is.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	shim := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		delete globalThis[%q];
		globalThis[%q] = function() {
			var out = raw.apply(this, arguments);
			if (!Array.isArray(out)) return out;
			if (out[1] !== null && out[1] !== undefined) {
				throw new TypeError("calling %s: " + out[1]);
			}
			return out[0];
		};
	})()`, rawName, rawName, name, name)
	return r.Eval(shim)
}

// RunMicrotasks drains the QuickJS job queue. The modernc.org wrapper never
// calls JS_ExecutePendingJob itself, so promise continuations queued by
// scripts would stay parked without this. Uses the runtime pointer cached at
// setup; if extraction failed there is no way to drive the queue.
func (r *qjsRuntime) RunMicrotasks() {
	if r.useFallback {
		return
	}
	for lib.XJS_ExecutePendingJob(r.tls, r.crt, 0) > 0 {
	}
}

// initBinaryTransfer caches the VM's internal C pointers for direct API
// access. When extraction fails the runtime switches to the chunked base64
// path, which is slower but survives layout changes.
func (r *qjsRuntime) initBinaryTransfer() error {
	if err := r.tryExtractVMInternals(); err != nil {
		r.useFallback = true
		return r.initFallbackTransfer()
	}

	// Smoke test the extracted pointers with a trivial C call.
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)

	return nil
}

// tryExtractVMInternals reaches into the wrapper's unexported fields with
// reflect and unsafe to cache the C pointers. A panic from a layout change
// comes back as an error.
func (r *qjsRuntime) tryExtractVMInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmType := reflect.TypeOf(r.vm).Elem()
	vmPtr := uintptr(unsafe.Pointer(r.vm))

	// The JSContext pointer is the VM struct's first field.
	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext pointer is nil")
	}

	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return fmt.Errorf("quickjs.VM has no 'runtime' field")
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return fmt.Errorf("runtime pointer is nil")
	}

	// The runtime struct starts with the cRuntime pointer, then the TLS.
	r.crt = *(*uintptr)(unsafe.Pointer(rtPtr))
	if r.crt == 0 {
		return fmt.Errorf("JSRuntime pointer is nil")
	}
	r.tls = *(**libc.TLS)(unsafe.Pointer(rtPtr + unsafe.Sizeof(uintptr(0))))
	if r.tls == nil {
		return fmt.Errorf("TLS pointer is nil")
	}

	return nil
}

// WriteBinaryToJS stores data as a JS ArrayBuffer at the given global
// variable name. JS_NewArrayBufferCopy moves the bytes in one copy; the
// chunked base64 path covers the case where the C pointers are unavailable.
func (r *qjsRuntime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if r.useFallback {
		return r.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	// JS_SetPropertyStr consumes the val reference; jsVal must not be freed after.
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// initFallbackTransfer registers the Go side of the chunked base64 path: JS
// pulls the pending bytes one base64 chunk at a time.
func (r *qjsRuntime) initFallbackTransfer() error {
	return r.RegisterFunc("__qjs_bt_chunk", func(offset int) (string, error) {
		if r.pendingBinary == nil {
			return "", fmt.Errorf("no pending binary data")
		}
		end := offset + btChunkSize
		if end > len(r.pendingBinary) {
			end = len(r.pendingBinary)
		}
		return base64.StdEncoding.EncodeToString(r.pendingBinary[offset:end]), nil
	})
}

// writeBinaryFallback moves data into JS in base64 chunks, decoding with the
// bridge's codec (installed by the certapi base setup, which always runs
// before any transfer).
func (r *qjsRuntime) writeBinaryFallback(globalName string, data []byte) error {
	r.pendingBinary = data
	defer func() { r.pendingBinary = nil }()

	return r.Eval(fmt.Sprintf(`(function() {
		var size = %d;
		var view = new Uint8Array(size);
		for (var off = 0; off < size; ) {
			var chunk = globalThis.__cbB64Decode(__qjs_bt_chunk(off));
			view.set(chunk, off);
			off += chunk.length;
		}
		globalThis[%q] = view.buffer;
	})()`, len(data), globalName))
}
