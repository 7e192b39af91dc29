//go:build v8

package v8engine

import (
	"fmt"
	"reflect"

	"github.com/certbridge/certbridge/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements core.JSRuntime for the V8 engine.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*v8Runtime)(nil)
var _ core.BinaryTransferer = (*v8Runtime)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
// v8go hands back a nil value for some void results; those read as "".
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil || val == nil {
		return false, err
	}
	return val.Boolean(), nil
}

// throw raises a JS exception carrying msg and returns the value for the
// callback result slot (always nil).
func (r *v8Runtime) throw(msg string) *v8.Value {
	jsMsg, _ := v8.NewValue(r.iso, msg)
	r.iso.ThrowException(jsMsg)
	return nil
}

// RegisterFunc registers a Go function as a global JavaScript function. The
// signature is inspected with reflection: arguments may be string, int,
// int64, float64, or bool, and the function may return nothing, a single
// value, or (T, error). A non-nil error is thrown into JS.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			return r.throw(fmt.Sprintf("%s expects %d argument(s), got %d", name, fnType.NumIn(), len(args)))
		}

		in := make([]reflect.Value, fnType.NumIn())
		for i := range in {
			in[i] = argValue(args[i], fnType.In(i))
		}
		out := fnVal.Call(in)

		switch len(out) {
		case 1:
			return scalarValue(r.iso, out[0])
		case 2:
			if errVal := out[1]; !errVal.IsNil() {
				return r.throw(fmt.Sprintf("calling %s: %s", name, errVal.Interface().(error).Error()))
			}
			return scalarValue(r.iso, out[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// sabStage is the global that temporarily holds the SharedArrayBuffer
// ferrying result bytes from Go into JS.
const sabStage = "__cb_sab_stage"

// WriteBinaryToJS stores data as a plain ArrayBuffer at globalName. Go cannot
// reach ArrayBuffer backing stores through v8go, so the bytes travel through
// a SharedArrayBuffer: allocate it in JS, fill it from Go, then copy it into
// an ArrayBuffer and drop the staging global.
func (r *v8Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	alloc := fmt.Sprintf("globalThis.%s = new SharedArrayBuffer(%d);", sabStage, len(data))
	if _, err := r.ctx.RunScript(alloc, "sab_alloc.js"); err != nil {
		return fmt.Errorf("allocating SharedArrayBuffer: %w", err)
	}
	discard := func() {
		_, _ = r.ctx.RunScript(fmt.Sprintf("delete globalThis.%s;", sabStage), "sab_cleanup.js")
	}

	if len(data) > 0 {
		sab, err := r.ctx.Global().Get(sabStage)
		if err != nil {
			discard()
			return fmt.Errorf("retrieving SharedArrayBuffer: %w", err)
		}
		store, release, err := sab.SharedArrayBufferGetContents()
		if err != nil {
			discard()
			return fmt.Errorf("reading SharedArrayBuffer backing store: %w", err)
		}
		copy(store, data)
		release()
	}

	move := fmt.Sprintf(`(function() {
		var sab = globalThis.%s;
		delete globalThis.%s;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%q] = buf;
	})()`, sabStage, sabStage, globalName)
	if _, err := r.ctx.RunScript(move, "sab_move.js"); err != nil {
		return fmt.Errorf("moving staged bytes to %s: %w", globalName, err)
	}
	return nil
}

// argValue coerces a JS argument to the Go parameter type. Unsupported kinds
// arrive as their zero value.
func argValue(v *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(v.String())
	case reflect.Int:
		return reflect.ValueOf(int(v.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(v.Integer())
	case reflect.Float64:
		return reflect.ValueOf(v.Number())
	case reflect.Bool:
		return reflect.ValueOf(v.Boolean())
	}
	return reflect.Zero(t)
}

// scalarValue converts a Go return value to a V8 value. Int64 converts
// through float64 so object handles land as plain JS numbers.
func scalarValue(iso *v8.Isolate, rv reflect.Value) *v8.Value {
	if !rv.IsValid() {
		return nil
	}
	var v *v8.Value
	switch rv.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(iso, rv.String())
	case reflect.Int, reflect.Int32:
		v, _ = v8.NewValue(iso, int32(rv.Int()))
	case reflect.Int64:
		v, _ = v8.NewValue(iso, float64(rv.Int()))
	case reflect.Float32, reflect.Float64:
		v, _ = v8.NewValue(iso, rv.Float())
	case reflect.Bool:
		v, _ = v8.NewValue(iso, rv.Bool())
	}
	return v
}
