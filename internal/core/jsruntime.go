package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind a common
// interface used by the certificate API setup functions in internal/certapi
// and the shared event loop in internal/eventloop.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks()
}

// BinaryTransferer is an optional interface a JSRuntime can provide for
// moving task result bytes into JS without a base64 round trip. V8 stages
// through a SharedArrayBuffer; QuickJS writes the ArrayBuffer directly via
// the libquickjs C API. Results carrying DER or PEM bytes use this path when
// available and fall back to base64 otherwise. The script-to-Go direction
// always travels as base64 inside the task payload.
type BinaryTransferer interface {
	// WriteBinaryToJS stores data as a plain ArrayBuffer at the given
	// global variable name.
	WriteBinaryToJS(globalName string, data []byte) error
}
