package certapi

import (
	"fmt"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/core"
)

// baseJS installs the bridge protocol on globalThis. Error codes mirror
// internal/certerr: 1 allocation, 2 invalid argument, 3 operation failed,
// 4 not found, 5 unsupported.
const baseJS = `
(function() {
	// Pending task registry: id -> {mode, callback} or {mode, resolve, reject}.
	// An entry is the retained completion handle; __cbSettle deletes it before
	// running the continuation so retention is released exactly once even if
	// the continuation throws.
	globalThis.__cbTasks = {};

	globalThis.__cbError = function(code, message) {
		var e = new Error(message);
		e.code = code;
		return e;
	};

	// Parses an envelope returned by a registered Go function and rethrows
	// failures as business errors.
	globalThis.__cbUnwrap = function(envJSON) {
		var env = JSON.parse(envJSON);
		if (env.err) throw globalThis.__cbError(env.err.code, env.err.message);
		return env.ok;
	};

	// Completion mode selection: at maximum arity with a callable in the last
	// slot the caller gets callback delivery (mode 1); anything else is
	// promise delivery (mode 0). Calls beyond the maximum arity are argument
	// errors, not silently truncated.
	globalThis.__cbMode = function(args, max) {
		if (args.length > max) {
			throw globalThis.__cbError(2, 'too many arguments');
		}
		if (args.length === max && typeof args[max - 1] === 'function') {
			return { mode: 1, callback: args[max - 1] };
		}
		return { mode: 0, callback: null };
	};

	// Registers the continuation for a scheduled task and produces the
	// caller-visible value: null in callback mode, a promise otherwise. The
	// promise and its settle pair exist before this returns.
	globalThis.__cbRegister = function(id, mode, cb) {
		if (mode === 1) {
			globalThis.__cbTasks[id] = { mode: 1, callback: cb };
			return null;
		}
		return new Promise(function(resolve, reject) {
			globalThis.__cbTasks[id] = { mode: 0, resolve: resolve, reject: reject };
		});
	};

	// Unwraps a schedule envelope (throws synchronously on schedule failure,
	// nothing was retained) and registers the continuation.
	globalThis.__cbLaunch = function(envJSON, sel) {
		var id = globalThis.__cbUnwrap(envJSON);
		return globalThis.__cbRegister(id, sel.mode, sel.callback);
	};

	// Delivery: called from Go on the VM thread, once per task. Settling an
	// unknown id is a no-op.
	globalThis.__cbSettle = function(id, code, message, kind, payload) {
		var t = globalThis.__cbTasks[id];
		if (!t) return;
		delete globalThis.__cbTasks[id];
		if (t.mode === 1) {
			if (code === 0) t.callback(null, globalThis.__cbDecode(kind, payload));
			else t.callback(globalThis.__cbError(code, message), undefined);
		} else {
			if (code === 0) t.resolve(globalThis.__cbDecode(kind, payload));
			else t.reject(globalThis.__cbError(code, message));
		}
	};

	globalThis.__cbDecode = function(kind, payload) {
		switch (kind) {
		case 'blob': {
			var data;
			if (payload.bin) data = globalThis.__cbBinRead();
			else data = globalThis.__cbB64Decode(payload.b64 || '');
			if (payload.format === undefined || payload.format === null) {
				return { data: data };
			}
			return { data: data, encodingFormat: payload.format };
		}
		case 'object':
			return globalThis.__cbWrap(payload.kind, payload.handle);
		case 'list': {
			var out = [];
			for (var i = 0; i < payload.handles.length; i++) {
				out.push(globalThis.__cbWrap(payload.kind, payload.handles[i]));
			}
			return out;
		}
		}
		return undefined;
	};

	// Builds the class instance owning a native handle. The classes are
	// installed by the per-type setups.
	globalThis.__cbWrap = function(kind, handle) {
		switch (kind) {
		case 'crl':      return new globalThis.__X509Crl(handle);
		case 'crlEntry': return new globalThis.__X509CrlEntry(handle);
		case 'cert':     return new globalThis.__X509Cert(handle);
		case 'pubKey':   return new globalThis.__PubKey(handle);
		}
		return null;
	};

	// Copies the binary-transfer buffer written by Go and releases it.
	globalThis.__cbBinRead = function() {
		var buf = globalThis.__cb_bin;
		delete globalThis.__cb_bin;
		if (!buf) return new Uint8Array(0);
		var src = new Uint8Array(buf);
		var dst = new Uint8Array(src.length);
		dst.set(src);
		return dst;
	};

	// Coerces script-supplied data to bytes: Uint8Array, ArrayBuffer, plain
	// number arrays, and strings (UTF-8, covers PEM text) are accepted.
	globalThis.__cbBytes = function(v) {
		if (v instanceof Uint8Array) return v;
		if (v instanceof ArrayBuffer) return new Uint8Array(v);
		if (Array.isArray(v)) return new Uint8Array(v);
		if (typeof v === 'string') {
			var bytes = [];
			for (var i = 0; i < v.length; i++) {
				var c = v.codePointAt(i);
				if (c > 0xFFFF) i++;
				if (c < 0x80) bytes.push(c);
				else if (c < 0x800) bytes.push(0xC0 | (c >> 6), 0x80 | (c & 63));
				else if (c < 0x10000) bytes.push(0xE0 | (c >> 12), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
				else bytes.push(0xF0 | (c >> 18), 0x80 | ((c >> 12) & 63), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
			}
			return new Uint8Array(bytes);
		}
		return null;
	};

	// Validates an encoding blob argument and prepares it for the bridge.
	globalThis.__cbCheckBlob = function(blob) {
		if (blob === null || typeof blob !== 'object') {
			throw globalThis.__cbError(2, 'encoding blob is invalid');
		}
		var data = globalThis.__cbBytes(blob.data);
		if (data === null) {
			throw globalThis.__cbError(2, 'encoding blob is invalid');
		}
		if (blob.encodingFormat !== 0 && blob.encodingFormat !== 1) {
			throw globalThis.__cbError(2, 'encoding format is invalid');
		}
		return { b64: globalThis.__cbB64Encode(data), format: blob.encodingFormat };
	};

	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;

	globalThis.__cbB64Encode = function(bytes) {
		const len = bytes.length;
		if (len === 0) return '';
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	globalThis.__cbB64Decode = function(data) {
		let b64 = String(data);
		if (b64.length === 0) return new Uint8Array(0);
		let pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length / 4) * 3 - pad;
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = _d[b64.charCodeAt(i + 2)];
			const d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		return bytes;
	};

	// The cert namespace. Creators are attached by the per-type setups.
	globalThis.cert = {
		EncodingFormat: { FORMAT_DER: 0, FORMAT_PEM: 1 }
	};
})();
`

// SetupBridgeBase installs the task/handle protocol glue and the handle
// release function. Must run before the per-type setups.
func SetupBridgeBase(rt core.JSRuntime, reg *bridge.Registry) error {
	if err := rt.RegisterFunc("__cbHandleFree", func(h int64) bool {
		return reg.ReleaseHandle(uint64(h))
	}); err != nil {
		return err
	}
	if err := rt.Eval(baseJS); err != nil {
		return fmt.Errorf("evaluating bridge base.js: %w", err)
	}
	return nil
}
