package certapi

import "github.com/certbridge/certbridge/internal/core"

// baselineJS records every global name present once a worker is fully set
// up. The scrub pass uses it to tell setup state from per-run state.
const baselineJS = `
(function() {
	globalThis.__cbBaseline = {};
	var names = Object.getOwnPropertyNames(globalThis);
	var base = {};
	for (var i = 0; i < names.length; i++) base[names[i]] = true;
	globalThis.__cbBaseline = base;
})();
`

// scrubJS deletes every global added since the baseline and empties the
// retained-callback tables, so a recycled worker starts from setup state.
// Non-configurable properties survive the delete; nothing per-run is one.
const scrubJS = `
(function() {
	var base = globalThis.__cbBaseline || {};
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		if (!base[names[i]]) {
			try { delete globalThis[names[i]]; } catch (e) {}
		}
	}
	globalThis.__cbTasks = {};
	globalThis.__timerCallbacks = {};
})();
`

// CaptureBaseline snapshots the fully set up global namespace. Runs once per
// worker, after the last setup.
func CaptureBaseline(rt core.JSRuntime) error { return rt.Eval(baselineJS) }

// ScrubGlobals resets a worker's global namespace to its baseline. Runs
// before a worker goes back to its pool.
func ScrubGlobals(rt core.JSRuntime) error { return rt.Eval(scrubJS) }
