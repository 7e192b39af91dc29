package certapi

import (
	"github.com/certbridge/certbridge/internal/core"
)

// consoleJS builds a console object whose output lands in the per-run log
// buffer via the Go-backed __cbLog function.
const consoleJS = `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) {
					var arg = arguments[j];
					if (typeof arg === 'object' && arg !== null) {
						try { parts.push(JSON.stringify(arg)); }
						catch (e) { parts.push('[object Object]'); }
					} else {
						parts.push(String(arg));
					}
				}
				__cbLog(lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`

// SetupConsole replaces globalThis.console with a version that captures
// output into logs. Each worker has its own buffer; a worker runs one script
// at a time, so the buffer holds exactly the current run's entries.
func SetupConsole(rt core.JSRuntime, logs *core.LogBuffer) error {
	if err := rt.RegisterFunc("__cbLog", func(level, message string) {
		logs.Add(level, message)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
