package certbridge

import (
	"testing"
)

func TestTimers_SetTimeoutOrdering(t *testing.T) {
	e := newTestEngine(t)

	source := `
const order = [];
await new Promise(function(resolve) {
	setTimeout(function() { order.push("late"); resolve(); }, 60);
	setTimeout(function() { order.push("early"); }, 20);
});
order.push("done");
return order;`

	r := runJS(t, e, source, "")
	assertRunOK(t, r)
	if r.Value != `["early","late","done"]` {
		t.Errorf("value = %q", r.Value)
	}
}

func TestTimers_SetTimeoutArgs(t *testing.T) {
	e := newTestEngine(t)

	source := `
return await new Promise(function(resolve) {
	setTimeout(function(a, b) { resolve(a + b); }, 10, "x", "y");
});`

	r := runJS(t, e, source, "")
	assertRunOK(t, r)
	if r.Value != `"xy"` {
		t.Errorf("value = %q, want \"xy\"", r.Value)
	}
}

func TestTimers_ClearTimeout(t *testing.T) {
	e := newTestEngine(t)

	source := `
let fired = false;
const id = setTimeout(function() { fired = true; }, 20);
clearTimeout(id);
await new Promise(function(resolve) { setTimeout(resolve, 60); });
return { fired: fired };`

	m := resultMap(t, runJS(t, e, source, ""))
	if m["fired"] != false {
		t.Error("cleared timeout still fired")
	}
}

func TestTimers_Interval(t *testing.T) {
	e := newTestEngine(t)

	source := `
let ticks = 0;
await new Promise(function(resolve) {
	const id = setInterval(function() {
		ticks++;
		if (ticks === 3) {
			clearInterval(id);
			resolve();
		}
	}, 15);
});
// The cleared interval must not tick again.
await new Promise(function(resolve) { setTimeout(resolve, 50); });
return { ticks: ticks };`

	m := resultMap(t, runJS(t, e, source, ""))
	if m["ticks"] != float64(3) {
		t.Errorf("ticks = %v, want 3", m["ticks"])
	}
}

func TestTimers_InvalidArguments(t *testing.T) {
	e := newTestEngine(t)

	source := `
return {
	noFn: setTimeout(),
	notCallable: setTimeout("str", 10),
	clearNoop: (clearTimeout("x"), clearTimeout(), true),
};`

	m := resultMap(t, runJS(t, e, source, ""))
	if m["noFn"] != float64(0) || m["notCallable"] != float64(0) {
		t.Errorf("invalid registrations returned ids: %v", m)
	}
	if m["clearNoop"] != true {
		t.Error("clearTimeout with junk arguments threw")
	}
}

func TestTimers_CallbackSchedulesTask(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca)

	// Certificate tasks scheduled from a timer callback still settle before
	// the run finishes.
	source := `
const version = await new Promise(function(resolve, reject) {
	setTimeout(function() {
		cert.createX509Crl({ data: __input.crl, encodingFormat: 0 })
			.then(function(crl) { resolve(crl.getVersion()); }, reject);
	}, 20);
});
return version;`

	r := runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)}))
	assertRunOK(t, r)
	if r.Value != "2" {
		t.Errorf("value = %q, want 2", r.Value)
	}
}
