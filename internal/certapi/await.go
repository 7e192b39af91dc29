package certapi

import (
	"fmt"
	"runtime"
	"time"

	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/eventloop"
)

// AwaitValue resolves a potentially-promise value stored in a global variable
// by pumping microtasks and draining the event loop, so bridge tasks the
// promise depends on get dispatched. The global variable is updated in-place
// with the resolved value. Non-promise values are left untouched.
func AwaitValue(rt core.JSRuntime, globalVar string, deadline time.Time, el *eventloop.EventLoop) error {
	isPromise, err := rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil || !isPromise {
		return nil
	}

	setupJS := fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)
	if err := rt.Eval(setupJS); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		rt.RunMicrotasks()

		if el != nil && el.HasPending() {
			shortDeadline := time.Now().Add(10 * time.Millisecond)
			if shortDeadline.After(deadline) {
				shortDeadline = deadline
			}
			el.Drain(rt, shortDeadline)
			rt.RunMicrotasks()
		}

		stateStr, err := rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if stateStr != "undefined" {
			break
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("promise resolution timed out")
		}
		runtime.Gosched()
	}

	stateStr, _ := rt.EvalString("String(globalThis.__awaited_state)")

	if stateStr == "rejected" {
		errMsg, _ := rt.EvalString("String(globalThis.__awaited_result)")
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("promise rejected: %s", errMsg)
	}

	_ = rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))

	return nil
}
