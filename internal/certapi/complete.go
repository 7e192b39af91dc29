package certapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/certerr"
	"github.com/certbridge/certbridge/internal/core"
)

// binGlobal is the JS global holding the buffer for direct binary transfer
// of blob results. __cbBinRead copies and deletes it.
const binGlobal = "__cb_bin"

// Completion delivers settled task outcomes into the VM. It implements
// bridge.Completion and must only be driven from the VM goroutine (the
// registry dispatches during the event-loop drain, which runs there).
type Completion struct {
	rt core.JSRuntime
}

// NewCompletion builds the JS-backed completion surface for rt.
func NewCompletion(rt core.JSRuntime) *Completion {
	return &Completion{rt: rt}
}

// Settle delivers one outcome: callback invocation or promise settlement,
// decided JS-side by the task's registered mode. The registry guarantees at
// most one Settle per task.
func (c *Completion) Settle(taskID uint64, mode bridge.Mode, code certerr.Code, msg string, res bridge.Result) {
	kind, payload := c.encodePayload(res)
	if code != 0 {
		kind, payload = "none", "null"
	}
	js := fmt.Sprintf("globalThis.__cbSettle(%d, %d, %q, %q, %s);", taskID, int(code), msg, kind, payload)
	if err := c.rt.Eval(js); err != nil {
		// Delivery ran (or the continuation threw); release still happens in
		// the dispatcher.
		log.Printf("certapi: settling task %d (%s): %v", taskID, mode, err)
	}
}

// Abandon drops the retained continuation without delivering. Used when a
// session tears down before its settled tasks were dispatched.
func (c *Completion) Abandon(taskID uint64, mode bridge.Mode) {
	js := fmt.Sprintf("delete globalThis.__cbTasks[%d];", taskID)
	if err := c.rt.Eval(js); err != nil {
		log.Printf("certapi: abandoning task %d (%s): %v", taskID, mode, err)
	}
}

// encodePayload renders a task result as the (kind, payload literal) pair
// consumed by __cbSettle. Blob bytes ride the engine's binary transfer path
// when available and fall back to base64 JSON otherwise.
func (c *Completion) encodePayload(res bridge.Result) (string, string) {
	switch res.Kind {
	case bridge.PayloadBlob:
		if bt, ok := c.rt.(core.BinaryTransferer); ok && len(res.Bytes) > 0 {
			if err := bt.WriteBinaryToJS(binGlobal, res.Bytes); err == nil {
				return "blob", fmt.Sprintf(`{"bin":true,"format":%d}`, res.Format)
			}
		}
		b64 := base64.StdEncoding.EncodeToString(res.Bytes)
		return "blob", fmt.Sprintf(`{"b64":%q,"format":%d}`, b64, res.Format)
	case bridge.PayloadObject:
		return "object", fmt.Sprintf(`{"kind":%q,"handle":%d}`, res.HandleKind, res.Handle)
	case bridge.PayloadList:
		handles, err := json.Marshal(res.Handles)
		if err != nil {
			handles = []byte("[]")
		}
		return "list", fmt.Sprintf(`{"kind":%q,"handles":%s}`, res.HandleKind, handles)
	default:
		return "none", "null"
	}
}
