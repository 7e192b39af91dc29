package certapi

import (
	"encoding/json"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Registered certificate functions return a JSON envelope string instead of
// throwing: {"ok": value} on success, {"err": {"code": N, "message": "..."}}
// on failure. The JS shims parse the envelope and rethrow failures as
// business errors, which keeps numeric error codes intact across both
// engines (a Go error return would surface as an engine TypeError and lose
// the code).
type envError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	OK  any       `json:"ok"`
	Err *envError `json:"err,omitempty"`
}

// objRef is the envelope payload for a wrapped native object.
type objRef struct {
	Kind   string `json:"kind"`
	Handle uint64 `json:"handle"`
}

func envOK(v any) string {
	b, err := json.Marshal(envelope{OK: v})
	if err != nil {
		return envErr(certerr.Allocation("result encoding failed"))
	}
	return string(b)
}

func envErr(e *certerr.Error) string {
	b, err := json.Marshal(envelope{Err: &envError{Code: int(e.Code), Message: e.Message}})
	if err != nil {
		return `{"err":{"code":1,"message":"result encoding failed"}}`
	}
	return string(b)
}
