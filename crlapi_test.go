package certbridge

import (
	"bytes"
	"math/big"
	"testing"
)

// bytesFromAny converts a JSON number array out of a run result back to raw
// bytes.
func bytesFromAny(t *testing.T, v any) []byte {
	t.Helper()
	arr, ok := v.([]any)
	if !ok {
		t.Fatalf("result field is not an array: %T", v)
	}
	out := make([]byte, len(arr))
	for i, e := range arr {
		f, ok := e.(float64)
		if !ok {
			t.Fatalf("element %d is not a number: %T", i, e)
		}
		out[i] = byte(int(f))
	}
	return out
}

// ---------------------------------------------------------------------------
// Creation and completion modes
// ---------------------------------------------------------------------------

func TestCRL_CreatePromise(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(42))

	source := `
const p = cert.createX509Crl({ data: __input.crl, encodingFormat: cert.EncodingFormat.FORMAT_DER });
const isPromise = p instanceof Promise;
const crl = await p;
return { isPromise: isPromise, type: crl.getType(), version: crl.getVersion() };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["isPromise"] != true {
		t.Error("creator without callback did not return a promise")
	}
	if m["type"] != "X509" {
		t.Errorf("type = %v, want X509", m["type"])
	}
	if m["version"] != float64(2) {
		t.Errorf("version = %v, want 2", m["version"])
	}
}

func TestCRL_CreateCallback(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(42))

	source := `
let retNull = false;
const out = await new Promise(function(resolve) {
	const ret = cert.createX509Crl({ data: __input.crl, encodingFormat: 0 }, function(err, crl) {
		resolve({ errNull: err === null, version: crl.getVersion(), argc: arguments.length });
	});
	retNull = ret === null;
});
out.retNull = retNull;
return out;`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["retNull"] != true {
		t.Error("callback-mode call did not return null")
	}
	if m["errNull"] != true {
		t.Error("success callback got a non-null error")
	}
	if m["version"] != float64(2) {
		t.Errorf("version = %v, want 2", m["version"])
	}
	if m["argc"] != float64(2) {
		t.Errorf("callback argc = %v, want 2", m["argc"])
	}
}

func TestCRL_ModeSelection(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	// At maximum arity only a callable selects callback mode; extra
	// arguments are rejected, not truncated.
	source := `
const blob = { data: __input.crl, encodingFormat: 0 };
const r = {};

try {
	cert.createX509Crl(blob, function() {}, "extra");
	r.overMax = "no-throw";
} catch (e) {
	r.overMax = e.code;
}

const p = cert.createX509Crl(blob, "not-callable");
r.nonCallablePromise = p instanceof Promise;
const crl = await p;
r.version = crl.getVersion();

const enc = crl.getEncoded();
r.zeroArgPromise = enc instanceof Promise;
await enc;

try {
	crl.getEncoded(function() {}, 1);
	r.methodOverMax = "no-throw";
} catch (e) {
	r.methodOverMax = e.code;
}
return r;`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["overMax"] != float64(2) {
		t.Errorf("overMax = %v, want code 2", m["overMax"])
	}
	if m["nonCallablePromise"] != true {
		t.Error("non-callable last argument did not fall back to promise mode")
	}
	if m["version"] != float64(2) {
		t.Errorf("version = %v", m["version"])
	}
	if m["zeroArgPromise"] != true {
		t.Error("zero-argument method call did not return a promise")
	}
	if m["methodOverMax"] != float64(2) {
		t.Errorf("methodOverMax = %v, want code 2", m["methodOverMax"])
	}
}

func TestCRL_InvalidBlobArguments(t *testing.T) {
	e := newTestEngine(t)

	source := `
const r = {};
try { cert.createX509Crl(null); } catch (e) { r.nullBlob = e.code; }
try { cert.createX509Crl("text"); } catch (e) { r.stringBlob = e.code; }
try { cert.createX509Crl({ data: 5, encodingFormat: 0 }); } catch (e) { r.badData = e.code; }
try { cert.createX509Crl({ data: [1], encodingFormat: 7 }); } catch (e) { r.badFormat = e.code; }
return r;`

	m := resultMap(t, runJS(t, e, source, ""))
	for _, field := range []string{"nullBlob", "stringBlob", "badData", "badFormat"} {
		if m[field] != float64(2) {
			t.Errorf("%s = %v, want code 2", field, m[field])
		}
	}
}

// ---------------------------------------------------------------------------
// Encoding round trips
// ---------------------------------------------------------------------------

func TestCRL_EncodedRoundTripDER(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(9))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const enc = await crl.getEncoded();
return { format: enc.encodingFormat, bytes: Array.from(enc.data) };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["format"] != float64(0) {
		t.Errorf("format = %v, want 0 (DER)", m["format"])
	}
	if got := bytesFromAny(t, m["bytes"]); !bytes.Equal(got, der) {
		t.Errorf("DER round trip changed bytes: got %d bytes, want %d", len(got), len(der))
	}
}

func TestCRL_EncodedRoundTripPEM(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	pemBytes := crlPEM(t, ca, big.NewInt(9))

	// PEM text rides in as a string; the blob coercion treats it as UTF-8.
	source := `
const crl = await cert.createX509Crl({ data: __input.pem, encodingFormat: cert.EncodingFormat.FORMAT_PEM });
const enc = await crl.getEncoded();
return { format: enc.encodingFormat, bytes: Array.from(enc.data) };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"pem": string(pemBytes)})))
	if m["format"] != float64(1) {
		t.Errorf("format = %v, want 1 (PEM)", m["format"])
	}
	if got := bytesFromAny(t, m["bytes"]); !bytes.Equal(got, pemBytes) {
		t.Error("PEM round trip changed bytes")
	}
}

func TestCRL_EntryEncoded(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(77))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const entries = await crl.getRevokedCerts();
const enc = await entries[0].getEncoded();
return { format: enc.encodingFormat, firstByte: enc.data[0], nonEmpty: enc.data.length > 0 };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["format"] != float64(0) {
		t.Errorf("entry format = %v, want 0", m["format"])
	}
	// DER SEQUENCE tag.
	if m["firstByte"] != float64(0x30) {
		t.Errorf("first byte = %v, want 0x30", m["firstByte"])
	}
	if m["nonEmpty"] != true {
		t.Error("entry encoding is empty")
	}
}

// ---------------------------------------------------------------------------
// Synchronous accessors
// ---------------------------------------------------------------------------

func TestCRL_Fields(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(42))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const issuer = crl.getIssuerName();
return {
	issuer: String.fromCharCode.apply(null, issuer.data),
	last: crl.getLastUpdate(),
	next: crl.getNextUpdate(),
	tbsNonEmpty: crl.getTbsInfo().data.length > 0,
	sigNonEmpty: crl.getSignature().data.length > 0,
	alg: crl.getSignatureAlgName(),
	oid: crl.getSignatureAlgOid(),
};`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["issuer"] != ca.cert.Subject.String() {
		t.Errorf("issuer = %v, want %v", m["issuer"], ca.cert.Subject.String())
	}
	if m["last"] != "20260115083000Z" {
		t.Errorf("last = %v", m["last"])
	}
	if m["next"] != "20260215083000Z" {
		t.Errorf("next = %v", m["next"])
	}
	if m["tbsNonEmpty"] != true || m["sigNonEmpty"] != true {
		t.Error("tbs or signature empty")
	}
	if m["alg"] != "ECDSA-SHA256" {
		t.Errorf("alg = %v", m["alg"])
	}
	if m["oid"] != "1.2.840.10045.4.3.2" {
		t.Errorf("oid = %v", m["oid"])
	}
}

func TestCRL_SigAlgParamsAbsent(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	// ECDSA algorithm identifiers omit the parameters field.
	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
try {
	crl.getSignatureAlgParams();
	return { threw: false };
} catch (e) {
	return { threw: true, code: e.code };
}`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["threw"] != true || m["code"] != float64(4) {
		t.Errorf("result = %v, want throw with code 4", m)
	}
}

// ---------------------------------------------------------------------------
// Revocation lookups
// ---------------------------------------------------------------------------

func TestCRL_RevokedCertsOrderAndCount(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(5), big.NewInt(3), big.NewInt(8))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const entries = await crl.getRevokedCerts();
const serials = [];
for (const entry of entries) serials.push(entry.getSerialNumber());
return {
	isArray: Array.isArray(entries),
	count: entries.length,
	serials: serials,
	revokedAt: entries[0].getRevocationDate(),
};`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["isArray"] != true {
		t.Error("entries is not an array")
	}
	if m["count"] != float64(3) {
		t.Errorf("count = %v, want 3", m["count"])
	}
	serials, _ := m["serials"].([]any)
	want := []float64{5, 3, 8}
	if len(serials) != 3 {
		t.Fatalf("serials = %v", serials)
	}
	for i, w := range want {
		if serials[i] != w {
			t.Errorf("serials[%d] = %v, want %v", i, serials[i], w)
		}
	}
	if m["revokedAt"] != "20260110120000Z" {
		t.Errorf("revokedAt = %v", m["revokedAt"])
	}
}

func TestCRL_RevokedCertsEmpty(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca)

	// A CRL without entries settles with an empty array, not undefined.
	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const entries = await crl.getRevokedCerts();
return { isArray: Array.isArray(entries), count: entries.length };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["isArray"] != true || m["count"] != float64(0) {
		t.Errorf("result = %v, want empty array", m)
	}
}

func TestCRL_GetRevokedCert(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	bigSerial, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	der := crlDER(t, ca, big.NewInt(42), bigSerial)

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const r = {};

const small = crl.getRevokedCert(42);
r.smallSerial = small.getSerialNumber();
r.smallType = typeof small.getSerialNumber();

const big = crl.getRevokedCert(__input.bigSerial);
r.bigSerial = big.getSerialNumber();
r.bigType = typeof big.getSerialNumber();

try { crl.getRevokedCert(12345); } catch (e) { r.missing = e.code; }
try { crl.getRevokedCert({}); } catch (e) { r.badArg = e.code; }
return r;`

	input := inputJSON(t, map[string]any{"crl": jsBytes(der), "bigSerial": bigSerial.String()})
	m := resultMap(t, runJS(t, e, source, input))

	// Serials within the safe-integer range come back as numbers; larger
	// ones stay decimal strings.
	if m["smallSerial"] != float64(42) || m["smallType"] != "number" {
		t.Errorf("small serial = %v (%v)", m["smallSerial"], m["smallType"])
	}
	if m["bigSerial"] != bigSerial.String() || m["bigType"] != "string" {
		t.Errorf("big serial = %v (%v)", m["bigSerial"], m["bigType"])
	}
	if m["missing"] != float64(4) {
		t.Errorf("missing = %v, want code 4", m["missing"])
	}
	if m["badArg"] != float64(2) {
		t.Errorf("badArg = %v, want code 2", m["badArg"])
	}
}

func TestCRL_IsRevoked(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	otherCA := newNamedCA(t, "certbridge other ca")
	der := crlDER(t, ca, big.NewInt(42))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const revoked = await cert.createX509Cert({ data: __input.revoked, encodingFormat: 0 });
const clean = await cert.createX509Cert({ data: __input.clean, encodingFormat: 0 });
const foreign = await cert.createX509Cert({ data: __input.foreign, encodingFormat: 0 });
const r = {
	revoked: crl.isRevoked(revoked),
	clean: crl.isRevoked(clean),
	foreign: crl.isRevoked(foreign),
	bySerial: crl.getRevokedCertWithCert(revoked).getSerialNumber(),
};
try { crl.isRevoked("nope"); } catch (e) { r.badArg = e.code; }
try { crl.getRevokedCertWithCert(clean); } catch (e) { r.cleanLookup = e.code; }
return r;`

	input := inputJSON(t, map[string]any{
		"crl":     jsBytes(der),
		"revoked": jsBytes(leafDER(t, ca, big.NewInt(42))),
		"clean":   jsBytes(leafDER(t, ca, big.NewInt(99))),
		"foreign": jsBytes(leafDER(t, otherCA, big.NewInt(42))),
	})
	m := resultMap(t, runJS(t, e, source, input))

	if m["revoked"] != true {
		t.Error("revoked cert not reported revoked")
	}
	if m["clean"] != false {
		t.Error("clean cert reported revoked")
	}
	// Same serial under a different issuer is not a match.
	if m["foreign"] != false {
		t.Error("foreign issuer cert reported revoked")
	}
	if m["bySerial"] != float64(42) {
		t.Errorf("bySerial = %v, want 42", m["bySerial"])
	}
	if m["badArg"] != float64(2) {
		t.Errorf("badArg = %v, want code 2", m["badArg"])
	}
	if m["cleanLookup"] != float64(4) {
		t.Errorf("cleanLookup = %v, want code 4", m["cleanLookup"])
	}
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func TestCRL_Verify(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	otherCA := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const caCert = await cert.createX509Cert({ data: __input.ca, encodingFormat: 0 });
const r = {};

// Wrapped key object.
const key = caCert.getPublicKey();
r.byHandle = (await crl.verify(key)) === undefined;

// Raw SubjectPublicKeyInfo bytes.
r.byRawKey = (await crl.verify({ data: __input.spki })) === undefined;

try {
	await crl.verify({ data: __input.wrongSpki });
	r.wrongKey = "no-throw";
} catch (e) {
	r.wrongKey = e.code;
	r.wrongKeyMsg = typeof e.message === "string" && e.message.length > 0;
}

try { crl.verify(42); } catch (e) { r.badArg = e.code; }
return r;`

	input := inputJSON(t, map[string]any{
		"crl":       jsBytes(der),
		"ca":        jsBytes(ca.cert.Raw),
		"spki":      jsBytes(ca.cert.RawSubjectPublicKeyInfo),
		"wrongSpki": jsBytes(otherCA.cert.RawSubjectPublicKeyInfo),
	})
	m := resultMap(t, runJS(t, e, source, input))

	if m["byHandle"] != true {
		t.Error("verify with wrapped key did not resolve undefined")
	}
	if m["byRawKey"] != true {
		t.Error("verify with raw SPKI did not resolve undefined")
	}
	if m["wrongKey"] != float64(3) {
		t.Errorf("wrongKey = %v, want code 3", m["wrongKey"])
	}
	if m["wrongKeyMsg"] != true {
		t.Error("verification error has no message")
	}
	if m["badArg"] != float64(2) {
		t.Errorf("badArg = %v, want code 2", m["badArg"])
	}
}

func TestCRL_VerifyCallbackMode(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	otherCA := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const ok = await new Promise(function(resolve) {
	crl.verify({ data: __input.spki }, function(err, value) {
		resolve({ errNull: err === null, valueUndefined: value === undefined });
	});
});
const bad = await new Promise(function(resolve) {
	crl.verify({ data: __input.wrongSpki }, function(err, value) {
		resolve({ code: err ? err.code : 0, valueUndefined: value === undefined });
	});
});
return { ok: ok, bad: bad };`

	input := inputJSON(t, map[string]any{
		"crl":       jsBytes(der),
		"spki":      jsBytes(ca.cert.RawSubjectPublicKeyInfo),
		"wrongSpki": jsBytes(otherCA.cert.RawSubjectPublicKeyInfo),
	})
	m := resultMap(t, runJS(t, e, source, input))

	ok, _ := m["ok"].(map[string]any)
	if ok["errNull"] != true || ok["valueUndefined"] != true {
		t.Errorf("success callback = %v, want (null, undefined)", ok)
	}
	bad, _ := m["bad"].(map[string]any)
	if bad["code"] != float64(3) || bad["valueUndefined"] != true {
		t.Errorf("failure callback = %v, want (code 3, undefined)", bad)
	}
}

// ---------------------------------------------------------------------------
// Certificates and public keys
// ---------------------------------------------------------------------------

func TestCert_Accessors(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)

	source := `
const c = await cert.createX509Cert({ data: __input.ca, encodingFormat: 0 });
const enc = await c.getEncoded();
const key = c.getPublicKey();
return {
	serial: c.getSerialNumber(),
	issuer: String.fromCharCode.apply(null, c.getIssuerName().data),
	subject: String.fromCharCode.apply(null, c.getSubjectName().data),
	encBytes: Array.from(enc.data),
	keyBytes: Array.from(key.getEncoded().data),
};`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"ca": jsBytes(ca.cert.Raw)})))
	if m["serial"] != float64(1) {
		t.Errorf("serial = %v, want 1", m["serial"])
	}
	// Self-signed: issuer and subject agree.
	if m["issuer"] != m["subject"] || m["issuer"] != ca.cert.Subject.String() {
		t.Errorf("issuer = %v, subject = %v", m["issuer"], m["subject"])
	}
	if !bytes.Equal(bytesFromAny(t, m["encBytes"]), ca.cert.Raw) {
		t.Error("certificate round trip changed bytes")
	}
	if !bytes.Equal(bytesFromAny(t, m["keyBytes"]), ca.cert.RawSubjectPublicKeyInfo) {
		t.Error("public key bytes do not match SubjectPublicKeyInfo")
	}
}

func TestCert_CreateFailure(t *testing.T) {
	e := newTestEngine(t)

	source := `
try {
	await cert.createX509Cert({ data: [1, 2, 3], encodingFormat: 0 });
	return { threw: false };
} catch (e) {
	return { threw: true, code: e.code, isError: e instanceof Error, hasMsg: e.message.length > 0 };
}`

	m := resultMap(t, runJS(t, e, source, ""))
	if m["threw"] != true || m["code"] != float64(3) {
		t.Errorf("result = %v, want rejection with code 3", m)
	}
	if m["isError"] != true || m["hasMsg"] != true {
		t.Error("rejection is not an Error with a message")
	}
}

// ---------------------------------------------------------------------------
// Error delivery
// ---------------------------------------------------------------------------

func TestCRL_ParseFailureDelivery(t *testing.T) {
	e := newTestEngine(t)

	// Promise rejection and callback error carry the same (code, message)
	// pair for the same failure.
	source := `
let promiseErr = null;
try {
	await cert.createX509Crl({ data: [1, 2, 3], encodingFormat: 0 });
} catch (e) {
	promiseErr = { code: e.code, message: e.message };
}
const callbackErr = await new Promise(function(resolve) {
	cert.createX509Crl({ data: [1, 2, 3], encodingFormat: 0 }, function(err, value) {
		resolve({ code: err.code, message: err.message, valueUndefined: value === undefined });
	});
});
return {
	promise: promiseErr,
	callback: callbackErr,
	samePair: promiseErr.code === callbackErr.code && promiseErr.message === callbackErr.message,
};`

	m := resultMap(t, runJS(t, e, source, ""))
	p, _ := m["promise"].(map[string]any)
	if p["code"] != float64(3) {
		t.Errorf("promise code = %v, want 3", p["code"])
	}
	c, _ := m["callback"].(map[string]any)
	if c["valueUndefined"] != true {
		t.Error("callback failure delivered a value")
	}
	if m["samePair"] != true {
		t.Errorf("promise and callback error pairs differ: %v vs %v", p, c)
	}
}

func TestCRL_CallbackDeliveredOnce(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	// Extra drain cycles after delivery must not fire the callback again.
	source := `
let calls = 0;
await new Promise(function(resolve) {
	cert.createX509Crl({ data: __input.crl, encodingFormat: 0 }, function() {
		calls++;
		setTimeout(resolve, 30);
	});
});
await new Promise(function(resolve) { setTimeout(resolve, 30); });
return { calls: calls };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["calls"] != float64(1) {
		t.Errorf("calls = %v, want exactly 1", m["calls"])
	}
}

func TestCRL_ConcurrentTasks(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	source := `
const blob = { data: __input.crl, encodingFormat: 0 };
const certBlob = { data: __input.ca, encodingFormat: 0 };
const [a, b, c] = await Promise.all([
	cert.createX509Crl(blob),
	cert.createX509Crl(blob),
	cert.createX509Cert(certBlob),
]);
return { a: a.getVersion(), b: b.getVersion(), c: c.getSerialNumber() };`

	input := inputJSON(t, map[string]any{"crl": jsBytes(der), "ca": jsBytes(ca.cert.Raw)})
	m := resultMap(t, runJS(t, e, source, input))
	if m["a"] != float64(2) || m["b"] != float64(2) || m["c"] != float64(1) {
		t.Errorf("result = %v", m)
	}
}

// ---------------------------------------------------------------------------
// Handles and limits
// ---------------------------------------------------------------------------

func TestHandles_ReleaseAndReuse(t *testing.T) {
	e := newTestEngine(t)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const r = { before: crl.getVersion() };
crl.release();
crl.release(); // idempotent
try { crl.getVersion(); r.after = "no-throw"; } catch (e) { r.after = e.code; }
return r;`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["before"] != float64(2) {
		t.Errorf("before = %v", m["before"])
	}
	if m["after"] != float64(2) {
		t.Errorf("use after release = %v, want code 2", m["after"])
	}
}

func TestHandles_TableExhaustion(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHandles = 3
	e := newTestEngineCfg(t, cfg)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	// The fourth wrap fails with an allocation error; releasing a handle
	// makes room again.
	source := `
const blob = { data: __input.crl, encodingFormat: 0 };
const a = await cert.createX509Crl(blob);
const b = await cert.createX509Crl(blob);
const c = await cert.createX509Crl(blob);
const r = {};
try {
	await cert.createX509Crl(blob);
	r.fourth = "no-throw";
} catch (e) {
	r.fourth = e.code;
}
a.release();
const d = await cert.createX509Crl(blob);
r.retry = d.getVersion();
return r;`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["fourth"] != float64(1) {
		t.Errorf("fourth = %v, want code 1", m["fourth"])
	}
	if m["retry"] != float64(2) {
		t.Errorf("retry after release = %v", m["retry"])
	}
}

func TestHandles_ListWrapRollback(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHandles = 3
	e := newTestEngineCfg(t, cfg)
	ca := newTestCA(t)
	// One handle for the CRL itself leaves two slots; four entries cannot
	// be wrapped, and a failed list leaves no partial handles behind.
	der := crlDER(t, ca, big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4))

	source := `
const crl = await cert.createX509Crl({ data: __input.crl, encodingFormat: 0 });
const r = {};
try {
	await crl.getRevokedCerts();
	r.list = "no-throw";
} catch (e) {
	r.list = e.code;
}
// Rollback freed the partially wrapped entries, so two slots are open.
const e1 = crl.getRevokedCert(1);
const e2 = crl.getRevokedCert(2);
r.reuse = e1.getSerialNumber() + e2.getSerialNumber();
return r;`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["list"] != float64(1) {
		t.Errorf("list = %v, want code 1", m["list"])
	}
	if m["reuse"] != float64(3) {
		t.Errorf("reuse = %v, want 3", m["reuse"])
	}
}

func TestTasks_PendingLimit(t *testing.T) {
	cfg := testCfg()
	cfg.MaxPendingTasks = 2
	e := newTestEngineCfg(t, cfg)
	ca := newTestCA(t)
	der := crlDER(t, ca, big.NewInt(1))

	// Tasks stay pending until the run's drain phase, so the third schedule
	// in a row is rejected synchronously.
	source := `
const blob = { data: __input.crl, encodingFormat: 0 };
const p1 = cert.createX509Crl(blob);
const p2 = cert.createX509Crl(blob);
let third;
try {
	cert.createX509Crl(blob);
	third = "no-throw";
} catch (e) {
	third = e.code;
}
await p1;
await p2;
return { third: third };`

	m := resultMap(t, runJS(t, e, source, inputJSON(t, map[string]any{"crl": jsBytes(der)})))
	if m["third"] != float64(1) {
		t.Errorf("third = %v, want code 1", m["third"])
	}
}
