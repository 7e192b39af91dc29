package certapi

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/certerr"
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/x509crl"
)

// Handle kinds, shared with the __cbWrap switch in base.go.
const (
	kindCRL      = "crl"
	kindCRLEntry = "crlEntry"
	kindCert     = "cert"
	kindPubKey   = "pubKey"
)

func lookupCRL(reg *bridge.Registry, h int64) (*x509crl.CRL, *certerr.Error) {
	n, err := reg.Lookup(uint64(h), kindCRL)
	if err != nil {
		return nil, err
	}
	return n.Value.(*x509crl.CRL), nil
}

func lookupEntry(reg *bridge.Registry, h int64) (*x509crl.Entry, *certerr.Error) {
	n, err := reg.Lookup(uint64(h), kindCRLEntry)
	if err != nil {
		return nil, err
	}
	return n.Value.(*x509crl.Entry), nil
}

func lookupCert(reg *bridge.Registry, h int64) (*x509crl.Certificate, *certerr.Error) {
	n, err := reg.Lookup(uint64(h), kindCert)
	if err != nil {
		return nil, err
	}
	return n.Value.(*x509crl.Certificate), nil
}

func lookupPubKey(reg *bridge.Registry, h int64) (*x509crl.PublicKey, *certerr.Error) {
	n, err := reg.Lookup(uint64(h), kindPubKey)
	if err != nil {
		return nil, err
	}
	return n.Value.(*x509crl.PublicKey), nil
}

// wrapSync inserts a native object into the handle table on the synchronous
// path (no task involved) and returns the object reference envelope. Wrap
// destroys the object on failure.
func wrapSync(reg *bridge.Registry, kind string, v any) string {
	h, err := reg.Wrap(bridge.NewNative(kind, v, nil))
	if err != nil {
		return envErr(err)
	}
	return envOK(objRef{Kind: kind, Handle: h})
}

// blobOK renders raw bytes as a base64 envelope for sync blob getters.
func blobOK(data []byte) string {
	return envOK(base64.StdEncoding.EncodeToString(data))
}

// crlJS defines the X509Crl and X509CrlEntry classes and cert.createX509Crl.
// Async methods route through the bridge; sync methods unwrap envelopes and
// throw business errors directly.
const crlJS = `
(function() {
	function __X509Crl(handle) {
		this.__h = handle;
	}
	__X509Crl.prototype.getType = function() {
		return 'X509';
	};
	__X509Crl.prototype.isRevoked = function(certificate) {
		if (!(certificate instanceof globalThis.__X509Cert)) {
			throw globalThis.__cbError(2, 'certificate is invalid');
		}
		return globalThis.__cbUnwrap(__crlIsRevoked(this.__h, certificate.__h));
	};
	__X509Crl.prototype.getEncoded = function() {
		var sel = globalThis.__cbMode(arguments, 1);
		return globalThis.__cbLaunch(__crlEncodedStart(this.__h, sel.mode), sel);
	};
	__X509Crl.prototype.verify = function(key) {
		var sel = globalThis.__cbMode(arguments, 2);
		var keyHandle = 0, keyB64 = '';
		if (key instanceof globalThis.__PubKey) {
			keyHandle = key.__h;
		} else if (key !== null && typeof key === 'object' && key.data !== undefined) {
			var bytes = globalThis.__cbBytes(key.data);
			if (bytes === null) throw globalThis.__cbError(2, 'public key is invalid');
			keyB64 = globalThis.__cbB64Encode(bytes);
		} else {
			throw globalThis.__cbError(2, 'public key is invalid');
		}
		return globalThis.__cbLaunch(__crlVerifyStart(this.__h, keyHandle, keyB64, sel.mode), sel);
	};
	__X509Crl.prototype.getRevokedCerts = function() {
		var sel = globalThis.__cbMode(arguments, 1);
		return globalThis.__cbLaunch(__crlRevokedListStart(this.__h, sel.mode), sel);
	};
	__X509Crl.prototype.getVersion = function() {
		return globalThis.__cbUnwrap(__crlVersion(this.__h));
	};
	__X509Crl.prototype.getIssuerName = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__crlIssuer(this.__h))) };
	};
	__X509Crl.prototype.getLastUpdate = function() {
		return globalThis.__cbUnwrap(__crlLastUpdate(this.__h));
	};
	__X509Crl.prototype.getNextUpdate = function() {
		return globalThis.__cbUnwrap(__crlNextUpdate(this.__h));
	};
	__X509Crl.prototype.getRevokedCert = function(serialNumber) {
		if (typeof serialNumber !== 'number' && typeof serialNumber !== 'string' &&
			typeof serialNumber !== 'bigint') {
			throw globalThis.__cbError(2, 'serial number is invalid');
		}
		var ref = globalThis.__cbUnwrap(__crlRevokedCert(this.__h, String(serialNumber)));
		return globalThis.__cbWrap(ref.kind, ref.handle);
	};
	__X509Crl.prototype.getRevokedCertWithCert = function(certificate) {
		if (!(certificate instanceof globalThis.__X509Cert)) {
			throw globalThis.__cbError(2, 'certificate is invalid');
		}
		var ref = globalThis.__cbUnwrap(__crlRevokedCertWithCert(this.__h, certificate.__h));
		return globalThis.__cbWrap(ref.kind, ref.handle);
	};
	__X509Crl.prototype.getTbsInfo = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__crlTbs(this.__h))) };
	};
	__X509Crl.prototype.getSignature = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__crlSignature(this.__h))) };
	};
	__X509Crl.prototype.getSignatureAlgName = function() {
		return globalThis.__cbUnwrap(__crlSigAlgName(this.__h));
	};
	__X509Crl.prototype.getSignatureAlgOid = function() {
		return globalThis.__cbUnwrap(__crlSigAlgOid(this.__h));
	};
	__X509Crl.prototype.getSignatureAlgParams = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__crlSigAlgParams(this.__h))) };
	};
	__X509Crl.prototype.release = function() {
		var h = this.__h;
		this.__h = 0;
		if (h) globalThis.__cbHandleFree(h);
	};
	globalThis.__X509Crl = __X509Crl;

	function __X509CrlEntry(handle) {
		this.__h = handle;
	}
	__X509CrlEntry.prototype.getEncoded = function() {
		var sel = globalThis.__cbMode(arguments, 1);
		return globalThis.__cbLaunch(__crlEntryEncodedStart(this.__h, sel.mode), sel);
	};
	__X509CrlEntry.prototype.getSerialNumber = function() {
		var s = globalThis.__cbUnwrap(__crlEntrySerial(this.__h));
		var n = Number(s);
		return Number.isSafeInteger(n) ? n : s;
	};
	__X509CrlEntry.prototype.getCertIssuer = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__crlEntryIssuer(this.__h))) };
	};
	__X509CrlEntry.prototype.getRevocationDate = function() {
		return globalThis.__cbUnwrap(__crlEntryRevocationDate(this.__h));
	};
	__X509CrlEntry.prototype.release = function() {
		var h = this.__h;
		this.__h = 0;
		if (h) globalThis.__cbHandleFree(h);
	};
	globalThis.__X509CrlEntry = __X509CrlEntry;

	globalThis.cert.createX509Crl = function(inStream) {
		var sel = globalThis.__cbMode(arguments, 2);
		var blob = globalThis.__cbCheckBlob(inStream);
		return globalThis.__cbLaunch(__crlCreateStart(blob.b64, blob.format, sel.mode), sel);
	};
})();
`

// SetupCRL registers the CRL and CRL-entry operations against reg and
// installs their classes.
func SetupCRL(rt core.JSRuntime, reg *bridge.Registry) error {
	if err := rt.RegisterFunc("__crlCreateStart", func(dataB64 string, format, mode int) string {
		raw, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return envErr(certerr.InvalidArgument("encoding blob is invalid"))
		}
		id, cerr := reg.Schedule("cert.createX509Crl", bridge.ModeFromInt(mode), func() bridge.Outcome {
			crl, perr := x509crl.Parse(raw, x509crl.Format(format))
			if perr != nil {
				return bridge.Fail(perr)
			}
			return bridge.OKObject(bridge.NewNative(kindCRL, crl, nil))
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlEncodedStart", func(h int64, mode int) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		id, cerr := reg.Schedule("crl.getEncoded", bridge.ModeFromInt(mode), func() bridge.Outcome {
			data, format, perr := crl.Encoded()
			if perr != nil {
				return bridge.Fail(perr)
			}
			return bridge.OKBlob(data, int(format))
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlVerifyStart", func(h, keyHandle int64, keyB64 string, mode int) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		// The key is borrowed: either an already-wrapped PubKey handle or a
		// raw DER SPKI decoded here, before scheduling.
		var pub *x509crl.PublicKey
		if keyHandle != 0 {
			pub, cerr = lookupPubKey(reg, keyHandle)
			if cerr != nil {
				return envErr(cerr)
			}
		} else {
			raw, derr := base64.StdEncoding.DecodeString(keyB64)
			if derr != nil {
				return envErr(certerr.InvalidArgument("public key is invalid"))
			}
			pub, cerr = x509crl.ParsePublicKey(raw, x509crl.FormatDER)
			if cerr != nil {
				return envErr(cerr)
			}
		}
		id, cerr := reg.Schedule("crl.verify", bridge.ModeFromInt(mode), func() bridge.Outcome {
			if verr := crl.Verify(pub); verr != nil {
				return bridge.Fail(verr)
			}
			return bridge.OKNone()
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlRevokedListStart", func(h int64, mode int) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		id, cerr := reg.Schedule("crl.getRevokedCerts", bridge.ModeFromInt(mode), func() bridge.Outcome {
			entries := crl.RevokedCerts()
			list := make([]*bridge.Native, len(entries))
			for i, e := range entries {
				list[i] = bridge.NewNative(kindCRLEntry, e, nil)
			}
			return bridge.OKList(list)
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlIsRevoked", func(h, certHandle int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		c, cerr := lookupCert(reg, certHandle)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(crl.IsRevoked(c))
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlVersion", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(crl.Version())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlIssuer", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK([]byte(crl.IssuerName()))
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlLastUpdate", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(crl.LastUpdate())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlNextUpdate", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		next, cerr := crl.NextUpdate()
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(next)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlRevokedCert", func(h int64, serial string) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		sn, ok := new(big.Int).SetString(serial, 10)
		if !ok {
			return envErr(certerr.InvalidArgument("serial number is invalid"))
		}
		entry, cerr := crl.RevokedCert(sn)
		if cerr != nil {
			return envErr(cerr)
		}
		return wrapSync(reg, kindCRLEntry, entry)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlRevokedCertWithCert", func(h, certHandle int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		c, cerr := lookupCert(reg, certHandle)
		if cerr != nil {
			return envErr(cerr)
		}
		entry, cerr := crl.RevokedCertWithCert(c)
		if cerr != nil {
			return envErr(cerr)
		}
		return wrapSync(reg, kindCRLEntry, entry)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlTbs", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK(crl.TBS())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlSignature", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK(crl.Signature())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlSigAlgName", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		name, cerr := crl.SignatureAlgName()
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(name)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlSigAlgOid", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(crl.SignatureAlgOID())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlSigAlgParams", func(h int64) string {
		crl, cerr := lookupCRL(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		params, cerr := crl.SignatureAlgParams()
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK(params)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlEntryEncodedStart", func(h int64, mode int) string {
		entry, cerr := lookupEntry(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		id, cerr := reg.Schedule("crlEntry.getEncoded", bridge.ModeFromInt(mode), func() bridge.Outcome {
			data, format, perr := entry.Encoded()
			if perr != nil {
				return bridge.Fail(perr)
			}
			return bridge.OKBlob(data, int(format))
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlEntrySerial", func(h int64) string {
		entry, cerr := lookupEntry(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(entry.SerialNumber())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlEntryIssuer", func(h int64) string {
		entry, cerr := lookupEntry(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK([]byte(entry.CertIssuer()))
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__crlEntryRevocationDate", func(h int64) string {
		entry, cerr := lookupEntry(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(entry.RevocationDate())
	}); err != nil {
		return err
	}

	if err := rt.Eval(crlJS); err != nil {
		return fmt.Errorf("evaluating crl.js: %w", err)
	}
	return nil
}
