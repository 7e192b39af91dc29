package certapi

import (
	"encoding/base64"
	"fmt"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/certerr"
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/x509crl"
)

// certJS defines the X509Cert and PubKey classes and cert.createX509Cert.
// Certificates and public keys exist here as inputs for the CRL surface
// (isRevoked, getRevokedCertWithCert, verify).
const certJS = `
(function() {
	function __X509Cert(handle) {
		this.__h = handle;
	}
	__X509Cert.prototype.getEncoded = function() {
		var sel = globalThis.__cbMode(arguments, 1);
		return globalThis.__cbLaunch(__certEncodedStart(this.__h, sel.mode), sel);
	};
	__X509Cert.prototype.getSerialNumber = function() {
		var s = globalThis.__cbUnwrap(__certSerial(this.__h));
		var n = Number(s);
		return Number.isSafeInteger(n) ? n : s;
	};
	__X509Cert.prototype.getIssuerName = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__certIssuer(this.__h))) };
	};
	__X509Cert.prototype.getSubjectName = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__certSubject(this.__h))) };
	};
	__X509Cert.prototype.getPublicKey = function() {
		var ref = globalThis.__cbUnwrap(__certPublicKey(this.__h));
		return globalThis.__cbWrap(ref.kind, ref.handle);
	};
	__X509Cert.prototype.release = function() {
		var h = this.__h;
		this.__h = 0;
		if (h) globalThis.__cbHandleFree(h);
	};
	globalThis.__X509Cert = __X509Cert;

	function __PubKey(handle) {
		this.__h = handle;
	}
	__PubKey.prototype.getEncoded = function() {
		return { data: globalThis.__cbB64Decode(globalThis.__cbUnwrap(__pubKeyEncoded(this.__h))) };
	};
	__PubKey.prototype.release = function() {
		var h = this.__h;
		this.__h = 0;
		if (h) globalThis.__cbHandleFree(h);
	};
	globalThis.__PubKey = __PubKey;

	globalThis.cert.createX509Cert = function(inStream) {
		var sel = globalThis.__cbMode(arguments, 2);
		var blob = globalThis.__cbCheckBlob(inStream);
		return globalThis.__cbLaunch(__certCreateStart(blob.b64, blob.format, sel.mode), sel);
	};
})();
`

// SetupCert registers the certificate and public-key operations against reg
// and installs their classes.
func SetupCert(rt core.JSRuntime, reg *bridge.Registry) error {
	if err := rt.RegisterFunc("__certCreateStart", func(dataB64 string, format, mode int) string {
		raw, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return envErr(certerr.InvalidArgument("encoding blob is invalid"))
		}
		id, cerr := reg.Schedule("cert.createX509Cert", bridge.ModeFromInt(mode), func() bridge.Outcome {
			c, perr := x509crl.ParseCertificate(raw, x509crl.Format(format))
			if perr != nil {
				return bridge.Fail(perr)
			}
			return bridge.OKObject(bridge.NewNative(kindCert, c, nil))
		})
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(id)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__certEncodedStart", func(h int64, mode int) string {
		c, cerr := lookupCert(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		id, cerr := reg.Schedule("cert.getEncoded", bridge.ModeFromInt(mode), func() bridge.Outcome {
			data, format, perr := c.Encoded()
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

	if err := rt.RegisterFunc("__certSerial", func(h int64) string {
		c, cerr := lookupCert(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return envOK(c.SerialString())
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__certIssuer", func(h int64) string {
		c, cerr := lookupCert(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK([]byte(c.IssuerName()))
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__certSubject", func(h int64) string {
		c, cerr := lookupCert(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK([]byte(c.SubjectName()))
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__certPublicKey", func(h int64) string {
		c, cerr := lookupCert(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		pub, cerr := c.PublicKey()
		if cerr != nil {
			return envErr(cerr)
		}
		return wrapSync(reg, kindPubKey, pub)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__pubKeyEncoded", func(h int64) string {
		pub, cerr := lookupPubKey(reg, h)
		if cerr != nil {
			return envErr(cerr)
		}
		data, _, cerr := pub.Encoded()
		if cerr != nil {
			return envErr(cerr)
		}
		return blobOK(data)
	}); err != nil {
		return err
	}

	if err := rt.Eval(certJS); err != nil {
		return fmt.Errorf("evaluating cert.js: %w", err)
	}
	return nil
}
