// Package x509crl implements the native certificate revocation list
// operations behind the script API. It wraps crypto/x509 parsing and keeps
// the raw DER fields the standard library does not surface: the exact bytes
// of each revoked-certificate entry, the TBS version, and the signature
// algorithm parameters.
package x509crl

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Format identifies the encoding of certificate material crossing the API.
// The numeric values are visible to scripts via cert.EncodingFormat.
type Format int

const (
	FormatDER Format = 0
	FormatPEM Format = 1
)

const (
	pemTypeCRL    = "X509 CRL"
	pemTypeCert   = "CERTIFICATE"
	pemTypePubKey = "PUBLIC KEY"
)

// timeLayout renders CRL timestamp fields as yyyyMMddHHmmssZ in UTC.
const timeLayout = "20060102150405Z"

// certListASN mirrors the outer CertificateList sequence so the signature
// algorithm identifier is available with its raw parameters.
type certListASN struct {
	TBSCertList        asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// tbsCertListASN mirrors TBSCertList far enough to recover the version field
// and the exact DER of each revokedCertificates element.
type tbsCertListASN struct {
	Raw                 asn1.RawContent
	Version             int `asn1:"optional,default:0"`
	Signature           pkix.AlgorithmIdentifier
	Issuer              asn1.RawValue
	ThisUpdate          time.Time
	NextUpdate          time.Time       `asn1:"optional"`
	RevokedCertificates []asn1.RawValue `asn1:"optional"`
	Extensions          asn1.RawValue   `asn1:"optional,explicit,tag:0"`
}

// revokedCertASN mirrors one revokedCertificates element.
type revokedCertASN struct {
	SerialNumber   *big.Int
	RevocationTime time.Time
	Extensions     []pkix.Extension `asn1:"optional"`
}

// CRL is a parsed certificate revocation list. Instances are immutable after
// Parse; every accessor returns copies of owned byte slices.
type CRL struct {
	rl           *x509.RevocationList
	format       Format // encoding the CRL was created from
	version      int    // 1 or 2
	sigAlgOID    string
	sigAlgParams []byte // raw DER of AlgorithmIdentifier.parameters, nil when absent
	issuer       string // RFC 2253 rendering
	entries      []*Entry
}

// Parse decodes a CRL from DER or PEM bytes. The format is remembered and
// used again when the CRL is re-encoded.
func Parse(data []byte, format Format) (*CRL, *certerr.Error) {
	der, cerr := decodeInput(data, format, pemTypeCRL)
	if cerr != nil {
		return nil, cerr
	}

	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, certerr.Operation("crl parse failed")
	}

	var outer certListASN
	if _, err := asn1.Unmarshal(rl.Raw, &outer); err != nil {
		return nil, certerr.Operation("crl parse failed")
	}
	var tbs tbsCertListASN
	if _, err := asn1.Unmarshal(outer.TBSCertList.FullBytes, &tbs); err != nil {
		return nil, certerr.Operation("crl parse failed")
	}

	c := &CRL{
		rl:        rl,
		format:    format,
		version:   tbs.Version + 1,
		sigAlgOID: outer.SignatureAlgorithm.Algorithm.String(),
		issuer:    rl.Issuer.String(),
	}
	if len(outer.SignatureAlgorithm.Parameters.FullBytes) > 0 {
		c.sigAlgParams = append([]byte(nil), outer.SignatureAlgorithm.Parameters.FullBytes...)
	}

	c.entries = make([]*Entry, 0, len(tbs.RevokedCertificates))
	for _, raw := range tbs.RevokedCertificates {
		var rc revokedCertASN
		if _, err := asn1.Unmarshal(raw.FullBytes, &rc); err != nil {
			return nil, certerr.Operation("crl entry parse failed")
		}
		c.entries = append(c.entries, &Entry{
			serial:  rc.SerialNumber,
			revoked: rc.RevocationTime,
			issuer:  c.issuer,
			raw:     append([]byte(nil), raw.FullBytes...),
		})
	}
	return c, nil
}

// decodeInput validates the input blob and unwraps PEM armor when present.
func decodeInput(data []byte, format Format, pemType string) ([]byte, *certerr.Error) {
	if len(data) == 0 {
		return nil, certerr.InvalidArgument("encoding blob is empty")
	}
	switch format {
	case FormatDER:
		return data, nil
	case FormatPEM:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, certerr.Operation("pem decode failed")
		}
		if block.Type != pemType {
			return nil, certerr.InvalidArgument("unexpected pem block type")
		}
		return block.Bytes, nil
	default:
		return nil, certerr.InvalidArgument("unknown encoding format")
	}
}

// encodeOutput renders der in the requested format.
func encodeOutput(der []byte, format Format, pemType string) ([]byte, *certerr.Error) {
	if format == FormatPEM {
		out := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
		if out == nil {
			return nil, certerr.Allocation("pem encode failed")
		}
		return out, nil
	}
	return append([]byte(nil), der...), nil
}

// Type returns the certificate list type tag.
func (c *CRL) Type() string { return "X509" }

// Format returns the encoding the CRL was created from.
func (c *CRL) Format() Format { return c.format }

// Encoded renders the CRL in its original encoding format.
func (c *CRL) Encoded() ([]byte, Format, *certerr.Error) {
	out, cerr := encodeOutput(c.rl.Raw, c.format, pemTypeCRL)
	if cerr != nil {
		return nil, 0, cerr
	}
	return out, c.format, nil
}

// DER returns a copy of the raw DER bytes of the certificate list,
// regardless of the encoding it was parsed from.
func (c *CRL) DER() []byte { return append([]byte(nil), c.rl.Raw...) }

// Version returns the human-readable CRL version: 1 when the optional TBS
// version field is absent, 2 when it holds the v2 marker.
func (c *CRL) Version() int { return c.version }

// IssuerName returns the issuer distinguished name in RFC 2253 form.
func (c *CRL) IssuerName() string { return c.issuer }

// LastUpdate returns the thisUpdate timestamp.
func (c *CRL) LastUpdate() string {
	return c.rl.ThisUpdate.UTC().Format(timeLayout)
}

// NextUpdate returns the nextUpdate timestamp. The field is optional in the
// ASN.1 schema; absence reports CodeNotFound.
func (c *CRL) NextUpdate() (string, *certerr.Error) {
	if c.rl.NextUpdate.IsZero() {
		return "", certerr.NotFound("next update is absent")
	}
	return c.rl.NextUpdate.UTC().Format(timeLayout), nil
}

// TBS returns the exact DER bytes of the TBSCertList, the portion covered
// by the signature.
func (c *CRL) TBS() []byte {
	return append([]byte(nil), c.rl.RawTBSRevocationList...)
}

// Signature returns the raw signature bytes.
func (c *CRL) Signature() []byte {
	return append([]byte(nil), c.rl.Signature...)
}

// SignatureAlgName returns the human-readable signature algorithm name.
func (c *CRL) SignatureAlgName() (string, *certerr.Error) {
	if c.rl.SignatureAlgorithm == x509.UnknownSignatureAlgorithm {
		return "", certerr.Unsupported("unknown signature algorithm")
	}
	return c.rl.SignatureAlgorithm.String(), nil
}

// SignatureAlgOID returns the dotted-decimal signature algorithm OID.
func (c *CRL) SignatureAlgOID() string { return c.sigAlgOID }

// SignatureAlgParams returns the raw DER of the signature algorithm
// parameters. Algorithms such as ECDSA omit the field entirely; absence
// reports CodeNotFound.
func (c *CRL) SignatureAlgParams() ([]byte, *certerr.Error) {
	if c.sigAlgParams == nil {
		return nil, certerr.NotFound("signature algorithm parameters are absent")
	}
	return append([]byte(nil), c.sigAlgParams...), nil
}

// IsRevoked reports whether cert appears in the list. The certificate must
// have been issued by the CRL issuer; serial numbers only collide across
// issuers, so a mismatched issuer always reports false.
func (c *CRL) IsRevoked(cert *Certificate) bool {
	if cert.IssuerName() != c.issuer {
		return false
	}
	serial := cert.SerialNumber()
	for _, e := range c.entries {
		if e.serial.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

// RevokedCert finds the entry whose serial number matches. Each call returns
// an independent Entry so callers can manage its lifetime separately.
func (c *CRL) RevokedCert(serial *big.Int) (*Entry, *certerr.Error) {
	if serial == nil {
		return nil, certerr.InvalidArgument("serial number is invalid")
	}
	for _, e := range c.entries {
		if e.serial.Cmp(serial) == 0 {
			return e.clone(), nil
		}
	}
	return nil, certerr.NotFound("revoked certificate not found")
}

// RevokedCertWithCert finds the entry matching the certificate's serial
// number.
func (c *CRL) RevokedCertWithCert(cert *Certificate) (*Entry, *certerr.Error) {
	return c.RevokedCert(cert.SerialNumber())
}

// RevokedCerts returns independent copies of all entries in list order.
// A CRL with no revokedCertificates field yields an empty, non-nil slice.
func (c *CRL) RevokedCerts() []*Entry {
	out := make([]*Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.clone()
	}
	return out
}

// EntryCount returns the number of revoked certificates in the list.
func (c *CRL) EntryCount() int { return len(c.entries) }

// Verify checks the CRL signature against the given public key.
func (c *CRL) Verify(pub *PublicKey) *certerr.Error {
	if pub == nil {
		return certerr.InvalidArgument("public key is invalid")
	}
	return verifySignature(c.rl.SignatureAlgorithm, c.rl.RawTBSRevocationList, c.rl.Signature, pub.key)
}
