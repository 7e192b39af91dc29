package x509crl

import (
	"crypto/x509"
	"math/big"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Certificate wraps an X.509 certificate used as input to CRL operations.
type Certificate struct {
	cert   *x509.Certificate
	format Format
}

// ParseCertificate decodes a certificate from DER or PEM bytes.
func ParseCertificate(data []byte, format Format) (*Certificate, *certerr.Error) {
	der, cerr := decodeInput(data, format, pemTypeCert)
	if cerr != nil {
		return nil, cerr
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, certerr.Operation("certificate parse failed")
	}
	return &Certificate{cert: cert, format: format}, nil
}

// SerialNumber returns the certificate serial number.
func (c *Certificate) SerialNumber() *big.Int {
	return c.cert.SerialNumber
}

// SerialString returns the serial number as a decimal string.
func (c *Certificate) SerialString() string {
	return c.cert.SerialNumber.String()
}

// IssuerName returns the issuer distinguished name in RFC 2253 form.
func (c *Certificate) IssuerName() string {
	return c.cert.Issuer.String()
}

// SubjectName returns the subject distinguished name in RFC 2253 form.
func (c *Certificate) SubjectName() string {
	return c.cert.Subject.String()
}

// Encoded renders the certificate in its original encoding format.
func (c *Certificate) Encoded() ([]byte, Format, *certerr.Error) {
	out, cerr := encodeOutput(c.cert.Raw, c.format, pemTypeCert)
	if cerr != nil {
		return nil, 0, cerr
	}
	return out, c.format, nil
}

// PublicKey extracts the subject public key as a verification key.
func (c *Certificate) PublicKey() (*PublicKey, *certerr.Error) {
	if c.cert.PublicKey == nil {
		return nil, certerr.Unsupported("unsupported public key type")
	}
	return &PublicKey{
		key: c.cert.PublicKey,
		raw: append([]byte(nil), c.cert.RawSubjectPublicKeyInfo...),
	}, nil
}
