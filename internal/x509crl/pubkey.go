package x509crl

import (
	"crypto"
	"crypto/x509"

	"github.com/certbridge/certbridge/internal/certerr"
)

// PublicKey wraps a subject public key used to verify CRL signatures.
type PublicKey struct {
	key crypto.PublicKey
	raw []byte // DER SubjectPublicKeyInfo
}

// ParsePublicKey decodes a PKIX SubjectPublicKeyInfo from DER or PEM bytes.
func ParsePublicKey(data []byte, format Format) (*PublicKey, *certerr.Error) {
	der, cerr := decodeInput(data, format, pemTypePubKey)
	if cerr != nil {
		return nil, cerr
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, certerr.Operation("public key parse failed")
	}
	return &PublicKey{key: key, raw: append([]byte(nil), der...)}, nil
}

// Key returns the underlying crypto.PublicKey.
func (p *PublicKey) Key() crypto.PublicKey { return p.key }

// Encoded returns the DER SubjectPublicKeyInfo bytes.
func (p *PublicKey) Encoded() ([]byte, Format, *certerr.Error) {
	return append([]byte(nil), p.raw...), FormatDER, nil
}
