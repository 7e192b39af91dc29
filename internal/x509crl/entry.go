package x509crl

import (
	"math/big"
	"time"

	"github.com/certbridge/certbridge/internal/certerr"
)

// Entry is one revokedCertificates element of a CRL. Entries handed out by
// RevokedCert and RevokedCerts are independent copies; destroying one never
// affects the parent CRL or its siblings.
type Entry struct {
	serial  *big.Int
	revoked time.Time
	issuer  string
	raw     []byte // exact DER of the entry sequence
}

// clone returns an independent Entry sharing the immutable backing data.
func (e *Entry) clone() *Entry {
	return &Entry{serial: e.serial, revoked: e.revoked, issuer: e.issuer, raw: e.raw}
}

// SerialNumber returns the revoked certificate's serial number as a decimal
// string. Serial numbers routinely exceed 64 bits, so the string form is the
// only exact script-facing representation.
func (e *Entry) SerialNumber() string {
	return e.serial.String()
}

// Serial returns the serial number for native-side comparisons.
func (e *Entry) Serial() *big.Int { return e.serial }

// CertIssuer returns the distinguished name of the issuer of the revoked
// certificate. Entries without a certificateIssuer extension inherit the
// CRL issuer.
func (e *Entry) CertIssuer() string { return e.issuer }

// RevocationDate returns the entry's revocation timestamp.
func (e *Entry) RevocationDate() string {
	return e.revoked.UTC().Format(timeLayout)
}

// Encoded returns the exact DER bytes of the entry sequence.
func (e *Entry) Encoded() ([]byte, Format, *certerr.Error) {
	return append([]byte(nil), e.raw...), FormatDER, nil
}
