package x509crl

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"

	"github.com/certbridge/certbridge/internal/certerr"
)

// verifySignature checks signature over signed using the given algorithm and
// public key. The switch covers the algorithms crypto/x509 can itself emit;
// anything else reports CodeUnsupported.
func verifySignature(alg x509.SignatureAlgorithm, signed, signature []byte, key crypto.PublicKey) *certerr.Error {
	var hash crypto.Hash
	switch alg {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		hash = crypto.SHA1
	case x509.SHA256WithRSA, x509.SHA256WithRSAPSS, x509.ECDSAWithSHA256:
		hash = crypto.SHA256
	case x509.SHA384WithRSA, x509.SHA384WithRSAPSS, x509.ECDSAWithSHA384:
		hash = crypto.SHA384
	case x509.SHA512WithRSA, x509.SHA512WithRSAPSS, x509.ECDSAWithSHA512:
		hash = crypto.SHA512
	case x509.PureEd25519:
		hash = 0
	default:
		return certerr.Unsupported("unsupported signature algorithm")
	}

	digest := signed
	if hash != 0 {
		h := hash.New()
		h.Write(signed)
		digest = h.Sum(nil)
	}

	switch pub := key.(type) {
	case *rsa.PublicKey:
		switch alg {
		case x509.SHA256WithRSAPSS, x509.SHA384WithRSAPSS, x509.SHA512WithRSAPSS:
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
			if err := rsa.VerifyPSS(pub, hash, digest, signature, opts); err != nil {
				return certerr.Operation("signature verification failed")
			}
		case x509.SHA1WithRSA, x509.SHA256WithRSA, x509.SHA384WithRSA, x509.SHA512WithRSA:
			if err := rsa.VerifyPKCS1v15(pub, hash, digest, signature); err != nil {
				return certerr.Operation("signature verification failed")
			}
		default:
			return certerr.Operation("signature verification failed")
		}
	case *ecdsa.PublicKey:
		switch alg {
		case x509.ECDSAWithSHA1, x509.ECDSAWithSHA256, x509.ECDSAWithSHA384, x509.ECDSAWithSHA512:
			if !ecdsa.VerifyASN1(pub, digest, signature) {
				return certerr.Operation("signature verification failed")
			}
		default:
			return certerr.Operation("signature verification failed")
		}
	case ed25519.PublicKey:
		if alg != x509.PureEd25519 || !ed25519.Verify(pub, signed, signature) {
			return certerr.Operation("signature verification failed")
		}
	default:
		return certerr.Unsupported("unsupported public key type")
	}
	return nil
}
