package credentials

import (
	"bytes"

	"github.com/mattersecure/core/pkg/crypto"
)

// MaxChainDepth bounds how many links a chain walk will follow before giving
// up, mirroring the original's MAX_DEPTH guard against unbounded recursion
// over attacker-supplied certificates.
const MaxChainDepth = 10

// ChainVerifier walks a Matter certificate chain one link at a time,
// verifying each certificate's signature against its claimed parent before
// advancing. Call VerifyChainStart on the leaf (NOC or ICAC under test),
// AddCert for each intermediate up to the root, and Finalise once the chain
// reaches what should be a self-signed root.
type ChainVerifier struct {
	cert  *Certificate
	depth int
}

// VerifyChainStart begins a chain verification rooted at cert (typically a
// NOC). The returned ChainVerifier has not checked anything yet; call
// AddCert with cert's issuer to perform the first signature check.
func VerifyChainStart(cert *Certificate) *ChainVerifier {
	return &ChainVerifier{cert: cert}
}

// AddCert checks that parent is the authority for the verifier's current
// certificate (authority key ID matches parent's subject key ID) and that
// parent's public key validates the current certificate's signature over
// its TBSCertificate bytes. On success it returns a ChainVerifier positioned
// at parent, ready for the next link or Finalise.
func (v *ChainVerifier) AddCert(parent *Certificate) (*ChainVerifier, error) {
	if v.depth >= MaxChainDepth {
		return nil, ErrChainTooLong
	}

	if !bytes.Equal(v.cert.AuthorityKeyID(), parent.SubjectKeyID()) {
		return nil, ErrInvalidAuthKey
	}

	tbs, err := tbsCertificateDER(v.cert)
	if err != nil {
		return nil, err
	}

	ok, err := crypto.P256Verify(parent.ECPubKey, tbs, v.cert.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	return &ChainVerifier{cert: parent, depth: v.depth + 1}, nil
}

// Finalise checks that the verifier's current certificate is self-signed
// (its own signature validates against its own public key), which is only
// true of a root CA certificate. A chain that stops short of a self-signed
// root fails here with ErrInvalidAuthKey, since the self-check requires the
// authority key ID to equal the certificate's own subject key ID.
func (v *ChainVerifier) Finalise() error {
	_, err := v.AddCert(v.cert)
	return err
}
