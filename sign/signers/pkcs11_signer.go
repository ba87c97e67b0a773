package signers

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/georgepadayatti/gopades/sign/token"
)

// PKCS11Signer signs with a key held on a token through an open session.
type PKCS11Signer struct {
	Session *token.Session
	Cert    *token.Certificate
	chain   []*x509.Certificate
	hash    crypto.Hash
}

// NewPKCS11Signer prepares signing with cert in sess. The chain is built
// from the other certificates on the token.
func NewPKCS11Signer(sess *token.Session, cert *token.Certificate) (*PKCS11Signer, error) {
	h, err := token.HashFor(cert.Certificate.PublicKey)
	if err != nil {
		return nil, err
	}
	chain, err := sess.Chain(cert)
	if err != nil {
		return nil, err
	}
	return &PKCS11Signer{Session: sess, Cert: cert, chain: chain, hash: h}, nil
}

// Certificate implements Signer.
func (s *PKCS11Signer) Certificate() *x509.Certificate { return s.Cert.Certificate }

// Chain implements Signer.
func (s *PKCS11Signer) Chain() []*x509.Certificate { return s.chain }

// Hash implements Signer.
func (s *PKCS11Signer) Hash() crypto.Hash { return s.hash }

// SignMessage implements Signer. Only message leaves the process; the key
// stays on the token.
func (s *PKCS11Signer) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return s.Session.Sign(ctx, s.Cert, message, s.hash)
}
