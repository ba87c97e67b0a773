// Package signers signs PDF documents with detached CMS signatures whose
// private key operation happens on a token.
package signers

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/timestamps"
	"github.com/georgepadayatti/gopades/sign/token"
)

// Signer is the interface for signing operations.
type Signer interface {
	// Certificate returns the signing certificate.
	Certificate() *x509.Certificate
	// Chain returns the issuers embedded next to the signing certificate.
	Chain() []*x509.Certificate
	// Hash returns the digest algorithm implied by the key.
	Hash() crypto.Hash
	// SignMessage signs message, the DER of the signed attributes.
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// Timestamper obtains RFC 3161 tokens.
type Timestamper interface {
	Fetch(ctx context.Context, digest []byte, h crypto.Hash) (*timestamps.Token, error)
}

var _ Timestamper = (*timestamps.Client)(nil)

// SimpleSigner implements Signer using a certificate and a software key.
type SimpleSigner struct {
	Cert      *x509.Certificate
	CertChain []*x509.Certificate
	Key       crypto.Signer
	hash      crypto.Hash
}

// NewSimpleSigner creates a new SimpleSigner.
func NewSimpleSigner(cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) (*SimpleSigner, error) {
	h, err := token.HashFor(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SimpleSigner{Cert: cert, CertChain: chain, Key: key, hash: h}, nil
}

// Certificate implements Signer.
func (s *SimpleSigner) Certificate() *x509.Certificate { return s.Cert }

// Chain implements Signer.
func (s *SimpleSigner) Chain() []*x509.Certificate { return s.CertChain }

// Hash implements Signer.
func (s *SimpleSigner) Hash() crypto.Hash { return s.hash }

// SignMessage implements Signer.
func (s *SimpleSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return cms.KeySigner(s.Key, s.hash)(ctx, message)
}
