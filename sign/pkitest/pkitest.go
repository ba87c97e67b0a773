// Package pkitest issues throwaway certificate hierarchies for tests.
package pkitest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

var serialCounter atomic.Int64

// Authority is a certificate authority with its key.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// Options tunes an issued certificate. Zero values get sensible defaults.
type Options struct {
	CommonName  string
	Serial      *big.Int
	Key         crypto.Signer
	NotBefore   time.Time
	NotAfter    time.Time
	IsCA        bool
	ExtKeyUsage []x509.ExtKeyUsage
	OCSPServer  []string
	CRLURLs     []string
	IssuerURLs  []string
}

// RSAKey generates a 2048-bit RSA key.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return k
}

// ECKey generates an ECDSA key on curve.
func ECKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	return k
}

// NewRoot creates a self-signed root authority.
func NewRoot(t testing.TB, commonName string) *Authority {
	t.Helper()
	key := RSAKey(t)
	tmpl := template(Options{CommonName: commonName, IsCA: true, Key: key})
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	return &Authority{Cert: cert, Key: key}
}

// Issue signs a certificate for opts.Key (a fresh RSA key when nil).
func (a *Authority) Issue(t testing.TB, opts Options) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	if opts.Key == nil {
		opts.Key = RSAKey(t)
	}
	tmpl := template(opts)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, opts.Key.Public(), a.Key)
	if err != nil {
		t.Fatalf("issue %q: %v", opts.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse %q: %v", opts.CommonName, err)
	}
	return cert, opts.Key
}

// Intermediate issues a subordinate authority.
func (a *Authority) Intermediate(t testing.TB, commonName string) *Authority {
	t.Helper()
	cert, key := a.Issue(t, Options{CommonName: commonName, IsCA: true})
	return &Authority{Cert: cert, Key: key}
}

// Pool returns a pool holding only this authority's certificate.
func (a *Authority) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(a.Cert)
	return p
}

func template(opts Options) *x509.Certificate {
	serial := opts.Serial
	if serial == nil {
		serial = big.NewInt(1000 + serialCounter.Add(1))
	}
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(365 * 24 * time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"gopades test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
		ExtKeyUsage:           opts.ExtKeyUsage,
		OCSPServer:            opts.OCSPServer,
		CRLDistributionPoints: opts.CRLURLs,
		IssuingCertificateURL: opts.IssuerURLs,
	}
	if opts.IsCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}
	return tmpl
}
