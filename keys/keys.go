// Package keys loads certificates and the software credentials of the
// local timestamp authority from PEM, DER and PKCS#12 files. Signing keys
// stay on the token and never pass through here.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrNoKeyFound      = errors.New("no private key found in data")
	ErrUnknownKeyType  = errors.New("unknown private key type")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrMultipleCerts   = errors.New("expected exactly one certificate")
)

// Credential is a certificate with its private key and issuers.
type Credential struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	Chain       []*x509.Certificate
}

// LoadCertificate loads exactly one certificate from a PEM or DER file.
func LoadCertificate(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(filename)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d certificates in %s", ErrMultipleCerts, len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertificates loads every certificate of a PEM or DER file.
func LoadCertificates(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParseCertificates(data)
}

// ParseCertificates parses PEM CERTIFICATE blocks, or DER when data is not PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadCertificateFiles loads the certificates of several files in order.
func LoadCertificateFiles(filenames []string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertificates(filename)
		if err != nil {
			return nil, err
		}
		all = append(all, certs...)
	}
	return all, nil
}

// LoadPrivateKey loads a PKCS#1, SEC 1 or PKCS#8 key from a PEM or DER file.
func LoadPrivateKey(filename string) (crypto.Signer, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey parses an unencrypted private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	if !isPEM(data) {
		return parseDERKey(data)
	}
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return parseKeyBlock(block)
		}
	}
	return nil, ErrNoKeyFound
}

func parseKeyBlock(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return toSigner(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, block.Type)
	}
}

func parseDERKey(data []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

func toSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

// LoadPKCS12 decodes a PKCS#12 file holding one key, its certificate and
// optionally the issuers.
func LoadPKCS12(filename, password string) (*Credential, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes PKCS#12 data.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	signer, err := toSigner(key)
	if err != nil {
		return nil, err
	}
	return &Credential{Certificate: cert, Key: signer, Chain: chain}, nil
}

// LoadCredential loads a credential from a .p12/.pfx file, or from a
// certificate file and a key file otherwise. Extra certificates in the
// certificate file become the chain.
func LoadCredential(certFile, keyFile, password string) (*Credential, error) {
	switch strings.ToLower(filepath.Ext(certFile)) {
	case ".p12", ".pfx":
		return LoadPKCS12(certFile, password)
	}
	certs, err := LoadCertificates(certFile)
	if err != nil {
		return nil, err
	}
	if keyFile == "" {
		keyFile = certFile
	}
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}
	return &Credential{Certificate: certs[0], Key: key, Chain: certs[1:]}, nil
}

// Pool builds a pool from the certificates of filenames.
func Pool(filenames ...string) (*x509.CertPool, []*x509.Certificate, error) {
	certs, err := LoadCertificateFiles(filenames)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, certs, nil
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
