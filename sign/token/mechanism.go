package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"
)

// operation describes how one signature is produced on the token.
type operation struct {
	mechanism uint
	pre       func([]byte) ([]byte, error)
	post      func([]byte) ([]byte, error)
}

var rsaMechanisms = map[crypto.Hash]uint{
	crypto.SHA1:   pkcs11.CKM_SHA1_RSA_PKCS,
	crypto.SHA224: pkcs11.CKM_SHA224_RSA_PKCS,
	crypto.SHA256: pkcs11.CKM_SHA256_RSA_PKCS,
	crypto.SHA384: pkcs11.CKM_SHA384_RSA_PKCS,
	crypto.SHA512: pkcs11.CKM_SHA512_RSA_PKCS,
}

var ecdsaMechanisms = map[crypto.Hash]uint{
	crypto.SHA1:   pkcs11.CKM_ECDSA_SHA1,
	crypto.SHA224: pkcs11.CKM_ECDSA_SHA224,
	crypto.SHA256: pkcs11.CKM_ECDSA_SHA256,
	crypto.SHA384: pkcs11.CKM_ECDSA_SHA384,
	crypto.SHA512: pkcs11.CKM_ECDSA_SHA512,
}

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// HashFor returns the digest algorithm implied by the key: SHA-256 for RSA
// and P-256, SHA-384 for P-384, SHA-512 for P-521.
func HashFor(pub crypto.PublicKey) (crypto.Hash, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return crypto.SHA256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return crypto.SHA256, nil
		case elliptic.P384():
			return crypto.SHA384, nil
		case elliptic.P521():
			return crypto.SHA512, nil
		}
		return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

// selectOperation picks the mechanism for the key. With raw set the digest
// is computed here and the token only applies the private key operation.
func selectOperation(pub crypto.PublicKey, h crypto.Hash, raw bool) (*operation, error) {
	if !h.Available() {
		return nil, fmt.Errorf("%w: digest %v not linked in", ErrUnsupportedKey, h)
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		if raw {
			return &operation{mechanism: pkcs11.CKM_RSA_PKCS, pre: hashWithDigestInfo(h)}, nil
		}
		mech, ok := rsaMechanisms[h]
		if !ok {
			return nil, fmt.Errorf("%w: RSA with %v", ErrUnsupportedKey, h)
		}
		return &operation{mechanism: mech}, nil
	case *ecdsa.PublicKey:
		if raw {
			return &operation{mechanism: pkcs11.CKM_ECDSA, pre: hashFully(h), post: encodeECDSASignature}, nil
		}
		mech, ok := ecdsaMechanisms[h]
		if !ok {
			return nil, fmt.Errorf("%w: ECDSA with %v", ErrUnsupportedKey, h)
		}
		return &operation{mechanism: mech, post: encodeECDSASignature}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

func hashFully(h crypto.Hash) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		w := h.New()
		w.Write(data)
		return w.Sum(nil), nil
	}
}

func hashWithDigestInfo(h crypto.Hash) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		digest, _ := hashFully(h)(data)
		return DigestInfo(h, digest)
	}
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type digestInfo struct {
	DigestAlgorithm algorithmIdentifier
	Digest          []byte
}

// DigestInfo wraps digest in the PKCS#1 v1.5 DigestInfo structure.
func DigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestOIDs[h]
	if !ok {
		return nil, fmt.Errorf("%w: digest %v", ErrUnsupportedKey, h)
	}
	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		Digest: digest,
	})
}

type ecdsaSignature struct {
	R, S *big.Int
}

// encodeECDSASignature converts the r||s form returned by tokens to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: ECDSA signature of odd length %d", ErrSignFailed, len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
