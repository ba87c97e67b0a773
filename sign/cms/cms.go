// Package cms builds and inspects the detached CMS SignedData structures
// embedded in PDF signatures.
package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Digest algorithms
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrMalformed            = errors.New("malformed CMS structure")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information. SID is always the
// IssuerAndSerialNumber form.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// signerInfoRaw keeps the signed attributes as encoded.
type signerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// SignatureAlgorithm pairs a digest with the signature algorithm OID.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA   = SignatureAlgorithm{OIDSHA256, OIDSHA256WithRSA, crypto.SHA256}
	SHA384WithRSA   = SignatureAlgorithm{OIDSHA384, OIDSHA384WithRSA, crypto.SHA384}
	SHA512WithRSA   = SignatureAlgorithm{OIDSHA512, OIDSHA512WithRSA, crypto.SHA512}
	SHA256WithECDSA = SignatureAlgorithm{OIDSHA256, OIDECDSAWithSHA256, crypto.SHA256}
	SHA384WithECDSA = SignatureAlgorithm{OIDSHA384, OIDECDSAWithSHA384, crypto.SHA384}
	SHA512WithECDSA = SignatureAlgorithm{OIDSHA512, OIDECDSAWithSHA512, crypto.SHA512}
)

// AlgorithmFor returns the signature algorithm for a key and digest.
func AlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithRSA, nil
		case crypto.SHA384:
			return SHA384WithRSA, nil
		case crypto.SHA512:
			return SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithECDSA, nil
		case crypto.SHA384:
			return SHA384WithECDSA, nil
		case crypto.SHA512:
			return SHA512WithECDSA, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %T with %v", ErrUnsupportedAlgorithm, pub, h)
}

// SignFunc produces a signature over message, the DER encoding of the
// signed attributes. Hashing is left to the implementation.
type SignFunc func(ctx context.Context, message []byte) ([]byte, error)

// KeySigner returns a SignFunc backed by a software key.
func KeySigner(key crypto.Signer, h crypto.Hash) SignFunc {
	return func(_ context.Context, message []byte) ([]byte, error) {
		w := h.New()
		w.Write(message)
		return key.Sign(rand.Reader, w.Sum(nil), h)
	}
}

// Builder assembles a detached SignedData for one signer.
type Builder struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Algorithm   SignatureAlgorithm
	SigningTime time.Time
}

// NewBuilder creates a builder for cert using digest h.
func NewBuilder(cert *x509.Certificate, h crypto.Hash) (*Builder, error) {
	alg, err := AlgorithmFor(cert.PublicKey, h)
	if err != nil {
		return nil, err
	}
	return &Builder{Certificate: cert, Algorithm: alg, SigningTime: time.Now().UTC()}, nil
}

// WithChain sets the certificates embedded next to the signer's.
func (b *Builder) WithChain(chain []*x509.Certificate) *Builder {
	b.Chain = chain
	return b
}

// WithSigningTime sets the signingTime attribute.
func (b *Builder) WithSigningTime(t time.Time) *Builder {
	b.SigningTime = t.UTC()
	return b
}

// Hash returns the digest algorithm.
func (b *Builder) Hash() crypto.Hash { return b.Algorithm.Hash }

// SignedAttributes returns the DER-sorted signed attributes for a content
// digest and their DER encoding as a SET, which is what gets signed.
func (b *Builder) SignedAttributes(digest []byte) ([]Attribute, []byte, error) {
	if len(digest) != b.Algorithm.Hash.Size() {
		return nil, nil, fmt.Errorf("digest length %d does not match %v", len(digest), b.Algorithm.Hash)
	}
	attrs, err := b.buildSignedAttributes(digest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	attrs = derSortAttributes(attrs)
	der, err := marshalAttributeSet(attrs)
	if err != nil {
		return nil, nil, err
	}
	return attrs, der, nil
}

func marshalAttributeSet(attrs []Attribute) ([]byte, error) {
	der, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	der[0] = 0x31 // SET tag
	return der, nil
}

// Assemble produces the DER ContentInfo from signed attributes, the
// signature over them and optional unsigned attributes.
func (b *Builder) Assemble(attrs []Attribute, signature []byte, unsigned []Attribute) ([]byte, error) {
	nullParams := asn1.RawValue{Tag: asn1.TagNull}
	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: nullParams},
		SignedAttrs:     attrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
		},
		Signature:     signature,
		UnsignedAttrs: unsigned,
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: nullParams}},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []SignerInfo{signerInfo},
	}
	signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: b.Certificate.Raw})
	for _, cert := range b.Chain {
		if cert.Equal(b.Certificate) {
			continue
		}
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

// Sign builds the signed attributes for digest, has sign produce the
// signature and assembles the result without unsigned attributes.
func (b *Builder) Sign(ctx context.Context, digest []byte, sign SignFunc) ([]byte, error) {
	attrs, der, err := b.SignedAttributes(digest)
	if err != nil {
		return nil, err
	}
	sig, err := sign(ctx, der)
	if err != nil {
		return nil, err
	}
	return b.Assemble(attrs, sig, nil)
}

func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	switch {
	case oid.Equal(OIDSHA256WithRSA), oid.Equal(OIDSHA384WithRSA), oid.Equal(OIDSHA512WithRSA):
		return asn1.RawValue{Tag: asn1.TagNull}
	default:
		return asn1.RawValue{} // omit
	}
}

func (b *Builder) buildSignedAttributes(messageDigest []byte) ([]Attribute, error) {
	contentType, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, err
	}
	digest, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, err
	}
	signingTime, err := asn1.Marshal(b.SigningTime)
	if err != nil {
		return nil, err
	}

	h := b.Algorithm.Hash.New()
	h.Write(b.Certificate.Raw)
	signingCert, err := asn1.Marshal(SigningCertificateV2{
		Certs: []ESSCertIDv2{{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: b.Algorithm.DigestAlgorithm, Parameters: asn1.RawValue{Tag: asn1.TagNull}},
			CertHash:      h.Sum(nil),
			IssuerSerial: IssuerSerial{
				Issuer: GeneralNames{Names: []asn1.RawValue{{
					Class:      asn1.ClassContextSpecific,
					Tag:        4, // directoryName
					IsCompound: true,
					Bytes:      b.Certificate.RawIssuer,
				}}},
				SerialNumber: b.Certificate.SerialNumber,
			},
		}},
	})
	if err != nil {
		return nil, err
	}

	return []Attribute{
		{Type: OIDContentType, Values: []asn1.RawValue{{FullBytes: contentType}}},
		{Type: OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digest}}},
		{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: signingTime}}},
		{Type: OIDSigningCertificateV2, Values: []asn1.RawValue{{FullBytes: signingCert}}},
	}, nil
}

// TimestampAttribute wraps an RFC 3161 token as an unsigned attribute.
func TimestampAttribute(token []byte) Attribute {
	return Attribute{Type: OIDTimeStampToken, Values: []asn1.RawValue{{FullBytes: token}}}
}

// derSortAttributes sorts attributes by their DER encoding, the order
// encoding/asn1 emits for SET OF.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})
	out := make([]Attribute, len(attrs))
	for i, a := range sorted {
		out[i] = a.attr
	}
	return out
}
