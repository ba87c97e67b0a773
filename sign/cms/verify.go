package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Signature is a parsed detached SignedData with a single signer.
type Signature struct {
	Certificates  []*x509.Certificate
	Signer        *x509.Certificate
	Hash          crypto.Hash
	SignatureOID  asn1.ObjectIdentifier
	SignedAttrs   []Attribute
	UnsignedAttrs []Attribute
	Value         []byte

	signedAttrsDER []byte
}

// Parse decodes a DER ContentInfo holding SignedData. Trailing zero
// padding, as found in PDF /Contents, is ignored.
func Parse(data []byte) (*Signature, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: ContentInfo: %v", ErrMalformed, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: expected SignedData, got %v", ErrMalformed, contentInfo.ContentType)
	}
	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: SignedData: %v", ErrMalformed, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer infos", ErrMalformed)
	}
	var si signerInfoRaw
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: SignerInfo: %v", ErrMalformed, err)
	}

	sig := &Signature{SignatureOID: si.SignatureAlgorithm.Algorithm, Value: si.Signature}
	var ok bool
	if sig.Hash, ok = hashForOID(si.DigestAlgorithm.Algorithm); !ok {
		return nil, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, si.DigestAlgorithm.Algorithm)
	}
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		sig.Certificates = append(sig.Certificates, cert)
		if sig.Signer == nil && matchesSID(cert, si.SID) {
			sig.Signer = cert
		}
	}

	var err error
	if len(si.SignedAttrs.FullBytes) > 0 {
		if sig.SignedAttrs, err = parseAttributes(si.SignedAttrs.Bytes); err != nil {
			return nil, err
		}
		// The signature covers the attributes with a SET tag in place of [0].
		sig.signedAttrsDER = append([]byte(nil), si.SignedAttrs.FullBytes...)
		sig.signedAttrsDER[0] = 0x31
	}
	if len(si.UnsignedAttrs.FullBytes) > 0 {
		if sig.UnsignedAttrs, err = parseAttributes(si.UnsignedAttrs.Bytes); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

func parseAttributes(rest []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute: %v", ErrMalformed, err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func matchesSID(cert *x509.Certificate, sid IssuerAndSerialNumber) bool {
	if sid.SerialNumber == nil || cert.SerialNumber.Cmp(sid.SerialNumber) != 0 {
		return false
	}
	return len(sid.Issuer.FullBytes) == 0 || bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes)
}

func hashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	}
	return 0, false
}

func (s *Signature) attribute(attrs []Attribute, oid asn1.ObjectIdentifier) []byte {
	for _, a := range attrs {
		if a.Type.Equal(oid) && len(a.Values) > 0 {
			return a.Values[0].FullBytes
		}
	}
	return nil
}

// MessageDigest returns the messageDigest signed attribute.
func (s *Signature) MessageDigest() ([]byte, error) {
	raw := s.attribute(s.SignedAttrs, OIDMessageDigest)
	if raw == nil {
		return nil, errors.New("message digest attribute not found")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(raw, &digest); err != nil {
		return nil, fmt.Errorf("%w: message digest: %v", ErrMalformed, err)
	}
	return digest, nil
}

// SigningTime returns the signingTime signed attribute.
func (s *Signature) SigningTime() (time.Time, bool) {
	raw := s.attribute(s.SignedAttrs, OIDSigningTime)
	if raw == nil {
		return time.Time{}, false
	}
	var t time.Time
	if _, err := asn1.Unmarshal(raw, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TimestampToken returns the RFC 3161 token carried as an unsigned
// attribute, or nil.
func (s *Signature) TimestampToken() []byte {
	return s.attribute(s.UnsignedAttrs, OIDTimeStampToken)
}

// VerifyDigest checks the messageDigest attribute against digest and the
// signature over the signed attributes against the signer's key.
func (s *Signature) VerifyDigest(digest []byte) error {
	if s.Signer == nil {
		return ErrMissingCertificate
	}
	found, err := s.MessageDigest()
	if err != nil {
		return err
	}
	if !bytes.Equal(found, digest) {
		return fmt.Errorf("%w: message digest mismatch", ErrInvalidSignature)
	}
	h := s.Hash.New()
	h.Write(s.signedAttrsDER)
	if err := verifySignature(s.Signer.PublicKey, s.Hash, h.Sum(nil), s.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Verify checks the signature against the signed content.
func (s *Signature) Verify(content []byte) error {
	h := s.Hash.New()
	h.Write(content)
	return s.VerifyDigest(h.Sum(nil))
}

func verifySignature(pub crypto.PublicKey, h crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, h, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("ecdsa verification failed")
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
	}
}

// TSTInfo is the content of an RFC 3161 timestamp token.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
}

// MessageImprint is the hash of the timestamped data.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// ParseTSTInfo extracts the TSTInfo from a timestamp token.
func ParseTSTInfo(token []byte) (*TSTInfo, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(token, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: timestamp ContentInfo: %v", ErrMalformed, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: timestamp token is not SignedData", ErrMalformed)
	}
	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: timestamp SignedData: %v", ErrMalformed, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: unexpected timestamp content type %v", ErrMalformed, sd.EncapContentInfo.EContentType)
	}
	var octets []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &octets); err != nil {
		return nil, fmt.Errorf("%w: TSTInfo octets: %v", ErrMalformed, err)
	}
	var info TSTInfo
	if _, err := asn1.Unmarshal(octets, &info); err != nil {
		return nil, fmt.Errorf("%w: TSTInfo: %v", ErrMalformed, err)
	}
	return &info, nil
}

// TimestampTime returns the generation time of the signature's timestamp.
func (s *Signature) TimestampTime() (time.Time, bool) {
	tok := s.TimestampToken()
	if tok == nil {
		return time.Time{}, false
	}
	info, err := ParseTSTInfo(tok)
	if err != nil {
		return time.Time{}, false
	}
	return info.GenTime, true
}
