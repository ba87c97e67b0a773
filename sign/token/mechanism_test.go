package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/miekg/pkcs11"
)

func TestHashFor(t *testing.T) {
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	p521, _ := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	edPub, _, _ := ed25519.GenerateKey(rand.Reader)

	tests := []struct {
		name    string
		pub     crypto.PublicKey
		want    crypto.Hash
		wantErr bool
	}{
		{"rsa", &rsaKey.PublicKey, crypto.SHA256, false},
		{"p256", &p256.PublicKey, crypto.SHA256, false},
		{"p384", &p384.PublicKey, crypto.SHA384, false},
		{"p521", &p521.PublicKey, crypto.SHA512, false},
		{"ed25519", edPub, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := HashFor(tc.pub)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("HashFor() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDigestInfo(t *testing.T) {
	digest := make([]byte, 32)
	got, err := DigestInfo(crypto.SHA256, digest)
	if err != nil {
		t.Fatal(err)
	}
	prefix := "3031300d060960864801650304020105000420"
	if hex.EncodeToString(got[:19]) != prefix {
		t.Errorf("DigestInfo prefix = %x, want %s", got[:19], prefix)
	}
	if len(got) != 19+32 {
		t.Errorf("DigestInfo length = %d", len(got))
	}
	if _, err := DigestInfo(crypto.MD5, digest); err == nil {
		t.Error("expected error for MD5")
	}
}

func TestEncodeECDSASignature(t *testing.T) {
	raw := make([]byte, 64)
	raw[31] = 7
	raw[63] = 9
	der, err := encodeECDSASignature(raw)
	if err != nil {
		t.Fatal(err)
	}
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.R.Int64() != 7 || sig.S.Int64() != 9 {
		t.Errorf("got r=%v s=%v", sig.R, sig.S)
	}
	if _, err := encodeECDSASignature(raw[:63]); err == nil {
		t.Error("expected error for odd length")
	}
}

func TestSelectOperation(t *testing.T) {
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	tests := []struct {
		name string
		pub  crypto.PublicKey
		raw  bool
		mech uint
		pre  bool
		post bool
	}{
		{"rsa raw", &rsaKey.PublicKey, true, pkcs11.CKM_RSA_PKCS, true, false},
		{"rsa combined", &rsaKey.PublicKey, false, pkcs11.CKM_SHA256_RSA_PKCS, false, false},
		{"ecdsa raw", &ecKey.PublicKey, true, pkcs11.CKM_ECDSA, true, true},
		{"ecdsa combined", &ecKey.PublicKey, false, pkcs11.CKM_ECDSA_SHA256, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op, err := selectOperation(tc.pub, crypto.SHA256, tc.raw)
			if err != nil {
				t.Fatal(err)
			}
			if op.mechanism != tc.mech {
				t.Errorf("mechanism = 0x%x, want 0x%x", op.mechanism, tc.mech)
			}
			if (op.pre != nil) != tc.pre || (op.post != nil) != tc.post {
				t.Errorf("transforms pre=%v post=%v", op.pre != nil, op.post != nil)
			}
		})
	}
}

func TestPINRedaction(t *testing.T) {
	p := NewPIN([]byte("1234"))
	if p.String() != "[REDACTED]" || p.LogValue().String() != "[REDACTED]" {
		t.Error("PIN must not format its value")
	}
	var seen string
	_ = p.use(func(s string) error { seen = s; return nil })
	if seen != "1234" {
		t.Errorf("use() saw %q", seen)
	}
	p.Destroy()
	p.Destroy()
	if !p.Empty() {
		t.Error("PIN not empty after Destroy")
	}
}

func TestTrimPKCS11String(t *testing.T) {
	if got := trimPKCS11String("AKIS            "); got != "AKIS" {
		t.Errorf("got %q", got)
	}
	if got := trimPKCS11String("  x\x00\x00"); got != "x" {
		t.Errorf("got %q", got)
	}
}
