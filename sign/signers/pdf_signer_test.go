package signers

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/pdftest"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
	"github.com/georgepadayatti/gopades/sign/appearance"
	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/fields"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/pkitest"
	"github.com/georgepadayatti/gopades/sign/timestamps"
)

var signingTime = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func testSigner(t *testing.T, ec bool) (*SimpleSigner, *pkitest.Authority) {
	t.Helper()
	root := pkitest.NewRoot(t, "Signing Root")
	opts := pkitest.Options{CommonName: "Test Signer"}
	if ec {
		opts.Key = pkitest.ECKey(t, elliptic.P256())
	}
	cert, key := root.Issue(t, opts)
	s, err := NewSimpleSigner(cert, key, []*x509.Certificate{root.Cert})
	if err != nil {
		t.Fatalf("NewSimpleSigner: %v", err)
	}
	return s, root
}

func newPdfSigner(s Signer) *PdfSigner {
	return NewPdfSigner(s).WithClock(clockwork.NewFakeClockAt(signingTime))
}

func embedded(t *testing.T, data []byte) (*reader.PdfFileReader, []*reader.EmbeddedSignature) {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("parse signed output: %v", err)
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		t.Fatalf("EmbeddedSignatures: %v", err)
	}
	return r, sigs
}

func verifyEmbedded(t *testing.T, data []byte, sig *reader.EmbeddedSignature, want *x509.Certificate) *cms.Signature {
	t.Helper()
	signed, err := sig.SignedData(data)
	if err != nil {
		t.Fatalf("SignedData: %v", err)
	}
	parsed, err := cms.Parse(sig.Contents)
	if err != nil {
		t.Fatalf("cms.Parse: %v", err)
	}
	if err := parsed.Verify(signed); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if parsed.Signer.SerialNumber.Cmp(want.SerialNumber) != 0 {
		t.Errorf("signer serial = %v, want %v", parsed.Signer.SerialNumber, want.SerialNumber)
	}
	return parsed
}

func TestSignInvisible(t *testing.T) {
	tests := []struct {
		name string
		ec   bool
		doc  []byte
	}{
		{"rsa classic xref", false, pdftest.Minimal()},
		{"ecdsa xref stream", true, pdftest.Build(pdftest.Options{Pages: 2, XRefStream: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testSigner(t, tt.ec)
			res, err := newPdfSigner(s).Sign(context.Background(), tt.doc, Options{
				Metadata: SignatureMetadata{Reason: "  Approved ", Location: "Berlin"},
			})
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if !bytes.HasPrefix(res.Data, tt.doc) {
				t.Fatal("original bytes not preserved")
			}
			wantName := fmt.Sprintf("Signature_%d", signingTime.Unix())
			if res.FieldName != wantName {
				t.Errorf("field name = %q, want %q", res.FieldName, wantName)
			}

			r, sigs := embedded(t, res.Data)
			if len(sigs) != 1 {
				t.Fatalf("signatures = %d, want 1", len(sigs))
			}
			sig := sigs[0]
			if got := sig.SubFilter(); got != string(fields.SubFilterETSICAdESDetached) {
				t.Errorf("SubFilter = %q", got)
			}
			if got := sig.Reason(); got != "Approved" {
				t.Errorf("Reason = %q", got)
			}
			if sig.Dict.Has("ContactInfo") {
				t.Error("empty ContactInfo written")
			}
			if sig.ByteRange[0] != 0 || sig.ByteRange[2]+sig.ByteRange[3] != int64(len(res.Data)) {
				t.Errorf("byte range %v does not cover the file of %d bytes", sig.ByteRange, len(res.Data))
			}
			parsed := verifyEmbedded(t, res.Data, sig, s.Cert)
			if st, ok := parsed.SigningTime(); !ok || !st.Equal(signingTime) {
				t.Errorf("signing time = %v, %v", st, ok)
			}
			if parsed.TimestampToken() != nil {
				t.Error("unexpected timestamp token")
			}

			cat, _ := r.Catalog()
			ext := r.ResolveDict(cat.Get("Extensions"))
			if ext == nil || !ext.Has("ESIC") {
				t.Error("ESIC extension not registered")
			}
			rect, err := generic.RectangleFromArray(r.ResolveArray(sig.Field.Get("Rect")))
			if err != nil || rect.Width() != 0 || rect.Height() != 0 {
				t.Errorf("invisible widget has rect %+v (%v)", rect, err)
			}
		})
	}
}

func TestSignVisibleOnLastPage(t *testing.T) {
	s, _ := testSigner(t, false)
	doc := pdftest.Build(pdftest.Options{Pages: 3})
	res, err := newPdfSigner(s).Sign(context.Background(), doc, Options{
		Metadata:   SignatureMetadata{FieldName: "Approval", SubFilter: fields.SubFilterAdobePKCS7Detached},
		Appearance: &appearance.Descriptor{Page: -1},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r, sigs := embedded(t, res.Data)
	if len(sigs) != 1 || sigs[0].FieldName != "Approval" {
		t.Fatalf("unexpected signatures %+v", sigs)
	}
	pages, err := r.Pages()
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := sigs[0].Field.Get("P").(generic.Reference); p != pages[2].Ref {
		t.Errorf("widget on %v, want last page %v", p, pages[2].Ref)
	}
	if ap := r.ResolveDict(sigs[0].Field.Get("AP")); ap == nil || !ap.Has("N") {
		t.Error("visible widget has no appearance")
	}
	if got := sigs[0].SubFilter(); got != string(fields.SubFilterAdobePKCS7Detached) {
		t.Errorf("SubFilter = %q", got)
	}
	cat, _ := r.Catalog()
	if cat.Has("Extensions") {
		t.Error("ESIC registered for a PKCS#7 signature")
	}
	verifyEmbedded(t, res.Data, sigs[0], s.Cert)
}

func TestSignTwice(t *testing.T) {
	s, _ := testSigner(t, false)
	p := newPdfSigner(s)
	opts := Options{Metadata: SignatureMetadata{FieldName: "Sig"}}

	first, err := p.Sign(context.Background(), pdftest.Minimal(), opts)
	if err != nil {
		t.Fatalf("first Sign: %v", err)
	}
	second, err := p.Sign(context.Background(), first.Data, opts)
	if err != nil {
		t.Fatalf("second Sign: %v", err)
	}
	if second.FieldName != "Sig_2" {
		t.Errorf("second field = %q, want Sig_2", second.FieldName)
	}
	if !bytes.HasPrefix(second.Data, first.Data) {
		t.Fatal("first revision modified")
	}
	_, sigs := embedded(t, second.Data)
	if len(sigs) != 2 {
		t.Fatalf("signatures = %d, want 2", len(sigs))
	}
	for _, sig := range sigs {
		verifyEmbedded(t, second.Data, sig, s.Cert)
	}
}

func TestSignPlaceholderTooSmall(t *testing.T) {
	s, _ := testSigner(t, false)
	for _, size := range []int{64, -1, MaxPlaceholderSize + 1} {
		_, err := newPdfSigner(s).Sign(context.Background(), pdftest.Minimal(), Options{PlaceholderSize: size})
		if !errors.Is(err, writer.ErrPlaceholderTooSmall) {
			t.Errorf("size %d: err = %v, want ErrPlaceholderTooSmall", size, err)
		}
	}
}

func TestSignTimestamped(t *testing.T) {
	s, root := testSigner(t, false)
	tsaCert, tsaKey := root.Issue(t, pkitest.Options{
		CommonName:  "Test TSA",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	tsaTime := signingTime.Add(2 * time.Second)
	authority := timestamps.NewLocalAuthority(tsaCert, tsaKey).
		WithChain([]*x509.Certificate{root.Cert}).
		WithClock(clockwork.NewFakeClockAt(tsaTime))
	srv := httptest.NewServer(authority)
	defer srv.Close()

	client := timestamps.NewClient(srv.URL).WithRoots(root.Pool())
	res, err := newPdfSigner(s).Sign(context.Background(), pdftest.Minimal(), Options{Timestamper: client})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res.Timestamp == nil || !res.Timestamp.Time.Equal(tsaTime) {
		t.Fatalf("timestamp = %+v", res.Timestamp)
	}
	_, sigs := embedded(t, res.Data)
	parsed := verifyEmbedded(t, res.Data, sigs[0], s.Cert)
	if !bytes.Equal(parsed.TimestampToken(), res.Timestamp.Raw) {
		t.Error("timestamp token not embedded as unsigned attribute")
	}
	info, err := cms.ParseTSTInfo(parsed.TimestampToken())
	if err != nil {
		t.Fatalf("ParseTSTInfo: %v", err)
	}
	h := s.Hash().New()
	h.Write(parsed.Value)
	if !bytes.Equal(info.MessageImprint.HashedMessage, h.Sum(nil)) {
		t.Error("timestamp does not cover the signature value")
	}
}

func TestSignCertify(t *testing.T) {
	s, _ := testSigner(t, false)
	res, err := newPdfSigner(s).Sign(context.Background(), pdftest.Minimal(), Options{Certify: mdp.PolicyFormFilling})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r, sigs := embedded(t, res.Data)
	state, err := mdp.ReadState(r)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if state != mdp.CertifiedLevel2 {
		t.Errorf("state = %v, want %v", state, mdp.CertifiedLevel2)
	}
	if !sigs[0].Dict.Has("Reference") {
		t.Error("certification signature lacks /Reference")
	}
	verifyEmbedded(t, res.Data, sigs[0], s.Cert)
}

func TestSignRejectsBadAppearance(t *testing.T) {
	s, _ := testSigner(t, false)
	_, err := newPdfSigner(s).Sign(context.Background(), pdftest.Minimal(), Options{
		Appearance: &appearance.Descriptor{Page: 5},
	})
	if !errors.Is(err, appearance.ErrPageOutOfRange) {
		t.Errorf("err = %v, want ErrPageOutOfRange", err)
	}
}

func TestEstimateSize(t *testing.T) {
	s, _ := testSigner(t, false)
	plain := EstimateSize(s, false)
	stamped := EstimateSize(s, true)
	if stamped-plain != TimestampAllowance {
		t.Errorf("timestamp allowance = %d, want %d", stamped-plain, TimestampAllowance)
	}
	if plain < len(s.Cert.Raw)+len(s.CertChain[0].Raw) {
		t.Errorf("estimate %d smaller than the certificates", plain)
	}
	if got, _ := PlaceholderSize(s, false, 0); got != plain {
		t.Errorf("PlaceholderSize(0) = %d, want %d", got, plain)
	}
	if got, _ := PlaceholderSize(s, false, 9000); got != 9000 {
		t.Errorf("PlaceholderSize(9000) = %d", got)
	}
}
