package dss

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/georgepadayatti/gopades/pdf/pdftest"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/sign/dss/revocation"
	"github.com/georgepadayatti/gopades/sign/pkitest"
)

type hierarchy struct {
	root      *pkitest.Authority
	inter     *pkitest.Authority
	rootResp  *pkitest.Responder
	interResp *pkitest.Responder
	interURL  string
}

func newHierarchy(t *testing.T) *hierarchy {
	t.Helper()
	h := &hierarchy{root: pkitest.NewRoot(t, "DSS Root")}
	h.rootResp = h.root.Responder()
	rootSrv := httptest.NewServer(h.rootResp.Handler())
	t.Cleanup(rootSrv.Close)

	cert, key := h.root.Issue(t, pkitest.Options{
		CommonName: "DSS Intermediate",
		IsCA:       true,
		OCSPServer: []string{rootSrv.URL + "/ocsp"},
		CRLURLs:    []string{rootSrv.URL + "/crl"},
		IssuerURLs: []string{rootSrv.URL + "/issuer"},
	})
	h.inter = &pkitest.Authority{Cert: cert, Key: key}
	h.interResp = h.inter.Responder()
	interSrv := httptest.NewServer(h.interResp.Handler())
	t.Cleanup(interSrv.Close)
	h.interURL = interSrv.URL
	return h
}

func (h *hierarchy) roots() []*x509.Certificate { return []*x509.Certificate{h.root.Cert} }

func fetcher() *revocation.Fetcher {
	cfg := revocation.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.Retry = &revocation.RetryConfig{MaxAttempts: 1}
	return revocation.NewFetcher(cfg)
}

func TestCollectComplete(t *testing.T) {
	h := newHierarchy(t)
	leaf, _ := h.inter.Issue(t, pkitest.Options{
		CommonName: "Signer",
		OCSPServer: []string{h.interURL + "/ocsp"},
	})

	m, status := NewCollector(h.roots(), fetcher()).
		Collect(context.Background(), leaf, []*x509.Certificate{h.inter.Cert})
	if status != StatusComplete {
		t.Fatalf("status = %v, gaps %v", status, m.Gaps)
	}
	if err := m.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	if len(m.Certificates) != 3 {
		t.Fatalf("chain length = %d, want 3", len(m.Certificates))
	}
	if !m.Certificates[2].Equal(h.root.Cert) {
		t.Error("chain does not end at the root")
	}
	if len(m.OCSPs) != 2 || len(m.CRLs) != 0 {
		t.Errorf("got %d OCSPs and %d CRLs, want 2 and 0", len(m.OCSPs), len(m.CRLs))
	}
}

func TestCollectFetchesMissingIssuer(t *testing.T) {
	h := newHierarchy(t)
	leaf, _ := h.inter.Issue(t, pkitest.Options{
		CommonName: "Signer",
		OCSPServer: []string{h.interURL + "/ocsp"},
		IssuerURLs: []string{h.interURL + "/issuer"},
	})

	m, status := NewCollector(h.roots(), fetcher()).Collect(context.Background(), leaf, nil)
	if status != StatusComplete {
		t.Fatalf("status = %v, gaps %v", status, m.Gaps)
	}
	if len(m.Certificates) != 3 || !m.Certificates[1].Equal(h.inter.Cert) {
		t.Fatalf("intermediate not fetched: chain of %d", len(m.Certificates))
	}
}

func TestCollectFallsBackToCRL(t *testing.T) {
	h := newHierarchy(t)
	leaf, _ := h.inter.Issue(t, pkitest.Options{
		CommonName: "Signer",
		CRLURLs:    []string{h.interURL + "/crl"},
	})

	m, status := NewCollector(h.roots(), fetcher()).
		Collect(context.Background(), leaf, []*x509.Certificate{h.inter.Cert})
	if status != StatusComplete {
		t.Fatalf("status = %v, gaps %v", status, m.Gaps)
	}
	if len(m.CRLs) != 1 || len(m.OCSPs) != 1 {
		t.Errorf("got %d OCSPs and %d CRLs, want 1 and 1", len(m.OCSPs), len(m.CRLs))
	}
	if h.interResp.CRLRequests.Load() != 1 {
		t.Errorf("CRL requests = %d", h.interResp.CRLRequests.Load())
	}
}

func TestCollectPartial(t *testing.T) {
	h := newHierarchy(t)
	noURLs, _ := h.inter.Issue(t, pkitest.Options{CommonName: "No URLs"})
	revoked, _ := h.inter.Issue(t, pkitest.Options{
		CommonName: "Revoked",
		OCSPServer: []string{h.interURL + "/ocsp"},
	})
	h.interResp.Revoke(revoked)
	stranger := pkitest.NewRoot(t, "Stranger")
	orphan, _ := stranger.Issue(t, pkitest.Options{CommonName: "Orphan"})

	tests := []struct {
		name     string
		cert     *x509.Certificate
		fetcher  *revocation.Fetcher
		wantOCSP int
	}{
		{"no revocation endpoints", noURLs, fetcher(), 1},
		{"revoked", revoked, fetcher(), 2},
		{"unknown issuer", orphan, fetcher(), 0},
		{"no fetcher", revoked, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, status := NewCollector(h.roots(), tt.fetcher).
				Collect(context.Background(), tt.cert, []*x509.Certificate{h.inter.Cert})
			if status != StatusPartial {
				t.Fatalf("status = %v, want partial", status)
			}
			if len(m.Gaps) == 0 {
				t.Error("no gaps recorded")
			}
			if !errors.Is(m.Err(), ErrPartialLTV) {
				t.Errorf("Err() = %v, want ErrPartialLTV", m.Err())
			}
			if len(m.OCSPs) != tt.wantOCSP {
				t.Errorf("OCSPs = %d, want %d", len(m.OCSPs), tt.wantOCSP)
			}
		})
	}
}

func TestCollectWithoutTrustAnchors(t *testing.T) {
	h := newHierarchy(t)
	leaf, _ := h.inter.Issue(t, pkitest.Options{
		CommonName: "Signer",
		OCSPServer: []string{h.interURL + "/ocsp"},
	})

	m, status := NewCollector(nil, fetcher()).
		Collect(context.Background(), leaf, []*x509.Certificate{h.inter.Cert, h.root.Cert})
	if status != StatusPartial {
		t.Fatalf("status = %v, want partial", status)
	}
	if len(m.Certificates) != 3 {
		t.Errorf("chain length = %d, want 3", len(m.Certificates))
	}
	if len(m.Gaps) != 1 || !regexp.MustCompile(`no trust anchors`).MatchString(m.Gaps[0]) {
		t.Errorf("gaps = %v", m.Gaps)
	}
}

func TestVRIKey(t *testing.T) {
	key := VRIKey([]byte("signature contents"))
	if !regexp.MustCompile(`^[0-9A-F]{40}$`).MatchString(key) {
		t.Errorf("VRIKey = %q", key)
	}
	if key == VRIKey([]byte("other contents")) {
		t.Error("distinct contents share a key")
	}
}

func TestReadWithoutDSS(t *testing.T) {
	r, err := reader.NewPdfFileReaderFromBytes(pdftest.Minimal())
	if err != nil {
		t.Fatal(err)
	}
	d, err := Read(r)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !d.IsEmpty() {
		t.Errorf("expected empty DSS, got %s", d.Summary())
	}
}

func TestEmbed(t *testing.T) {
	h := newHierarchy(t)
	leaf, _ := h.inter.Issue(t, pkitest.Options{CommonName: "Signer"})
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	m := &Material{
		Certificates: []*x509.Certificate{leaf, h.inter.Cert, h.root.Cert},
		OCSPs:        [][]byte{[]byte("ocsp-1")},
		CRLs:         [][]byte{[]byte("crl-1")},
	}

	for _, opts := range []pdftest.Options{{Pages: 1}, {Pages: 2, XRefStream: true}} {
		doc := pdftest.Build(opts)
		first, err := Embed(doc, m, []byte("sig-one"), at)
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if !bytes.HasPrefix(first, doc) {
			t.Fatal("original revision modified")
		}

		d := readDSS(t, first)
		if len(d.Certs) != 3 || len(d.OCSPs) != 1 || len(d.CRLs) != 1 {
			t.Fatalf("after first embed: %s", d.Summary())
		}
		entry := d.VRI[VRIKey([]byte("sig-one"))]
		if entry == nil {
			t.Fatal("VRI entry missing")
		}
		if len(entry.Certs) != 3 || len(entry.OCSPs) != 1 || len(entry.CRLs) != 1 {
			t.Errorf("VRI entry has %d certs, %d OCSPs, %d CRLs", len(entry.Certs), len(entry.OCSPs), len(entry.CRLs))
		}
		if !entry.Updated.Equal(at) {
			t.Errorf("TU = %v, want %v", entry.Updated, at)
		}
		if got := d.Certificates(); len(got) != 3 || !got[0].Equal(leaf) {
			t.Error("stored certificates do not round trip")
		}

		// A second signature sharing the chain adds only its own evidence.
		m2 := &Material{
			Certificates: []*x509.Certificate{leaf, h.inter.Cert},
			OCSPs:        [][]byte{[]byte("ocsp-2")},
		}
		second, err := Embed(first, m2, []byte("sig-two"), at.Add(time.Hour))
		if err != nil {
			t.Fatalf("second Embed: %v", err)
		}
		if !bytes.HasPrefix(second, first) {
			t.Fatal("first DSS revision modified")
		}
		d2 := readDSS(t, second)
		if len(d2.Certs) != 3 || len(d2.OCSPs) != 2 || len(d2.CRLs) != 1 {
			t.Fatalf("after second embed: %s", d2.Summary())
		}
		if len(d2.VRI) != 2 {
			t.Fatalf("VRI entries = %d, want 2", len(d2.VRI))
		}
		if old := d2.VRI[VRIKey([]byte("sig-one"))]; old == nil || len(old.Certs) != 3 {
			t.Error("first VRI entry lost")
		}
		for i := range d.Certs {
			if d2.Certs[i].Ref != d.Certs[i].Ref {
				t.Errorf("cert %d moved from %v to %v", i, d.Certs[i].Ref, d2.Certs[i].Ref)
			}
		}
	}
}

func readDSS(t *testing.T, data []byte) *DSS {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, err := Read(r)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return d
}
