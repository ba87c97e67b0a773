package pkitest

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Responder answers OCSP, CRL and caIssuers requests on behalf of an
// authority.
type Responder struct {
	Authority *Authority

	// OCSPRequests and CRLRequests count served requests.
	OCSPRequests atomic.Int64
	CRLRequests  atomic.Int64

	mu      sync.Mutex
	revoked map[string]time.Time
	failing bool
}

// Responder returns a responder for a.
func (a *Authority) Responder() *Responder {
	return &Responder{Authority: a, revoked: make(map[string]time.Time)}
}

// Revoke marks cert as revoked from now on.
func (r *Responder) Revoke(cert *x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[cert.SerialNumber.String()] = time.Now().Add(-time.Minute)
}

// SetFailing makes every endpoint answer 503.
func (r *Responder) SetFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
}

func (r *Responder) isFailing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failing
}

// Handler serves /ocsp, /crl and /issuer. Paths are matched by prefix
// without cleaning, since OCSP GET requests carry base64 in the path.
func (r *Responder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch p := req.URL.Path; {
		case strings.HasPrefix(p, "/ocsp"):
			r.serveOCSP(w, req)
		case p == "/crl":
			r.serveCRL(w, req)
		case p == "/issuer":
			w.Header().Set("Content-Type", "application/pkix-cert")
			w.Write(r.Authority.Cert.Raw)
		default:
			http.NotFound(w, req)
		}
	})
}

func (r *Responder) serveOCSP(w http.ResponseWriter, req *http.Request) {
	if r.isFailing() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	r.OCSPRequests.Add(1)
	var raw []byte
	if req.Method == http.MethodPost {
		raw, _ = io.ReadAll(req.Body)
	} else {
		raw, _ = base64.StdEncoding.DecodeString(strings.TrimPrefix(req.URL.Path, "/ocsp/"))
	}
	ocspReq, err := ocsp.ParseRequest(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	tmpl := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	r.mu.Lock()
	if at, ok := r.revoked[ocspReq.SerialNumber.String()]; ok {
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = at
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	r.mu.Unlock()
	der, err := ocsp.CreateResponse(r.Authority.Cert, r.Authority.Cert, tmpl, r.Authority.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(der)
}

func (r *Responder) serveCRL(w http.ResponseWriter, req *http.Request) {
	if r.isFailing() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	r.CRLRequests.Add(1)
	now := time.Now()
	list := &x509.RevocationList{
		Number:     big.NewInt(now.Unix()),
		ThisUpdate: now.Add(-time.Minute),
		NextUpdate: now.Add(24 * time.Hour),
	}
	r.mu.Lock()
	for serial, at := range r.revoked {
		n, _ := new(big.Int).SetString(serial, 10)
		list.RevokedCertificateEntries = append(list.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: at,
		})
	}
	r.mu.Unlock()
	der, err := x509.CreateRevocationList(rand.Reader, list, r.Authority.Cert, r.Authority.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Write(der)
}
