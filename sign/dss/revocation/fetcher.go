// Package revocation fetches OCSP responses, CRLs and issuer certificates
// for certificates being embedded as long-term validation material.
package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopades/logging"
)

// Errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoIssuerURLs         = errors.New("no issuer certificate URLs")
	ErrInvalidResponse      = errors.New("invalid response")
)

// Config configures a Fetcher.
type Config struct {
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxResponseSize limits response bodies.
	MaxResponseSize int64
	UserAgent       string
	Retry           *RetryConfig
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         15 * time.Second,
		MaxResponseSize: 10 << 20,
		UserAgent:       "gopades/1.0",
		Retry:           DefaultRetryConfig(),
	}
}

// Fetcher retrieves revocation evidence over HTTP.
type Fetcher struct {
	cfg    *Config
	client *http.Client
	log    *slog.Logger
}

// NewFetcher creates a fetcher. A nil config uses DefaultConfig.
func NewFetcher(cfg *Config) *Fetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 10 << 20
	}
	return &Fetcher{cfg: cfg, client: client, log: logging.Discard()}
}

// WithLogger sets the logger.
func (f *Fetcher) WithLogger(l *slog.Logger) *Fetcher {
	f.log = logging.OrDiscard(l)
	return f
}

// OCSPResult is a verified OCSP response.
type OCSPResult struct {
	Raw      []byte
	Response *ocsp.Response
}

// Revoked reports whether the responder declared the certificate revoked.
func (r *OCSPResult) Revoked() bool { return r.Response.Status == ocsp.Revoked }

// OCSP asks the certificate's responders, in order, about cert.
func (f *Fetcher) OCSP(ctx context.Context, cert, issuer *x509.Certificate) (*OCSPResult, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServers
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("create OCSP request: %w", err)
	}
	return FirstOf(ctx, f.cfg.Retry, cert.OCSPServer, func(ctx context.Context, server string) (*OCSPResult, error) {
		body, err := f.post(ctx, server, "application/ocsp-request", req)
		if err != nil {
			// Some responders only serve GET.
			var gerr error
			body, gerr = f.get(ctx, strings.TrimSuffix(server, "/")+"/"+url.PathEscape(base64.StdEncoding.EncodeToString(req)))
			if gerr != nil {
				return nil, errors.Join(err, gerr)
			}
		}
		resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			return nil, Permanent(fmt.Errorf("%w: OCSP: %v", ErrInvalidResponse, err))
		}
		f.log.Debug("OCSP response", "subject", cert.Subject.CommonName, "server", server, "status", resp.Status)
		return &OCSPResult{Raw: body, Response: resp}, nil
	})
}

// CRLResult is a CRL whose signature has been checked against the issuer.
type CRLResult struct {
	Raw  []byte
	List *x509.RevocationList
}

// Revokes reports whether the list revokes cert.
func (r *CRLResult) Revokes(cert *x509.Certificate) bool {
	for _, e := range r.List.RevokedCertificateEntries {
		if e.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// CRL downloads the first CRL reachable from the certificate's
// distribution points.
func (f *Fetcher) CRL(ctx context.Context, cert, issuer *x509.Certificate) (*CRLResult, error) {
	var urls []string
	for _, u := range cert.CRLDistributionPoints {
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoDistributionPoints
	}
	return FirstOf(ctx, f.cfg.Retry, urls, func(ctx context.Context, u string) (*CRLResult, error) {
		body, err := f.get(ctx, u)
		if err != nil {
			return nil, err
		}
		der := body
		if block, _ := pem.Decode(body); block != nil {
			der = block.Bytes
		}
		list, err := x509.ParseRevocationList(der)
		if err != nil {
			return nil, Permanent(fmt.Errorf("%w: CRL: %v", ErrInvalidResponse, err))
		}
		if err := list.CheckSignatureFrom(issuer); err != nil {
			return nil, Permanent(fmt.Errorf("%w: CRL signature: %v", ErrInvalidResponse, err))
		}
		f.log.Debug("CRL fetched", "url", u, "entries", len(list.RevokedCertificateEntries))
		return &CRLResult{Raw: der, List: list}, nil
	})
}

// Issuers downloads the certificates named by the AIA caIssuers URLs.
// DER, PEM and certs-only PKCS#7 bundles are accepted.
func (f *Fetcher) Issuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURLs
	}
	return FirstOf(ctx, f.cfg.Retry, cert.IssuingCertificateURL, func(ctx context.Context, u string) ([]*x509.Certificate, error) {
		body, err := f.get(ctx, u)
		if err != nil {
			return nil, err
		}
		certs, err := ParseCertificates(body)
		if err != nil {
			return nil, Permanent(err)
		}
		return certs, nil
	})
}

// ParseCertificates decodes DER, PEM or PKCS#7 certificate data.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}
	if p7, err := pkcs7.Parse(data); err == nil && len(p7.Certificates) > 0 {
		return p7.Certificates, nil
	}
	var certs []*x509.Certificate
	rest := data
	for {
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
			return nil, fmt.Errorf("%w: certificate: %v", ErrInvalidResponse, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates", ErrInvalidResponse)
	}
	return certs, nil
}

func (f *Fetcher) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}
	return f.do(req)
}

func (f *Fetcher) post(ctx context.Context, u, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}
	req.Header.Set("Content-Type", contentType)
	return f.do(req)
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, Permanent(fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, req.URL.Scheme))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}
