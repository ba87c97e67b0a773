package dss

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/sign/dss/revocation"
)

const maxChainLength = 10

// Status tells whether collection found everything it needed.
type Status int

const (
	StatusComplete Status = iota
	StatusPartial
)

func (s Status) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "partial"
}

// Material is the validation data gathered for one signer.
type Material struct {
	// Certificates is the chain from the signer up to its root.
	Certificates []*x509.Certificate
	OCSPs        [][]byte
	CRLs         [][]byte
	// Gaps describes what could not be obtained.
	Gaps []string
}

// Err returns ErrPartialLTV with the gaps, or nil when nothing is missing.
func (m *Material) Err() error {
	if len(m.Gaps) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPartialLTV, strings.Join(m.Gaps, "; "))
}

func (m *Material) gap(format string, args ...any) {
	m.Gaps = append(m.Gaps, fmt.Sprintf(format, args...))
}

// Collector builds certificate chains and gathers revocation evidence.
type Collector struct {
	Roots   []*x509.Certificate
	Fetcher *revocation.Fetcher
	Clock   clockwork.Clock

	log *slog.Logger
}

// NewCollector creates a collector trusting roots. A nil fetcher limits
// collection to the certificates at hand.
func NewCollector(roots []*x509.Certificate, f *revocation.Fetcher) *Collector {
	return &Collector{Roots: roots, Fetcher: f, Clock: clockwork.NewRealClock(), log: logging.Discard()}
}

// WithClock sets the time used for chain verification.
func (c *Collector) WithClock(clock clockwork.Clock) *Collector {
	c.Clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Collector) WithLogger(l *slog.Logger) *Collector {
	c.log = logging.OrDiscard(l)
	return c
}

// Collect gathers the chain of signer, using pool as candidate issuers, and
// OCSP responses or CRLs for every certificate below the root. Missing
// pieces make the result partial; they are never fatal.
func (c *Collector) Collect(ctx context.Context, signer *x509.Certificate, pool []*x509.Certificate) (*Material, Status) {
	m := &Material{}
	m.Certificates = c.chain(ctx, m, signer, pool)

	for i, cert := range m.Certificates {
		if i == len(m.Certificates)-1 {
			if !isSelfSigned(cert) {
				m.gap("no issuer to check revocation of %q", cert.Subject.CommonName)
			}
			break
		}
		c.revocation(ctx, m, cert, m.Certificates[i+1])
	}

	if len(m.Gaps) > 0 {
		c.log.Warn("validation material incomplete", "signer", signer.Subject.CommonName, "gaps", m.Gaps)
		return m, StatusPartial
	}
	c.log.Debug("validation material collected", "signer", signer.Subject.CommonName,
		"certs", len(m.Certificates), "ocsps", len(m.OCSPs), "crls", len(m.CRLs))
	return m, StatusComplete
}

func (c *Collector) revocation(ctx context.Context, m *Material, cert, issuer *x509.Certificate) {
	name := cert.Subject.CommonName
	if c.Fetcher == nil {
		m.gap("no revocation source for %q", name)
		return
	}
	ocspRes, ocspErr := c.Fetcher.OCSP(ctx, cert, issuer)
	if ocspErr == nil {
		m.OCSPs = append(m.OCSPs, ocspRes.Raw)
		if ocspRes.Revoked() {
			m.gap("%q is revoked", name)
		}
		return
	}
	crlRes, crlErr := c.Fetcher.CRL(ctx, cert, issuer)
	if crlErr == nil {
		m.CRLs = append(m.CRLs, crlRes.Raw)
		if crlRes.Revokes(cert) {
			m.gap("%q is revoked", name)
		}
		return
	}
	c.log.Debug("revocation lookup failed", "subject", name, "ocsp", ocspErr, "crl", crlErr)
	m.gap("no revocation evidence for %q: %v", name, errors.Join(ocspErr, crlErr))
}

func (c *Collector) chain(ctx context.Context, m *Material, signer *x509.Certificate, pool []*x509.Certificate) []*x509.Certificate {
	if len(c.Roots) > 0 {
		roots := x509.NewCertPool()
		for _, r := range c.Roots {
			roots.AddCert(r)
		}
		inter := x509.NewCertPool()
		for _, p := range pool {
			inter.AddCert(p)
		}
		chains, err := signer.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: inter,
			CurrentTime:   c.Clock.Now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err == nil && len(chains) > 0 {
			return chains[0]
		}
		c.log.Debug("chain verification failed, walking issuers", "error", err)
	}

	candidates := append(append([]*x509.Certificate(nil), pool...), c.Roots...)
	chain := []*x509.Certificate{signer}
	cur := signer
	for len(chain) < maxChainLength {
		if c.trusted(cur) {
			return chain
		}
		if isSelfSigned(cur) {
			if len(c.Roots) > 0 {
				m.gap("chain ends at untrusted root %q", cur.Subject.CommonName)
			} else {
				m.gap("no trust anchors configured for root %q", cur.Subject.CommonName)
			}
			return chain
		}
		issuer := findIssuer(cur, candidates)
		if issuer == nil && c.Fetcher != nil {
			if fetched, err := c.Fetcher.Issuers(ctx, cur); err == nil {
				issuer = findIssuer(cur, fetched)
				candidates = append(candidates, fetched...)
			}
		}
		if issuer == nil {
			m.gap("issuer of %q not found", cur.Subject.CommonName)
			return chain
		}
		chain = append(chain, issuer)
		cur = issuer
	}
	m.gap("chain longer than %d certificates", maxChainLength)
	return chain
}

func (c *Collector) trusted(cert *x509.Certificate) bool {
	for _, r := range c.Roots {
		if r.Equal(cert) {
			return true
		}
	}
	return false
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil
}

func findIssuer(cert *x509.Certificate, candidates []*x509.Certificate) *x509.Certificate {
	for _, cand := range candidates {
		if bytes.Equal(cand.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(cand) == nil {
			return cand
		}
	}
	return nil
}
