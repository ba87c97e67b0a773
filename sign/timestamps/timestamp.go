// Package timestamps obtains RFC 3161 timestamp tokens over HTTP and serves
// them from an in-process authority.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/time/rate"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/metrics"
)

// Errors
var (
	ErrTimestampUnavailable = errors.New("timestamp unavailable")
	ErrTimestampTimeout     = fmt.Errorf("%w: timed out", ErrTimestampUnavailable)
)

const (
	// DefaultTimeout bounds one request when no timeout is configured.
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 1 << 20

	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"
)

// Token is a verified timestamp token.
type Token struct {
	// Raw is the DER ContentInfo, ready to be embedded as an unsigned attribute.
	Raw          []byte
	Time         time.Time
	SerialNumber *big.Int
	Certificates []*x509.Certificate
}

// Client requests timestamps from one TSA URL.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Username   string
	Password   string
	// Roots the TSA certificate must chain to. When nil the system pool is
	// used.
	Roots   *x509.CertPool
	Limiter *rate.Limiter

	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client for url.
func NewClient(url string) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{},
		Timeout:    DefaultTimeout,
		log:        logging.Discard(),
	}
}

// WithTimeout bounds each request.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.Timeout = d
	return c
}

// WithCredentials sets HTTP basic authentication.
func (c *Client) WithCredentials(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithRoots sets the trust anchors for the TSA certificate.
func (c *Client) WithRoots(roots *x509.CertPool) *Client {
	c.Roots = roots
	return c
}

// WithRateLimit spaces requests to at most rps per second. Zero disables it.
func (c *Client) WithRateLimit(rps float64) *Client {
	if rps <= 0 {
		c.Limiter = nil
		return c
	}
	c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.log = logging.OrDiscard(l)
	return c
}

// WithMetrics sets the metrics sink.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// Fetch obtains a token whose message imprint is digest.
func (c *Client) Fetch(ctx context.Context, digest []byte, h crypto.Hash) (*Token, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	tok, err := c.fetch(ctx, digest, h)
	switch {
	case err == nil:
		c.metrics.RecordTimestamp(metrics.StatusSuccess)
		c.log.Debug("timestamp obtained", "url", c.URL, "time", tok.Time)
		return tok, nil
	case isTimeout(ctx, err):
		c.metrics.RecordTimestamp(metrics.StatusTimeout)
		c.log.Warn("timestamp request timed out", "url", c.URL, "timeout", c.Timeout)
		return nil, fmt.Errorf("%w: %s: %v", ErrTimestampTimeout, c.URL, err)
	default:
		c.metrics.RecordTimestamp(metrics.StatusError)
		c.log.Warn("timestamp request failed", "url", c.URL, "error", err)
		if errors.Is(err, ErrTimestampUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTimestampUnavailable, c.URL, err)
	}
}

func (c *Client) fetch(ctx context.Context, digest []byte, h crypto.Hash) (*Token, error) {
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v", len(digest), h)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	req := timestamp.Request{
		HashAlgorithm: h,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ContentTypeQuery)
	httpReq.Header.Set("Accept", ContentTypeReply)
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.ParseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	if err := c.check(ts, &req); err != nil {
		return nil, err
	}
	return &Token{Raw: ts.RawToken, Time: ts.Time, SerialNumber: ts.SerialNumber, Certificates: ts.Certificates}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// check compares the token with the request and verifies the TSA chain.
// The CMS signature itself was verified by ParseResponse, which it only
// does when certificates are present.
func (c *Client) check(ts *timestamp.Timestamp, req *timestamp.Request) error {
	if ts.HashAlgorithm != req.HashAlgorithm || !bytes.Equal(ts.HashedMessage, req.HashedMessage) {
		return errors.New("message imprint mismatch")
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(req.Nonce) != 0 {
		return errors.New("nonce mismatch")
	}
	if len(ts.Certificates) == 0 {
		return errors.New("response carries no TSA certificate")
	}
	roots, err := c.roots()
	if err != nil {
		return err
	}
	return VerifyChain(ts.Certificates, roots, ts.Time)
}

var systemRoots = x509.SystemCertPool

func (c *Client) roots() (*x509.CertPool, error) {
	if c.Roots != nil {
		return c.Roots, nil
	}
	pool, err := systemRoots()
	if err != nil {
		return nil, fmt.Errorf("%w: no TSA trust anchors: %v", ErrTimestampUnavailable, err)
	}
	return pool, nil
}

// VerifyChain checks that the timeStamping certificate among certs chains
// to roots at time at.
func VerifyChain(certs []*x509.Certificate, roots *x509.CertPool, at time.Time) error {
	var leaf *x509.Certificate
	intermediates := x509.NewCertPool()
	for _, cert := range certs {
		if leaf == nil && hasTimeStampingEKU(cert) {
			leaf = cert
			continue
		}
		intermediates.AddCert(cert)
	}
	if leaf == nil {
		return errors.New("no certificate with the timeStamping key usage")
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	if err != nil {
		return fmt.Errorf("TSA certificate %q: %w", leaf.Subject.CommonName, err)
	}
	return nil
}

func hasTimeStampingEKU(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
