// Package engine runs the signing pipeline behind one request contract:
// token selection and login, chain admission, certification planning,
// signature, timestamp and long-term validation material, then an atomic
// write of the output.
package engine

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/georgepadayatti/gopades/config"
	"github.com/georgepadayatti/gopades/keys"
	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
	"github.com/georgepadayatti/gopades/sign/chain"
	"github.com/georgepadayatti/gopades/sign/dss"
	"github.com/georgepadayatti/gopades/sign/dss/revocation"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/signers"
	"github.com/georgepadayatti/gopades/sign/timestamps"
	"github.com/georgepadayatti/gopades/sign/token"
)

// Operation names used in errors and logs.
const (
	OpValidate  = "validate"
	OpDiscover  = "discover"
	OpLogin     = "login"
	OpRead      = "read"
	OpAdmit     = "admit"
	OpSign      = "sign"
	OpLTV       = "ltv"
	OpWrite     = "write"
	OpCertCheck = "certificate-check"
)

// Engine signs documents with the defaults it was built with.
type Engine struct {
	defaults config.Defaults

	clock      clockwork.Clock
	log        *slog.Logger
	metrics    *metrics.Metrics
	loader     token.Loader
	manager    *token.Manager
	controller *mdp.Controller
	httpClient *http.Client
	limiter    *rate.Limiter

	ltvRoots []*x509.Certificate
	tsaRoots *x509.CertPool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for signing times and validity checks.
func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = logging.OrDiscard(l) } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLoader replaces the PKCS#11 library loader.
func WithLoader(l token.Loader) Option { return func(e *Engine) { e.loader = l } }

// WithManager shares a session manager between engines. Without it each
// engine gets its own, and token exclusivity only holds within that engine.
func WithManager(m *token.Manager) Option { return func(e *Engine) { e.manager = m } }

// WithHTTPClient sets the client used for TSA and revocation requests.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.httpClient = c } }

// WithTrustRoots sets the anchors for LTV chains, overriding the file in
// the defaults.
func WithTrustRoots(roots []*x509.Certificate) Option {
	return func(e *Engine) { e.ltvRoots = roots }
}

// WithTimestampRoots sets the anchors TSA certificates must chain to.
func WithTimestampRoots(pool *x509.CertPool) Option {
	return func(e *Engine) { e.tsaRoots = pool }
}

// New validates d and builds an engine.
func New(d config.Defaults, opts ...Option) (*Engine, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		defaults:   d,
		clock:      clockwork.NewRealClock(),
		log:        logging.Discard(),
		controller: mdp.NewController(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.manager == nil {
		e.manager = token.NewManager()
	}
	e.manager.WithLogger(e.log).WithMetrics(e.metrics).WithRawMechanism(d.PKCS11.RawMechanism)
	e.controller.WithLogger(e.log)
	if d.Timestamp.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(d.Timestamp.RequestsPerSecond), 1)
	}

	if e.ltvRoots == nil && d.LTV.TrustRootsFile != "" {
		roots, err := config.TrustRoots(d.LTV.TrustRootsFile)
		if err != nil {
			return nil, err
		}
		e.ltvRoots = roots
	}
	if e.tsaRoots == nil && d.Timestamp.TrustRootsFile != "" {
		pool, _, err := keys.Pool(d.Timestamp.TrustRootsFile)
		if err != nil {
			return nil, &config.ConfigError{Field: "timestamp.trust-roots-file", Message: err.Error(), Err: err}
		}
		e.tsaRoots = pool
	}
	return e, nil
}

// Defaults returns the settings the engine was built with.
func (e *Engine) Defaults() config.Defaults { return e.defaults }

// Clock returns the engine clock.
func (e *Engine) Clock() clockwork.Clock { return e.clock }

// Manager returns the session manager.
func (e *Engine) Manager() *token.Manager { return e.manager }

// NewRequest returns a request for input and output prefilled from the
// defaults.
func (e *Engine) NewRequest(input, output string) (SignatureRequest, error) {
	desc, err := e.defaults.Appearance.Descriptor()
	if err != nil {
		return SignatureRequest{}, err
	}
	s := e.defaults.Signature
	req := SignatureRequest{
		InputPath:      input,
		OutputPath:     output,
		Appearance:     desc,
		Reason:         s.Reason,
		Location:       s.Location,
		ContactInfo:    s.ContactInfo,
		MultiSignature: s.MultiSignature,
		TSAURL:         e.defaults.Timestamp.URL,
		LTV:            e.defaults.LTV.Enabled,
		Policy:         s.Policy,
	}
	return req, nil
}

// Open discovers the configured token and logs in. The PIN is destroyed on
// every path. The caller closes the returned session.
func (e *Engine) Open(ctx context.Context, creds Credentials) (*token.Session, *token.Certificate, error) {
	defer creds.PIN.Destroy()

	discovery := e.defaults.PKCS11.Discovery(e.loader, e.log)
	modules, derr := discovery.ListModules(ctx)
	if derr != nil {
		if len(modules) == 0 {
			return nil, nil, newError(OpDiscover, "", derr)
		}
		e.log.Warn("token discovery incomplete", "error", derr)
	}

	var tokens []*token.Token
	for _, m := range modules {
		ts, err := m.Tokens()
		if err != nil {
			e.log.Warn("module slots unreadable", "module", m.Path, "error", err)
			continue
		}
		tokens = append(tokens, ts...)
	}
	tok, err := e.defaults.PKCS11.SelectToken(tokens)
	if err != nil {
		e.releaseModules(modules, nil)
		return nil, nil, newError(OpDiscover, "", err)
	}
	e.releaseModules(modules, tok.Slot.Module)

	sess, err := e.manager.Open(ctx, tok, creds.PIN)
	if err != nil {
		_ = e.manager.Release(tok.Slot.Module)
		return nil, nil, newError(OpLogin, "", err)
	}
	cert, err := e.defaults.PKCS11.SelectCertificate(sess)
	if err != nil {
		e.Close(sess)
		return nil, nil, newError(OpLogin, "", err)
	}
	return sess, cert, nil
}

// Close ends a session returned by Open and releases its module.
func (e *Engine) Close(sess *token.Session) {
	_ = sess.Close()
	_ = e.manager.Release(sess.Token().Slot.Module)
}

func (e *Engine) releaseModules(modules []*token.Module, keep *token.Module) {
	for _, m := range modules {
		if m != keep {
			_ = e.manager.Release(m)
		}
	}
}

// Sign logs in with creds, signs req and closes the session.
func (e *Engine) Sign(ctx context.Context, req SignatureRequest, creds Credentials) (*SignatureResult, error) {
	if err := req.Validate(); err != nil {
		creds.PIN.Destroy()
		return nil, newError(OpValidate, req.InputPath, err)
	}
	sess, cert, err := e.Open(ctx, creds)
	if err != nil {
		e.metrics.RecordSignature(metrics.StatusError, 0)
		return nil, err
	}
	defer e.Close(sess)
	return e.SignWithSession(ctx, sess, cert, req)
}

// SignWithSession signs req with an already authenticated session.
func (e *Engine) SignWithSession(ctx context.Context, sess *token.Session, cert *token.Certificate, req SignatureRequest) (*SignatureResult, error) {
	signer, err := signers.NewPKCS11Signer(sess, cert)
	if err != nil {
		return nil, newError(OpSign, req.InputPath, err)
	}
	return e.SignWith(ctx, signer, req)
}

// SignWith runs the pipeline with any signer.
func (e *Engine) SignWith(ctx context.Context, signer signers.Signer, req SignatureRequest) (*SignatureResult, error) {
	start := e.clock.Now()
	res, err := e.run(ctx, signer, req)
	d := e.clock.Since(start)
	if err != nil {
		e.metrics.RecordSignature(metrics.StatusError, d)
		e.log.Error("signing failed", "input", req.InputPath, "kind", KindOf(err).String(), "error", err)
		return nil, err
	}
	res.Duration = d
	e.metrics.RecordSignature(metrics.StatusSuccess, d)
	e.log.Info("document signed", "output", res.OutputPath, "field", res.FieldName,
		"index", res.SignatureIndex, "timestamp", res.TimestampStatus.String(), "ltv", res.LTVStatus.String())
	return res, nil
}

func (e *Engine) run(ctx context.Context, signer signers.Signer, req SignatureRequest) (*SignatureResult, error) {
	if err := req.Validate(); err != nil {
		return nil, newError(OpValidate, req.InputPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(OpValidate, req.InputPath, err)
	}
	now := e.clock.Now()
	cert := signer.Certificate()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, newError(OpCertCheck, "", fmt.Errorf("%w: valid %s to %s",
			ErrCertificateExpired, cert.NotBefore.UTC().Format("2006-01-02"), cert.NotAfter.UTC().Format("2006-01-02")))
	}

	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, newError(OpRead, req.InputPath, err, KindIOFailure)
	}
	r, err := reader.NewPdfFileReaderFromBytes(input)
	if err != nil {
		return nil, newError(OpRead, req.InputPath, err, KindIOFailure)
	}
	state, err := chain.Inspect(r)
	if err != nil {
		return nil, newError(OpRead, req.InputPath, err, KindIOFailure)
	}
	if err := chain.Admit(state, req.MultiSignature); err != nil {
		return nil, newError(OpAdmit, req.InputPath, err)
	}
	decision, err := e.controller.Plan(state.Certification, req.Policy, state.Count())
	if err != nil {
		return nil, newError(OpAdmit, req.InputPath, err)
	}

	opts := signers.Options{
		Metadata: signers.SignatureMetadata{
			FieldName:   req.FieldName,
			Reason:      req.Reason,
			Location:    req.Location,
			ContactInfo: req.ContactInfo,
			Name:        cert.Subject.CommonName,
			SubFilter:   e.defaults.Signature.SubFilter,
		},
		Appearance:      req.Appearance,
		PlaceholderSize: e.defaults.Signature.PlaceholderSize,
	}
	if decision.Certify {
		opts.Certify = decision.Policy
	}
	if req.TSAURL != "" {
		opts.Timestamper = e.timestampClient(req.TSAURL)
	}
	signed, err := signers.NewPdfSigner(signer).WithClock(e.clock).WithLogger(e.log).Sign(ctx, input, opts)
	if err != nil {
		return nil, newError(OpSign, req.InputPath, err, KindSigningFailed)
	}

	res := &SignatureResult{
		OutputPath:     req.OutputPath,
		FieldName:      signed.FieldName,
		SignatureIndex: state.Next(),
		AppliedPolicy:  opts.Certify,
		SigningTime:    signed.SigningTime,
		Warnings:       decision.Warnings,
		SignerSerial:   fmt.Sprintf("%X", cert.SerialNumber),
		SignerSubject:  cert.Subject.String(),
	}
	if signed.Timestamp != nil {
		res.TimestampStatus = TimestampApplied
		res.TimestampTime = signed.Timestamp.Time
	}

	output := signed.Data
	if req.LTV {
		output, err = e.embedLTV(ctx, signer, signed, res)
		if err != nil {
			return nil, newError(OpLTV, req.InputPath, err)
		}
	}

	if err := chain.VerifyPreserved(input, output, state); err != nil {
		return nil, newError(OpWrite, req.OutputPath, err)
	}
	if err := writer.WriteFileAtomic(req.OutputPath, output, 0o644); err != nil {
		return nil, newError(OpWrite, req.OutputPath, err, KindIOFailure)
	}
	res.Size = int64(len(output))
	return res, nil
}

func (e *Engine) timestampClient(url string) *timestamps.Client {
	c := timestamps.NewClient(url).
		WithTimeout(e.defaults.Timestamp.Timeout).
		WithRoots(e.tsaRoots).
		WithLogger(e.log).
		WithMetrics(e.metrics)
	if e.defaults.Timestamp.Username != "" {
		c.WithCredentials(e.defaults.Timestamp.Username, e.defaults.Timestamp.Password())
	}
	if e.httpClient != nil {
		c.HTTPClient = e.httpClient
	}
	c.Limiter = e.limiter
	return c
}

func (e *Engine) embedLTV(ctx context.Context, signer signers.Signer, signed *signers.Result, res *SignatureResult) ([]byte, error) {
	cfg := revocation.DefaultConfig()
	cfg.Timeout = e.defaults.LTV.Timeout
	cfg.MaxResponseSize = e.defaults.LTV.MaxResponseSize
	cfg.HTTPClient = e.httpClient
	fetcher := revocation.NewFetcher(cfg).WithLogger(e.log)

	collector := dss.NewCollector(e.ltvRoots, fetcher).WithClock(e.clock).WithLogger(e.log)
	material, status := collector.Collect(ctx, signer.Certificate(), signer.Chain())
	res.LTVStatus = ltvStatus(status)
	if err := material.Err(); err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		e.log.Warn("long-term validation material incomplete", "gaps", len(material.Gaps))
	}

	// The VRI key covers the /Contents value as stored, padding included.
	contents := make([]byte, signed.Layout.Capacity())
	copy(contents, signed.Contents)
	out, err := dss.Embed(signed.Data, material, contents, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("embed DSS: %w", err)
	}
	return out, nil
}
