package engine_test

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopades/config"
	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/pdf/pdftest"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
	"github.com/georgepadayatti/gopades/sign/chain"
	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/dss"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/pkitest"
	"github.com/georgepadayatti/gopades/sign/timestamps"
	"github.com/georgepadayatti/gopades/sign/token"
	"github.com/georgepadayatti/gopades/sign/token/tokentest"
)

type fixture struct {
	dir      string
	root     *pkitest.Authority
	fake     *tokentest.Ctx
	cert     *x509.Certificate
	defaults config.Defaults
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	clock    *clockwork.FakeClock
	loader   token.Loader
}

type certOptions struct {
	notBefore, notAfter time.Time
	ocsp                []string
}

func newFixture(t *testing.T, co certOptions) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := pkitest.NewRoot(t, "Engine Root")
	cert, key := root.Issue(t, pkitest.Options{
		CommonName: "Signer",
		Serial:     big.NewInt(0x01AB),
		NotBefore:  co.notBefore,
		NotAfter:   co.notAfter,
		OCSPServer: co.ocsp,
	})
	dev := &tokentest.Token{
		Label:       "AKIS",
		Serial:      "1234567890",
		PIN:         "1234",
		MaxAttempts: 3,
		Identities: []tokentest.Identity{
			{ID: []byte{0x01}, Label: "signing", Cert: cert, Key: key},
			{ID: []byte{0x09}, Label: "root", Cert: root.Cert},
		},
	}
	fake := tokentest.New(&tokentest.Slot{ID: 2, Description: "ACS CCID", Token: dev})

	modulePath := filepath.Join(dir, "libtest-pkcs11.so")
	require.NoError(t, os.WriteFile(modulePath, []byte("stub"), 0o600))
	loader := func(path string) (token.Ctx, error) {
		if path == modulePath {
			return fake, nil
		}
		return nil, token.ErrModuleLoad
	}

	d := config.Default()
	d.PKCS11.ModulePath = modulePath
	reg := prometheus.NewRegistry()
	return &fixture{
		dir:      dir,
		root:     root,
		fake:     fake,
		cert:     cert,
		defaults: d,
		registry: reg,
		metrics:  metrics.New(reg),
		clock:    clockwork.NewFakeClockAt(time.Now().Truncate(time.Second)),
		loader:   loader,
	}
}

func (f *fixture) engine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithLoader(f.loader),
		engine.WithClock(f.clock),
		engine.WithMetrics(f.metrics),
	}, opts...)
	e, err := engine.New(f.defaults, opts...)
	require.NoError(t, err)
	return e
}

func (f *fixture) input(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func (f *fixture) request(t *testing.T, e *engine.Engine, in, out string) engine.SignatureRequest {
	t.Helper()
	req, err := e.NewRequest(in, filepath.Join(f.dir, out))
	require.NoError(t, err)
	return req
}

func creds(pin string) engine.Credentials {
	return engine.Credentials{PIN: token.NewPIN([]byte(pin))}
}

func signatures(t *testing.T, path string) ([]byte, []*reader.EmbeddedSignature, *reader.PdfFileReader) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := reader.NewPdfFileReaderFromBytes(data)
	require.NoError(t, err)
	sigs, err := r.EmbeddedSignatures()
	require.NoError(t, err)
	return data, sigs, r
}

// A fresh document signed through the token carries the token certificate
// as SignerInfo sid.
func TestSignReferencesTokenCertificate(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "contract-signed.pdf")
	req.Reason = "Approved"

	res, err := e.Sign(context.Background(), req, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.SignatureIndex)
	assert.Equal(t, "1AB", res.SignerSerial)
	assert.Equal(t, engine.TimestampNotRequested, res.TimestampStatus)
	assert.Equal(t, engine.LTVNotRequested, res.LTVStatus)
	assert.Equal(t, mdp.PolicyNone, res.AppliedPolicy)
	assert.Equal(t, 0, f.fake.OpenSessions(), "session left open")

	data, sigs, _ := signatures(t, req.OutputPath)
	require.Len(t, sigs, 1)
	assert.Equal(t, int64(len(data)), res.Size)
	parsed, err := cms.Parse(sigs[0].Contents)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Signer.SerialNumber.Cmp(big.NewInt(0x01AB)))
	signed, err := sigs[0].SignedData(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify(signed))
	assert.Equal(t, "Approved", sigs[0].Reason())

	original, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, pdftest.Minimal(), original, "input modified")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SignaturesTotal.WithLabelValues(metrics.StatusSuccess)))
}

// A wrong PIN fails authentication and leaves nothing behind.
func TestSignWrongPIN(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "out.pdf")

	pin := token.NewPIN([]byte("0000"))
	_, err := e.Sign(context.Background(), req, engine.Credentials{PIN: pin})
	require.Error(t, err)
	assert.Equal(t, engine.KindAuthenticationFailed, engine.KindOf(err))
	assert.ErrorIs(t, err, token.ErrAuthenticationFailed)
	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.OpLogin, ee.Op)

	assert.True(t, pin.Empty(), "PIN not destroyed")
	assert.Equal(t, 0, f.fake.OpenSessions())
	assert.NoFileExists(t, req.OutputPath)

	// The token is usable again with the right PIN.
	_, err = e.Sign(context.Background(), req, creds("1234"))
	require.NoError(t, err)
}

// A signed document without multi-signature is rejected and the output is
// not written.
func TestSignAlreadySigned(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	first := f.request(t, e, in, "signed-once.pdf")
	_, err := e.Sign(context.Background(), first, creds("1234"))
	require.NoError(t, err)
	once, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)

	second := f.request(t, e, first.OutputPath, "signed-twice.pdf")
	_, err = e.Sign(context.Background(), second, creds("1234"))
	require.Error(t, err)
	assert.Equal(t, engine.KindAlreadySigned, engine.KindOf(err))
	assert.ErrorIs(t, err, chain.ErrAlreadySigned)
	assert.NoFileExists(t, second.OutputPath)
	after, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, once, after)

	second.MultiSignature = true
	res, err := e.Sign(context.Background(), second, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.SignatureIndex)
	data, sigs, _ := signatures(t, second.OutputPath)
	require.Len(t, sigs, 2)
	assert.Equal(t, once, data[:len(once)], "first revision not preserved")
	assert.NotEqual(t, sigs[0].FieldName, sigs[1].FieldName)
}

// An unresponsive TSA times out within the budget and no output is written.
func TestSignTimestampTimeout(t *testing.T) {
	f := newFixture(t, certOptions{})
	f.defaults.Timestamp.Timeout = 5 * time.Second
	release := make(chan struct{})
	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer tsa.Close()
	defer close(release)

	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "out.pdf")
	req.TSAURL = tsa.URL

	start := time.Now()
	_, err := e.Sign(context.Background(), req, creds("1234"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 15*time.Second)
	assert.Equal(t, engine.KindTimestampTimeout, engine.KindOf(err))
	assert.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.NoFileExists(t, req.OutputPath)
	assert.Equal(t, 0, f.fake.OpenSessions())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TimestampRequestsTotal.WithLabelValues(metrics.StatusTimeout)))
}

func TestSignRejectsUntrustedTSAByDefault(t *testing.T) {
	f := newFixture(t, certOptions{})
	rogue := pkitest.NewRoot(t, "Rogue Root")
	tsaCert, tsaKey := rogue.Issue(t, pkitest.Options{
		CommonName:  "Rogue TSA",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	authority := timestamps.NewLocalAuthority(tsaCert, tsaKey).WithChain([]*x509.Certificate{rogue.Cert})
	tsa := httptest.NewServer(authority)
	defer tsa.Close()

	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "out.pdf")
	req.TSAURL = tsa.URL

	_, err := e.Sign(context.Background(), req, creds("1234"))
	require.Error(t, err)
	assert.Equal(t, engine.KindTimestampUnavailable, engine.KindOf(err), "err = %v", err)
	assert.NoFileExists(t, req.OutputPath)
	assert.Equal(t, 0, f.fake.OpenSessions())
}

func TestSignTimestampAndLTV(t *testing.T) {
	f := newFixture(t, certOptions{})
	responder := f.root.Responder()
	ocspSrv := httptest.NewServer(responder.Handler())
	defer ocspSrv.Close()

	// Reissue the signer with an OCSP URL now that the responder exists.
	f = newFixtureWithOCSP(t, f, ocspSrv.URL+"/ocsp")

	tsaCert, tsaKey := f.root.Issue(t, pkitest.Options{
		CommonName:  "Engine TSA",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	authority := timestamps.NewLocalAuthority(tsaCert, tsaKey).WithChain([]*x509.Certificate{f.root.Cert})
	tsa := httptest.NewServer(authority)
	defer tsa.Close()

	e := f.engine(t,
		engine.WithTrustRoots([]*x509.Certificate{f.root.Cert}),
		engine.WithTimestampRoots(f.root.Pool()))
	in := f.input(t, "contract.pdf", pdftest.Build(pdftest.Options{Pages: 2, XRefStream: true}))
	req := f.request(t, e, in, "ltv.pdf")
	req.TSAURL = tsa.URL
	req.LTV = true

	res, err := e.Sign(context.Background(), req, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, engine.TimestampApplied, res.TimestampStatus)
	assert.False(t, res.TimestampTime.IsZero())
	assert.Equal(t, engine.LTVComplete, res.LTVStatus, "warnings: %v", res.Warnings)

	_, sigs, r := signatures(t, req.OutputPath)
	require.Len(t, sigs, 1)
	parsed, err := cms.Parse(sigs[0].Contents)
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.TimestampToken())

	store, err := dss.Read(r)
	require.NoError(t, err)
	assert.NotNil(t, store.VRI[dss.VRIKey(sigs[0].Contents)], "VRI entry missing")
	assert.Len(t, store.Certificates(), 2)
	assert.Len(t, store.OCSPs, 1)
	assert.Equal(t, int64(1), responder.OCSPRequests.Load())
}

func newFixtureWithOCSP(t *testing.T, base *fixture, ocspURL string) *fixture {
	t.Helper()
	cert, key := base.root.Issue(t, pkitest.Options{
		CommonName: "Signer",
		Serial:     big.NewInt(0x01AC),
		OCSPServer: []string{ocspURL},
	})
	dev := &tokentest.Token{
		Label:  "AKIS",
		Serial: "1234567890",
		PIN:    "1234",
		Identities: []tokentest.Identity{
			{ID: []byte{0x01}, Label: "signing", Cert: cert, Key: key},
			{ID: []byte{0x09}, Label: "root", Cert: base.root.Cert},
		},
	}
	base.fake = tokentest.New(&tokentest.Slot{ID: 2, Token: dev})
	base.cert = cert
	modulePath := base.defaults.PKCS11.ModulePath
	fake := base.fake
	base.loader = func(path string) (token.Ctx, error) {
		if path == modulePath {
			return fake, nil
		}
		return nil, token.ErrModuleLoad
	}
	return base
}

func TestSignPartialLTVIsWarning(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t, engine.WithTrustRoots([]*x509.Certificate{f.root.Cert}))
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "partial.pdf")
	req.LTV = true

	res, err := e.Sign(context.Background(), req, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, engine.LTVPartial, res.LTVStatus)
	require.NotEmpty(t, res.Warnings)
	assert.FileExists(t, req.OutputPath)
}

func TestSignRejectsExpiredCertificate(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	f := newFixture(t, certOptions{notBefore: past.Add(-time.Hour), notAfter: past})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "out.pdf")
	req.LTV = true

	_, err := e.Sign(context.Background(), req, creds("1234"))
	require.Error(t, err)
	assert.Equal(t, engine.KindCertificateExpired, engine.KindOf(err))
	assert.NoFileExists(t, req.OutputPath)
	assert.Equal(t, 0, f.fake.OpenSessions())
}

func TestSignCertification(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "form.pdf", pdftest.Minimal())
	req := f.request(t, e, in, "certified.pdf")
	req.Policy = mdp.PolicyFormFilling

	res, err := e.Sign(context.Background(), req, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, mdp.PolicyFormFilling, res.AppliedPolicy)
	_, _, r := signatures(t, req.OutputPath)
	state, err := mdp.ReadState(r)
	require.NoError(t, err)
	assert.Equal(t, mdp.CertifiedLevel2, state)

	again := f.request(t, e, req.OutputPath, "recertified.pdf")
	again.MultiSignature = true
	again.Policy = mdp.PolicyNoChanges
	_, err = e.Sign(context.Background(), again, creds("1234"))
	assert.Equal(t, engine.KindAlreadyCertified, engine.KindOf(err))
	assert.NoFileExists(t, again.OutputPath)

	again.Policy = mdp.PolicyNone
	res, err = e.Sign(context.Background(), again, creds("1234"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.SignatureIndex)
}

func TestSignIOFailures(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())
	garbage := f.input(t, "garbage.pdf", []byte("not a pdf at all"))

	tests := []struct {
		name string
		req  engine.SignatureRequest
	}{
		{"missing input", f.request(t, e, filepath.Join(f.dir, "missing.pdf"), "a.pdf")},
		{"not a PDF", f.request(t, e, garbage, "b.pdf")},
		{"output overwrites input", engine.SignatureRequest{InputPath: in, OutputPath: in}},
		{"output directory missing", f.request(t, e, in, filepath.Join("no", "such", "dir", "c.pdf"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pin := token.NewPIN([]byte("1234"))
			_, err := e.Sign(context.Background(), tt.req, engine.Credentials{PIN: pin})
			require.Error(t, err)
			assert.Equal(t, engine.KindIOFailure, engine.KindOf(err), "err = %v", err)
			assert.True(t, pin.Empty())
			assert.Equal(t, 0, f.fake.OpenSessions())
		})
	}
	original, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, pdftest.Minimal(), original)
}

func TestSignBusyTokenKeepsSessionUsable(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())

	sess, cert, err := e.Open(context.Background(), creds("1234"))
	require.NoError(t, err)

	_, err = e.Sign(context.Background(), f.request(t, e, in, "busy.pdf"), creds("1234"))
	assert.Equal(t, engine.KindSessionBusy, engine.KindOf(err))
	assert.False(t, f.fake.Finalized, "library finalized while a session is open")
	assert.Equal(t, 1, f.fake.OpenSessions())

	res, err := e.SignWithSession(context.Background(), sess, cert, f.request(t, e, in, "held.pdf"))
	require.NoError(t, err)
	assert.FileExists(t, res.OutputPath)

	e.Close(sess)
	assert.Equal(t, 0, f.fake.OpenSessions())
	assert.True(t, f.fake.Finalized)
}

func TestSharedManagerAcrossEngines(t *testing.T) {
	f := newFixture(t, certOptions{})
	mgr := token.NewManager()
	first := f.engine(t, engine.WithManager(mgr))
	second := f.engine(t, engine.WithManager(mgr))
	in := f.input(t, "contract.pdf", pdftest.Minimal())

	sess, _, err := first.Open(context.Background(), creds("1234"))
	require.NoError(t, err)
	defer first.Close(sess)

	_, err = second.Sign(context.Background(), f.request(t, second, in, "out.pdf"), creds("1234"))
	assert.Equal(t, engine.KindSessionBusy, engine.KindOf(err))
	assert.Equal(t, 1, f.fake.OpenSessions())
}

func TestSignWithoutToken(t *testing.T) {
	f := newFixture(t, certOptions{})
	f.defaults.PKCS11.TokenCriteria = &config.TokenCriteria{Label: "absent"}
	e := f.engine(t)
	in := f.input(t, "contract.pdf", pdftest.Minimal())

	_, err := e.Sign(context.Background(), f.request(t, e, in, "out.pdf"), creds("1234"))
	assert.Equal(t, engine.KindTokenUnavailable, engine.KindOf(err))
}

func TestSignDiscoveryIncomplete(t *testing.T) {
	f := newFixture(t, certOptions{})
	e := f.engine(t, engine.WithLoader(func(string) (token.Ctx, error) { return nil, token.ErrModuleLoad }))
	in := f.input(t, "contract.pdf", pdftest.Minimal())

	_, err := e.Sign(context.Background(), f.request(t, e, in, "out.pdf"), creds("1234"))
	assert.Equal(t, engine.KindDiscoveryIncomplete, engine.KindOf(err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want engine.Kind
	}{
		{token.ErrTokenLocked, engine.KindTokenLocked},
		{&token.AuthError{Err: errors.New("CKR_PIN_INCORRECT")}, engine.KindAuthenticationFailed},
		{token.ErrSessionBusy, engine.KindSessionBusy},
		{fmt.Errorf("sign: %w", token.ErrStaleHandle), engine.KindTokenUnavailable},
		{&token.DiscoveryError{}, engine.KindDiscoveryIncomplete},
		{engine.ErrCertificateExpired, engine.KindCertificateExpired},
		{mdp.ErrPermissionDenied, engine.KindPermissionDenied},
		{writer.ErrPlaceholderTooSmall, engine.KindPlaceholderTooSmall},
		{timestamps.ErrTimestampTimeout, engine.KindTimestampTimeout},
		{timestamps.ErrTimestampUnavailable, engine.KindTimestampUnavailable},
		{dss.ErrPartialLTV, engine.KindPartialLTV},
		{reader.ErrEncrypted, engine.KindIOFailure},
		{engine.ErrBatchAborted, engine.KindBatchAborted},
		{context.Canceled, engine.KindCancelled},
		{token.ErrSignFailed, engine.KindSigningFailed},
		{errors.New("boom"), engine.KindInternal},
		{&engine.Error{Kind: engine.KindSessionBusy, Err: errors.New("x")}, engine.KindSessionBusy},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, engine.KindOf(tt.err), "err = %v", tt.err)
		})
	}
}

func TestNewRejectsInvalidDefaults(t *testing.T) {
	d := config.Default()
	d.Batch.MaxAuthFailures = 0
	_, err := engine.New(d)
	assert.ErrorIs(t, err, config.ErrConfigurationError)
}
