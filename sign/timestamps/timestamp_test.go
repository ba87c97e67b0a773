package timestamps_test

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/pkitest"
	"github.com/georgepadayatti/gopades/sign/timestamps"
)

type fixture struct {
	root      *pkitest.Authority
	authority *timestamps.LocalAuthority
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := pkitest.NewRoot(t, "TSA Root")
	cert, key := root.Issue(t, pkitest.Options{
		CommonName:  "Test TSA",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Second))
	auth := timestamps.NewLocalAuthority(cert, key).WithChain([]*x509.Certificate{root.Cert}).WithClock(clock)
	return &fixture{root: root, authority: auth, clock: clock}
}

func digestOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.authority)
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := timestamps.NewClient(srv.URL).WithRoots(f.root.Pool()).WithMetrics(m)

	digest := digestOf("signature value")
	tok, err := client.Fetch(context.Background(), digest, crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, tok.Time.Equal(f.clock.Now()), "time %v, want %v", tok.Time, f.clock.Now())
	assert.NotEmpty(t, tok.Certificates)

	info, err := cms.ParseTSTInfo(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, digest, info.MessageImprint.HashedMessage)
	assert.True(t, info.MessageImprint.HashAlgorithm.Algorithm.Equal(cms.OIDSHA256))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TimestampRequestsTotal.WithLabelValues(metrics.StatusSuccess)))
}

func TestFetchUntrustedTSA(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.authority)
	defer srv.Close()

	other := pkitest.NewRoot(t, "Other Root")
	client := timestamps.NewClient(srv.URL).WithRoots(other.Pool())
	_, err := client.Fetch(context.Background(), digestOf("x"), crypto.SHA256)
	require.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.NotErrorIs(t, err, timestamps.ErrTimestampTimeout)
}

func TestFetchChecksSystemRootsByDefault(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.authority)
	defer srv.Close()

	_, err := timestamps.NewClient(srv.URL).Fetch(context.Background(), digestOf("x"), crypto.SHA256)
	require.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.Contains(t, err.Error(), "Test TSA")
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := timestamps.NewClient(srv.URL).WithTimeout(50 * time.Millisecond).WithMetrics(m)

	start := time.Now()
	_, err := client.Fetch(context.Background(), digestOf("slow"), crypto.SHA256)
	require.ErrorIs(t, err, timestamps.ErrTimestampTimeout)
	assert.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TimestampRequestsTotal.WithLabelValues(metrics.StatusTimeout)))
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := timestamps.NewClient(srv.URL).Fetch(context.Background(), digestOf("x"), crypto.SHA256)
	require.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestFetchRejectsReplayedResponse(t *testing.T) {
	f := newFixture(t)
	digest := digestOf("replayed")
	query, err := (&timestamp.Request{HashAlgorithm: crypto.SHA256, HashedMessage: digest, Certificates: true}).Marshal()
	require.NoError(t, err)
	canned, err := f.authority.Respond(query)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", timestamps.ContentTypeReply)
		w.Write(canned)
	}))
	defer srv.Close()

	_, err = timestamps.NewClient(srv.URL).Fetch(context.Background(), digest, crypto.SHA256)
	require.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
	assert.Contains(t, err.Error(), "nonce")
}

func TestFetchDigestLength(t *testing.T) {
	_, err := timestamps.NewClient("http://127.0.0.1:1").Fetch(context.Background(), []byte{1, 2}, crypto.SHA256)
	assert.ErrorIs(t, err, timestamps.ErrTimestampUnavailable)
}

func TestRateLimit(t *testing.T) {
	c := timestamps.NewClient("http://tsa.invalid")
	assert.Nil(t, c.WithRateLimit(0).Limiter)
	require.NotNil(t, c.WithRateLimit(2).Limiter)
	assert.InDelta(t, 2.0, float64(c.Limiter.Limit()), 0.001)
}

func TestAuthorityHTTP(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.authority)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL, timestamps.ContentTypeQuery, http.NoBody)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, timestamps.ContentTypeReply, resp.Header.Get("Content-Type"))
}

func TestVerifyChain(t *testing.T) {
	f := newFixture(t)
	tsaCert := f.authority.Certificate

	assert.NoError(t, timestamps.VerifyChain([]*x509.Certificate{tsaCert}, f.root.Pool(), time.Now()))

	plain, _ := f.root.Issue(t, pkitest.Options{CommonName: "No EKU"})
	err := timestamps.VerifyChain([]*x509.Certificate{plain}, f.root.Pool(), time.Now())
	assert.ErrorContains(t, err, "timeStamping")

	err = timestamps.VerifyChain([]*x509.Certificate{tsaCert}, f.root.Pool(), time.Now().Add(-48*time.Hour))
	assert.Error(t, err)
}
