package batch_test

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopades/config"
	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/pdf/pdftest"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/sign/batch"
	"github.com/georgepadayatti/gopades/sign/pkitest"
	"github.com/georgepadayatti/gopades/sign/token"
	"github.com/georgepadayatti/gopades/sign/token/tokentest"
)

type fixture struct {
	dir     string
	fake    *tokentest.Ctx
	engine  *engine.Engine
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := pkitest.NewRoot(t, "Batch Root")
	cert, key := root.Issue(t, pkitest.Options{CommonName: "Batch Signer", Serial: big.NewInt(0x01AB)})
	fake := tokentest.New(&tokentest.Slot{ID: 0, Token: &tokentest.Token{
		Label:       "AKIS",
		Serial:      "42",
		PIN:         "123456",
		MaxAttempts: maxAttempts,
		Identities:  []tokentest.Identity{{ID: []byte{1}, Label: "signing", Cert: cert, Key: key}},
	}})
	modulePath := filepath.Join(dir, "libfake.so")
	require.NoError(t, os.WriteFile(modulePath, []byte("stub"), 0o600))

	d := config.Default()
	d.PKCS11.ModulePath = modulePath
	m := metrics.New(prometheus.NewRegistry())
	e, err := engine.New(d,
		engine.WithMetrics(m),
		engine.WithLoader(func(path string) (token.Ctx, error) {
			if path == modulePath {
				return fake, nil
			}
			return nil, token.ErrModuleLoad
		}))
	require.NoError(t, err)
	return &fixture{dir: dir, fake: fake, engine: e, metrics: m}
}

func (f *fixture) inputs(t *testing.T, docs ...[]byte) []string {
	t.Helper()
	var paths []string
	for i, doc := range docs {
		p := filepath.Join(f.dir, "in", string(rune('a'+i))+".pdf")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, doc, 0o644))
		paths = append(paths, p)
	}
	return paths
}

func (f *fixture) job(t *testing.T, inputs []string) batch.Job {
	t.Helper()
	tmpl, err := f.engine.NewRequest("", "")
	require.NoError(t, err)
	job := batch.NewJob(inputs, tmpl)
	job.OutputDir = filepath.Join(f.dir, "out")
	return job
}

func pins(pin string, calls *int) batch.PINSource {
	return func(context.Context) (*token.PIN, error) {
		*calls++
		return token.NewPIN([]byte(pin)), nil
	}
}

func labels(r *batch.Report) []string {
	var out []string
	for _, o := range r.Outcomes {
		out = append(out, o.Label())
	}
	return out
}

// A corrupted middle item fails alone.
func TestRunIsolatesFailures(t *testing.T) {
	f := newFixture(t, 3)
	in := f.inputs(t, pdftest.Minimal(), []byte("%PDF-1.7 corrupted"), pdftest.Build(pdftest.Options{Pages: 2}))
	var calls int
	report := batch.NewOrchestrator(f.engine, pins("123456", &calls)).WithMetrics(f.metrics).
		Run(context.Background(), f.job(t, in))

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, []string{"success", "failure", "success"}, labels(report))
	failure := report.Outcomes[1].(batch.Failure)
	assert.Equal(t, engine.KindIOFailure, failure.Kind)
	assert.Equal(t, in[1], failure.Input())
	assert.NotEqual(t, uuid.Nil, report.JobID)
	assert.False(t, report.OK())
	assert.Equal(t, 2, report.Succeeded())

	for _, i := range []int{0, 2} {
		s := report.Outcomes[i].(batch.Success)
		assert.Equal(t, filepath.Join(f.dir, "out", filepath.Base(in[i])), s.Result.OutputPath)
		data, err := os.ReadFile(s.Result.OutputPath)
		require.NoError(t, err)
		r, err := reader.NewPdfFileReaderFromBytes(data)
		require.NoError(t, err)
		sigs, err := r.EmbeddedSignatures()
		require.NoError(t, err)
		assert.Len(t, sigs, 1)
	}
	assert.NoFileExists(t, filepath.Join(f.dir, "out", filepath.Base(in[1])))

	assert.Equal(t, 1, calls, "PIN requested more than once")
	assert.Equal(t, 1, f.fake.LoginCalls, "session not reused")
	assert.Equal(t, 0, f.fake.OpenSessions())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BatchItemsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchItemsTotal.WithLabelValues("failure")))
}

func TestRunAbortsAfterAuthenticationFailures(t *testing.T) {
	f := newFixture(t, 0)
	in := f.inputs(t, pdftest.Minimal(), pdftest.Minimal(), pdftest.Minimal(), pdftest.Minimal())
	var calls int
	report := batch.NewOrchestrator(f.engine, pins("000000", &calls)).Run(context.Background(), f.job(t, in))

	assert.Equal(t, []string{"failure", "failure", "aborted", "aborted"}, labels(report))
	assert.Equal(t, engine.KindAuthenticationFailed, report.Outcomes[0].(batch.Failure).Kind)
	aborted := report.Outcomes[3].(batch.Aborted)
	assert.ErrorIs(t, aborted.Err, batch.ErrBatchAborted)
	assert.Equal(t, engine.KindBatchAborted, engine.KindOf(aborted.Err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, f.fake.LoginCalls)
	assert.Equal(t, 0, f.fake.OpenSessions())
}

func TestRunAbortsOnLockedToken(t *testing.T) {
	f := newFixture(t, 1)
	in := f.inputs(t, pdftest.Minimal(), pdftest.Minimal(), pdftest.Minimal())
	var calls int
	report := batch.NewOrchestrator(f.engine, pins("000000", &calls)).Run(context.Background(), f.job(t, in))

	assert.Equal(t, []string{"failure", "aborted", "aborted"}, labels(report))
	assert.Equal(t, engine.KindTokenLocked, report.Outcomes[0].(batch.Failure).Kind)
	assert.Equal(t, 1, calls)
}

func TestRunCancelledBetweenItems(t *testing.T) {
	f := newFixture(t, 3)
	in := f.inputs(t, pdftest.Minimal(), pdftest.Minimal(), pdftest.Minimal())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := func(context.Context) (*token.PIN, error) {
		// Cancelled while the first item is in flight.
		cancel()
		return token.NewPIN([]byte("123456")), nil
	}
	report := batch.NewOrchestrator(f.engine, source).Run(ctx, f.job(t, in))

	assert.Equal(t, []string{"success", "cancelled", "cancelled"}, labels(report))
	assert.NoFileExists(t, filepath.Join(f.dir, "out", filepath.Base(in[1])))
	assert.Equal(t, 0, f.fake.OpenSessions())
}

func TestRunAlreadySignedAndDefaultOutputDir(t *testing.T) {
	f := newFixture(t, 3)
	in := f.inputs(t, pdftest.Minimal())
	var calls int
	o := batch.NewOrchestrator(f.engine, pins("123456", &calls))

	job := f.job(t, in)
	job.OutputDir = ""
	first := o.Run(context.Background(), job)
	require.True(t, first.OK(), first.Summary())
	signed := filepath.Join(filepath.Dir(in[0]), config.DefaultOutputDirName, filepath.Base(in[0]))
	assert.FileExists(t, signed)

	second := o.Run(context.Background(), f.job(t, []string{signed}))
	require.Len(t, second.Outcomes, 1)
	failure, ok := second.Outcomes[0].(batch.Failure)
	require.True(t, ok)
	assert.Equal(t, engine.KindAlreadySigned, failure.Kind)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestPINSourceError(t *testing.T) {
	f := newFixture(t, 3)
	in := f.inputs(t, pdftest.Minimal(), pdftest.Minimal())
	source := func(context.Context) (*token.PIN, error) { return nil, errors.New("no terminal") }
	report := batch.NewOrchestrator(f.engine, source).Run(context.Background(), f.job(t, in))

	assert.Equal(t, []string{"failure", "aborted"}, labels(report))
	assert.Equal(t, 0, f.fake.LoginCalls)
}
