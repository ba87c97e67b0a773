package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSignature(StatusSuccess, 150*time.Millisecond)
	m.RecordSignature(StatusSuccess, time.Second)
	m.RecordSignature(StatusError, time.Second)
	m.RecordTimestamp(StatusTimeout)
	m.RecordLoginFailure("pin_incorrect")
	m.RecordBatchItem("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignaturesTotal.WithLabelValues(StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignaturesTotal.WithLabelValues(StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimestampRequestsTotal.WithLabelValues(StatusTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginFailuresTotal.WithLabelValues("pin_incorrect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchItemsTotal.WithLabelValues("success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SignDuration))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSignature(StatusSuccess, time.Second)
		m.RecordTimestamp(StatusSuccess)
		m.RecordLoginFailure("locked")
		m.RecordBatchItem("failure")
	})
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordSignature(StatusSuccess, time.Second)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteTextfile(reg, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "gopades_signatures_total"))
}
