package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingHelpers(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSearch("contracts", "ok", 5*time.Millisecond)
	m.ObserveSearch("contracts", "partial", time.Millisecond)
	m.BulkItem("created")
	m.BulkItem("created")
	m.ScrollOpened()
	m.ScrollOpened()
	m.ScrollClosed(true)
	m.LogTruncated("contracts", 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("contracts", "partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BulkItemsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScrollCursorsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScrollExpiredTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(m.LogTruncationsTotal))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSearch("x", "ok", time.Second)
		m.ShardFailure("x", 1)
		m.SetBreakerState("kafka", 1)
		m.ScrollClosed(false)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Promoted("contracts", 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `replica_promotions_total{index="contracts",shard="2"} 1`))
}
