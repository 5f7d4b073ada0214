package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	m := New()
	m.RecordRun("ok", 2*time.Second, 42)
	m.RecordRun("partial", time.Second, 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("partial")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.LastCandidates))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestRecordSession(t *testing.T) {
	m := New()
	m.RecordSession("expired")
	m.RecordSession("expired")
	m.RecordSession("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("failed")))
}

func TestRecordRetention(t *testing.T) {
	m := New()
	m.RecordRetention(5)
	m.RecordRetention(0)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RetentionPurged))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordSession("expired")
	m.RecordRequest("/api/v1/sweeps", "202")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `sweeper_sessions_total{outcome="expired"} 1`)
	assert.Contains(t, body, `mgmt_requests_total{route="/api/v1/sweeps",status="202"} 1`)
	assert.NotContains(t, body, "go_goroutines")
}
