package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordSubmission("website")
	m.RecordSubmission("website")
	m.RecordDuplicate("website")
	m.RecordFinished("content", "failed")
	m.RecordRetry("content")
	m.RecordPersistenceError("upsert")
	m.SetActiveTasks(3)
	m.RecordNotification("sent")

	out := scrape(t, m)
	assert.Contains(t, out, `leadgen_submissions_total{agent_type="website"} 2`)
	assert.Contains(t, out, `leadgen_duplicate_submissions_total{agent_type="website"} 1`)
	assert.Contains(t, out, `leadgen_tasks_finished_total{agent_type="content",status="failed"} 1`)
	assert.Contains(t, out, `leadgen_retries_total{agent_type="content"} 1`)
	assert.Contains(t, out, `leadgen_persistence_errors_total{op="upsert"} 1`)
	assert.Contains(t, out, `leadgen_active_tasks 3`)
	assert.Contains(t, out, `leadgen_notifications_total{result="sent"} 1`)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRequest("/api/v1/tasks", "200", 0.01)
	m.ObserveGeneration("website", 42)

	out := scrape(t, m)
	assert.Contains(t, out, `leadgen_http_requests_total{code="200",route="/api/v1/tasks"} 1`)
	assert.Contains(t, out, "leadgen_generation_duration_seconds_bucket")
	assert.Contains(t, out, "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordSubmission("website")
	assert.NotContains(t, scrape(t, b), `leadgen_submissions_total{agent_type="website"}`)
}
