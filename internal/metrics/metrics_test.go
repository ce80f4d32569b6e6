package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.BatchItem("completed")
	m.BatchItem("completed")
	m.BatchItem("fetch_failed")
	m.ModelLoad("blip", nil)
	m.ModelLoad("blip", errors.New("down"))
	m.ObserveRequest("/health", "200", time.Now())

	body := scrape(t, m)
	assert.Contains(t, body, `tagger_batch_items_total{state="completed"} 2`)
	assert.Contains(t, body, `tagger_batch_items_total{state="fetch_failed"} 1`)
	assert.Contains(t, body, `tagger_model_loads_total{model="blip",outcome="error"} 1`)
	assert.Contains(t, body, `tagger_requests_total{code="200",route="/health"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveStage("caption", time.Now())
	assert.Contains(t, scrape(t, m), "tagger_stage_duration_seconds_count{stage=\"caption\"} 1")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BatchItem("completed")
		m.ModelLoad("x", nil)
		m.ObserveStage("fetch", time.Now())
		m.ObserveRequest("/", "200", time.Now())
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
