package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()
	m.Submissions.WithLabelValues("accepted").Inc()
	m.Submissions.WithLabelValues("accepted").Inc()
	m.Transitions.WithLabelValues("COMPLETED").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Submissions.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("COMPLETED")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `image_tasks_submissions_total{result="accepted"} 2`)
}
