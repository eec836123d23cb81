package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRegistry_RecordDispatch(t *testing.T) {
	r := New()
	r.RecordDispatch("researcher", nil, 50*time.Millisecond)
	r.RecordDispatch("researcher", errors.New("boom"), 10*time.Millisecond)

	body := scrape(t, r)
	require.Contains(t, body, `a2ahost_agent_dispatch_calls_total{agent="researcher",outcome="success"} 1`)
	require.Contains(t, body, `a2ahost_agent_dispatch_calls_total{agent="researcher",outcome="error"} 1`)
}

func TestRegistry_RecordBusPublishAndDrop(t *testing.T) {
	r := New()
	r.RecordBusPublish("task_status_update")
	r.RecordBusPublish("task_status_update")
	r.RecordBusDrop("task_status_update")

	body := scrape(t, r)
	require.Contains(t, body, `a2ahost_bus_events_published_total{event_type="task_status_update"} 2`)
	require.Contains(t, body, `a2ahost_bus_events_dropped_total{event_type="task_status_update"} 1`)
}

func TestRegistry_RecordScheduleRun(t *testing.T) {
	r := New()
	r.RecordScheduleRun("success", 2*time.Second)
	r.RecordScheduleRun("skipped_overlap", 0)

	body := scrape(t, r)
	require.Contains(t, body, `a2ahost_schedule_runs_total{status="success"} 1`)
	require.Contains(t, body, `a2ahost_schedule_runs_total{status="skipped_overlap"} 1`)
}

func TestRegistry_RecordHTTPRequest(t *testing.T) {
	r := New()
	r.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)

	body := scrape(t, r)
	require.True(t, strings.Contains(body, `a2ahost_http_requests_total{method="GET",route="/health",status="OK"} 1`))
}

func TestRegistry_BuildInfoAlwaysOne(t *testing.T) {
	r := New()
	body := scrape(t, r)
	require.Contains(t, body, "a2ahost_build_info 1")
}

func TestNilRegistry_MethodsNoop(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() {
		r.RecordDispatch("x", nil, time.Second)
		r.RecordBusPublish("x")
		r.RecordBusDrop("x")
		r.RecordScheduleRun("success", time.Second)
		r.RecordHTTPRequest("GET", "/x", 200, time.Second)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}
