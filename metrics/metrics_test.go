package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := New(nil)

	m.Submitted("alert")
	m.Submitted("alert")
	m.Dropped("count")
	m.Failed("alert")
	m.Completed("state", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsDropped.WithLabelValues("count")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("alert")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestTelemetryGauge(t *testing.T) {
	up := false
	m := New(func() bool { return up })

	count, err := testutil.GatherAndCount(m.Registry(), "intrusion_telemetry_connected")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP intrusion_telemetry_connected 1 when the broker connection is up.
# TYPE intrusion_telemetry_connected gauge
intrusion_telemetry_connected 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "intrusion_telemetry_connected"))

	up = true
	expected = strings.Replace(expected, "connected 0", "connected 1", 1)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "intrusion_telemetry_connected"))
}

func TestQueueDepthGauge(t *testing.T) {
	m := New(nil)
	depth := 3
	m.WatchQueue(func() int { return depth })

	expected := `
# HELP intrusion_dispatch_queue_depth Jobs waiting for a dispatcher worker.
# TYPE intrusion_dispatch_queue_depth gauge
intrusion_dispatch_queue_depth 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "intrusion_dispatch_queue_depth"))

	depth = 0
	expected = strings.Replace(expected, "depth 3", "depth 0", 1)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "intrusion_dispatch_queue_depth"))
}

func TestNoTelemetryGauge(t *testing.T) {
	m := New(nil)
	count, err := testutil.GatherAndCount(m.Registry(), "intrusion_telemetry_connected")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.Frames.Inc()
	m.PeopleInRegion.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "intrusion_frames_total 1")
	assert.Contains(t, string(body), "intrusion_people_in_region 3")
}
