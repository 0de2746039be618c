package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorderObserveProbe(t *testing.T) {
	r := New()

	r.ObserveProbe(probe.Result{Kind: probe.KindDownload, Value: 76.29, Elapsed: time.Second, Succeeded: true})
	r.ObserveProbe(probe.Result{Kind: probe.KindUpload, Value: 22.89, Estimated: true, Succeeded: true})
	r.ObserveProbe(probe.Result{Kind: probe.KindLatency, Value: 20, Succeeded: true})
	r.ObserveProbe(probe.Failed(probe.KindLocation, "no provider"))

	out := scrape(t, r)
	assert.Contains(t, out, `speedtest_probe_runs_total{kind="download",outcome="success"} 1`)
	assert.Contains(t, out, `speedtest_probe_runs_total{kind="upload",outcome="estimated"} 1`)
	assert.Contains(t, out, `speedtest_probe_runs_total{kind="latency",outcome="success"} 1`)
	assert.Contains(t, out, `speedtest_probe_runs_total{kind="location",outcome="failure"} 1`)
	assert.Contains(t, out, `speedtest_throughput_mbps{direction="download"} 76.29`)
	assert.Contains(t, out, `speedtest_throughput_mbps{direction="upload"} 22.89`)
	assert.Contains(t, out, `speedtest_latency_ms 20`)
	assert.Contains(t, out, `speedtest_probe_duration_seconds_count{kind="download"} 1`)
	assert.NotContains(t, out, `speedtest_probe_duration_seconds_count{kind="upload"}`)
}

func TestRecorderObserveMeasurement(t *testing.T) {
	r := New()

	r.ObserveMeasurement(2*time.Second, nil)
	r.ObserveMeasurement(time.Second, nil)
	r.ObserveMeasurement(time.Second, errors.New("fault"))
	r.RateLimited()

	out := scrape(t, r)
	assert.Contains(t, out, `speedtest_measurements_total{outcome="success"} 2`)
	assert.Contains(t, out, `speedtest_measurements_total{outcome="failure"} 1`)
	assert.Contains(t, out, `speedtest_measurement_duration_seconds_count 3`)
	assert.Contains(t, out, `speedtest_measurement_duration_seconds_sum 4`)
	assert.Contains(t, out, `speedtest_rate_limited_total 1`)
	assert.Contains(t, out, `go_goroutines`)
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RateLimited()

	assert.Contains(t, scrape(t, a), `speedtest_rate_limited_total 1`)
	assert.Contains(t, scrape(t, b), `speedtest_rate_limited_total 0`)
}
