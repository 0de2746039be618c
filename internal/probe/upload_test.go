package probe

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploadProbe(cfg UploadConfig, clk clock.Clock) *UploadProbe {
	p := NewUploadProbe(cfg, testDeps(clk))
	p.freeMemory = func() uint64 { return 0 }
	return p
}

func TestUploadProbeMeasures(t *testing.T) {
	clk := clock.NewMock()
	var received atomic.Int64
	sink := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, int64(1<<20), r.ContentLength)
		n, _ := io.Copy(io.Discard, r.Body)
		received.Store(n)
		clk.Add(time.Second)
		w.WriteHeader(http.StatusCreated)
	})

	p := newTestUploadProbe(UploadConfig{
		Mode:        UploadMeasure,
		PayloadSize: 1 << 20,
		Candidates:  []EndpointCandidate{{Name: "sink", URL: sink.URL}},
	}, clk)

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	require.True(t, res.Succeeded, res.Error)
	assert.Equal(t, int64(1<<20), received.Load())
	assert.InDelta(t, 8.0, res.Value, 1e-9)
	assert.False(t, res.Estimated)

	final := p.Finalize(res, Result{Kind: KindDownload, Value: 100, Succeeded: true})
	assert.Equal(t, res, final, "a measured upload is kept as is")
}

func TestUploadProbeIgnoresSinkThatSkipsBody(t *testing.T) {
	const size = 32 << 20
	early := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	var received atomic.Int64
	reader := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received.Store(n)
		w.WriteHeader(http.StatusOK)
	})

	p := newTestUploadProbe(UploadConfig{
		Mode:        UploadMeasure,
		PayloadSize: size,
		Timeout:     10 * time.Second,
		Candidates: []EndpointCandidate{
			{Name: "early", URL: early.URL, Priority: 1},
			{Name: "reader", URL: reader.URL, Priority: 2},
		},
	}, clock.New())

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	require.True(t, res.Succeeded, res.Error)
	assert.Equal(t, "reader", res.Endpoint, "a sink that answers before reading the payload is not a measurement")
	assert.Equal(t, int64(size), res.Bytes)
	assert.Equal(t, int64(size), received.Load())
}

func TestUploadProbeFailsWhenOnlySinkSkipsBody(t *testing.T) {
	early := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	p := newTestUploadProbe(UploadConfig{
		Mode:        UploadMeasure,
		PayloadSize: 32 << 20,
		Timeout:     10 * time.Second,
		Candidates:  []EndpointCandidate{{Name: "early", URL: early.URL}},
	}, clock.New())

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Zero(t, res.Value)
	assert.Contains(t, res.Error, "early")
}

func TestUploadProbeRejectsNon2xx(t *testing.T) {
	sink := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	p := newTestUploadProbe(UploadConfig{
		Mode:        UploadMeasure,
		PayloadSize: 1024,
		Candidates:  []EndpointCandidate{{Name: "sink", URL: sink.URL}},
	}, clock.New())

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Error, "405")

	final := p.Finalize(res, Result{Kind: KindDownload, Value: 100, Succeeded: true})
	assert.False(t, final.Succeeded, "measure mode never estimates")
	assert.False(t, final.Estimated)
}

func TestUploadProbeEstimateMode(t *testing.T) {
	p := newTestUploadProbe(UploadConfig{Mode: UploadEstimate}, clock.New())

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)

	final := p.Finalize(res, Result{Kind: KindDownload, Value: 76.29, Succeeded: true})
	assert.True(t, final.Succeeded)
	assert.True(t, final.Estimated)
	assert.InDelta(t, 76.29*DefaultEstimateFraction, final.Value, 1e-9)
}

func TestUploadProbeAutoFallsBackToEstimate(t *testing.T) {
	p := newTestUploadProbe(UploadConfig{
		Mode:             UploadAuto,
		EstimateFraction: 0.5,
		PayloadSize:      1024,
		Candidates:       []EndpointCandidate{{Name: "closed", URL: closedURL(t)}},
	}, clock.New())

	res, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)

	final := p.Finalize(res, Result{Kind: KindDownload, Value: 40, Succeeded: true})
	assert.True(t, final.Estimated)
	assert.InDelta(t, 20.0, final.Value, 1e-9)
}

func TestUploadProbeEstimateNeedsDownload(t *testing.T) {
	p := newTestUploadProbe(UploadConfig{Mode: UploadEstimate}, clock.New())
	own, err := p.Probe(context.Background(), Input{})
	require.NoError(t, err)

	final := p.Finalize(own, Failed(KindDownload, "down"))
	assert.False(t, final.Succeeded)
	assert.False(t, final.Estimated)
	assert.Zero(t, final.Value)
	assert.Contains(t, final.Error, "download failed")
}

func TestUploadProbePayloadSizeFault(t *testing.T) {
	for _, size := range []int64{0, -1, MaxUploadPayload + 1} {
		p := newTestUploadProbe(UploadConfig{
			Mode:        UploadMeasure,
			PayloadSize: size,
			Candidates:  []EndpointCandidate{{URL: "http://sink.invalid"}},
		}, clock.New())

		_, err := p.Probe(context.Background(), Input{})
		assert.ErrorIs(t, err, ErrPayloadSize, "size %d", size)
	}
}

func TestUploadProbePayloadExceedsFreeMemory(t *testing.T) {
	p := newTestUploadProbe(UploadConfig{
		Mode:        UploadMeasure,
		PayloadSize: 4096,
		Candidates:  []EndpointCandidate{{URL: "http://sink.invalid"}},
	}, clock.New())
	p.freeMemory = func() uint64 { return 4096 }

	_, err := p.Probe(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrPayloadSize)
}
