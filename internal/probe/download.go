package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

const readBufferSize = 32 * 1024

// DownloadConfig configures a DownloadProbe.
type DownloadConfig struct {
	Candidates []EndpointCandidate
	// RankCandidates reorders candidates by a HEAD round trip before use.
	RankCandidates bool
	// MinSampleBytes is the least data a cut-short transfer must carry to count.
	MinSampleBytes int64
	// MaxDuration stops the transfer early once MinSampleBytes were read.
	MaxDuration time.Duration
	// Timeout bounds each candidate attempt.
	Timeout time.Duration
}

// DownloadProbe measures download throughput against the first candidate
// that serves a payload.
type DownloadProbe struct {
	cfg    DownloadConfig
	client *http.Client
	logger *slog.Logger
	clock  clock.Clock
}

// NewDownloadProbe creates a DownloadProbe.
func NewDownloadProbe(cfg DownloadConfig, deps Dependencies) *DownloadProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	deps = deps.withDefaults(cfg.Timeout)
	return &DownloadProbe{
		cfg:    cfg,
		client: deps.HTTPClient,
		logger: deps.Logger,
		clock:  deps.Clock,
	}
}

// Kind implements Prober.
func (p *DownloadProbe) Kind() Kind { return KindDownload }

// Probe implements Prober.
func (p *DownloadProbe) Probe(ctx context.Context, _ Input) (Result, error) {
	candidates := SortCandidates(p.cfg.Candidates)
	if p.cfg.RankCandidates {
		candidates = RankByLatency(ctx, p.client, p.clock, candidates, 0, p.cfg.Timeout)
	}

	res, idx, err := Failover(ctx, candidates, EndpointCandidate.Label, p.attempt)
	if err != nil {
		p.logger.Warn("download probe exhausted all candidates", "candidates", len(candidates), "error", err)
		return Failed(KindDownload, err.Error()), nil
	}

	p.logger.Debug("download measured",
		"candidate", candidates[idx].Label(),
		"bytes", res.Bytes,
		"elapsed", res.Elapsed,
		"mbps", res.Value,
	)
	return res, nil
}

func (p *DownloadProbe) attempt(ctx context.Context, c EndpointCandidate) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := newRequest(ctx, method, c.URL)
	if err != nil {
		return Result{}, err
	}

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Result{}, err
	}

	n, err := p.stream(ctx, resp.Body, c.ExpectedPayloadSize, start)
	if err != nil {
		return Result{}, err
	}
	elapsed := p.clock.Since(start)

	return Result{
		Kind:      KindDownload,
		Value:     Mbps(n, elapsed),
		Endpoint:  c.Label(),
		Bytes:     n,
		Elapsed:   elapsed,
		Succeeded: true,
	}, nil
}

// stream counts body bytes until EOF, until expected bytes were read, or
// until MaxDuration passed with at least MinSampleBytes in hand. A read error
// after MinSampleBytes caused by the attempt timeout yields a partial sample.
func (p *DownloadProbe) stream(ctx context.Context, body io.Reader, expected int64, start time.Time) (int64, error) {
	buf := make([]byte, readBufferSize)
	var n int64
	for {
		k, err := body.Read(buf)
		n += int64(k)

		if expected > 0 && n >= expected {
			break
		}
		if p.cfg.MaxDuration > 0 && n >= p.cfg.MinSampleBytes && n > 0 &&
			p.clock.Since(start) >= p.cfg.MaxDuration {
			break
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && p.cfg.MinSampleBytes > 0 && n >= p.cfg.MinSampleBytes {
				break
			}
			return n, fmt.Errorf("reading body after %d bytes: %w", n, err)
		}
	}
	if n == 0 {
		return 0, errors.New("empty response body")
	}
	return n, nil
}
