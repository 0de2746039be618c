package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
)

// UploadMode selects between a real transfer and a derived estimate.
type UploadMode string

const (
	// UploadMeasure only reports a real transfer.
	UploadMeasure UploadMode = "measure"
	// UploadEstimate always derives upload from download throughput.
	UploadEstimate UploadMode = "estimate"
	// UploadAuto measures and falls back to the estimate when no sink accepts.
	UploadAuto UploadMode = "auto"
)

const (
	// MaxUploadPayload caps the generated upload payload.
	MaxUploadPayload = 256 << 20
	// DefaultEstimateFraction is the share of download throughput used as
	// the upload estimate.
	DefaultEstimateFraction = 0.3

	maxSinkResponse = 64 * 1024
)

// ErrPayloadSize is returned when the upload payload cannot be allocated.
var ErrPayloadSize = errors.New("invalid upload payload size")

// UploadConfig configures an UploadProbe.
type UploadConfig struct {
	Mode             UploadMode
	EstimateFraction float64
	PayloadSize      int64
	Candidates       []EndpointCandidate
	Timeout          time.Duration
}

// UploadProbe measures upload throughput by posting a generated payload, or
// estimates it from the download result.
type UploadProbe struct {
	cfg        UploadConfig
	client     *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	freeMemory func() uint64
}

// NewUploadProbe creates an UploadProbe.
func NewUploadProbe(cfg UploadConfig, deps Dependencies) *UploadProbe {
	if cfg.Mode == "" {
		cfg.Mode = UploadAuto
	}
	if cfg.EstimateFraction <= 0 {
		cfg.EstimateFraction = DefaultEstimateFraction
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	deps = deps.withDefaults(cfg.Timeout)
	return &UploadProbe{
		cfg:        cfg,
		client:     deps.HTTPClient,
		logger:     deps.Logger,
		clock:      deps.Clock,
		freeMemory: memory.FreeMemory,
	}
}

// Kind implements Prober.
func (p *UploadProbe) Kind() Kind { return KindUpload }

// Mode returns the configured upload mode.
func (p *UploadProbe) Mode() UploadMode { return p.cfg.Mode }

// Probe implements Prober. In estimate mode it returns a placeholder that
// Finalize replaces. An error is returned only when the payload cannot be
// generated.
func (p *UploadProbe) Probe(ctx context.Context, _ Input) (Result, error) {
	if p.cfg.Mode == UploadEstimate {
		return Failed(KindUpload, "awaiting download estimate"), nil
	}

	payload, err := p.newPayload()
	if err != nil {
		return Result{}, err
	}

	candidates := SortCandidates(p.cfg.Candidates)
	res, idx, err := Failover(ctx, candidates, EndpointCandidate.Label, func(ctx context.Context, c EndpointCandidate) (Result, error) {
		return p.attempt(ctx, c, payload)
	})
	if err != nil {
		p.logger.Warn("upload probe exhausted all candidates", "candidates", len(candidates), "mode", p.cfg.Mode, "error", err)
		return Failed(KindUpload, err.Error()), nil
	}

	p.logger.Debug("upload measured", "candidate", candidates[idx].Label(), "elapsed", res.Elapsed, "mbps", res.Value)
	return res, nil
}

// Finalize implements Finalizer. It derives the upload estimate from the
// download result when the mode allows it and no real transfer succeeded.
func (p *UploadProbe) Finalize(own, download Result) Result {
	if p.cfg.Mode == UploadMeasure || own.Succeeded {
		return own
	}
	if !download.Succeeded {
		reason := "estimate unavailable: download failed"
		if own.Error != "" && p.cfg.Mode == UploadAuto {
			reason = own.Error + "; " + reason
		}
		return Failed(KindUpload, reason)
	}
	return Result{
		Kind:      KindUpload,
		Value:     download.Value * p.cfg.EstimateFraction,
		Estimated: true,
		Endpoint:  "estimate",
		Succeeded: true,
	}
}

func (p *UploadProbe) newPayload() ([]byte, error) {
	size := p.cfg.PayloadSize
	if size <= 0 || size > MaxUploadPayload {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadSize, size, MaxUploadPayload)
	}
	if free := p.freeMemory(); free > 0 && uint64(size) > free/2 {
		return nil, fmt.Errorf("%w: %d bytes exceeds half of free memory (%d)", ErrPayloadSize, size, free)
	}

	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("failed to fill upload payload: %w", err)
	}
	return payload, nil
}

func (p *UploadProbe) attempt(ctx context.Context, c EndpointCandidate, payload []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	body := &sentCounter{r: bytes.NewReader(payload), total: int64(len(payload)), clock: p.clock}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
	if err != nil {
		return Result{}, err
	}
	req.ContentLength = body.total
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	answered := p.clock.Now()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSinkResponse))
	resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Result{}, err
	}

	// The clock stops at the later of the last payload byte and the answer.
	sent, wroteAt := body.sent()
	if sent < body.total {
		return Result{}, fmt.Errorf("sink answered after %d of %d payload bytes", sent, body.total)
	}
	end := answered
	if wroteAt.After(end) {
		end = wroteAt
	}
	elapsed := end.Sub(start)

	return Result{
		Kind:      KindUpload,
		Value:     Mbps(sent, elapsed),
		Endpoint:  c.Label(),
		Bytes:     sent,
		Elapsed:   elapsed,
		Succeeded: true,
	}, nil
}

// sentCounter counts the payload bytes taken by the transport and notes
// when the last one was taken.
type sentCounter struct {
	r     io.Reader
	total int64
	clock clock.Clock

	mu      sync.Mutex
	n       int64
	wroteAt time.Time
}

func (s *sentCounter) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	s.mu.Lock()
	s.n += int64(n)
	if s.n >= s.total && s.wroteAt.IsZero() {
		s.wroteAt = s.clock.Now()
	}
	s.mu.Unlock()
	return n, err
}

func (s *sentCounter) sent() (int64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n, s.wroteAt
}
