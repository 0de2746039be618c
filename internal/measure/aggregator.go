package measure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
)

// State is the lifecycle stage of an Aggregator.
type State int32

const (
	StateIdle State = iota
	StateDispatched
	StateCollecting
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Failure reasons recorded for probes that never reported.
const (
	ReasonDeadline      = "deadline exceeded"
	ReasonCanceled      = "measurement canceled"
	ReasonNotConfigured = "probe not configured"
)

// ErrAggregatorUsed is returned when Run is called more than once.
var ErrAggregatorUsed = errors.New("aggregator already used")

// FaultError is a failure that aborts the whole measurement.
type FaultError struct {
	Kind probe.Kind
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s probe fault: %v", e.Kind, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Probes is the fixed set of probes a measurement runs. A nil probe yields
// its failure sentinel.
type Probes struct {
	Latency  probe.Prober
	Download probe.Prober
	Upload   probe.Prober
	Location probe.Prober
}

func (p Probes) byKind(kind probe.Kind) probe.Prober {
	switch kind {
	case probe.KindLatency:
		return p.Latency
	case probe.KindDownload:
		return p.Download
	case probe.KindUpload:
		return p.Upload
	case probe.KindLocation:
		return p.Location
	}
	return nil
}

// Observer receives measurement outcomes, e.g. for metrics.
type Observer interface {
	ObserveProbe(res probe.Result)
	ObserveMeasurement(elapsed time.Duration, err error)
}

// Request carries the per-request inputs of a measurement.
type Request struct {
	ClientAddr string
	Network    *NetworkInfo
}

type outcome struct {
	res probe.Result
	err error
}

// Aggregator runs every probe of one measurement concurrently and merges
// their results. An Aggregator is single-use.
type Aggregator struct {
	probes   Probes
	deadline time.Duration
	system   *SystemCache
	observer Observer
	logger   *slog.Logger
	clock    clock.Clock

	state atomic.Int32
}

// State returns the current lifecycle stage.
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

// Run dispatches all probes, waits for them up to the overall deadline and
// builds the report. Probes still running at the deadline are abandoned and
// reported as failed. An error is returned only for faults that prevent a
// report from being built.
func (a *Aggregator) Run(ctx context.Context, req Request) (*Report, error) {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateDispatched)) {
		return nil, ErrAggregatorUsed
	}
	defer a.state.Store(int32(StateComplete))

	start := a.clock.Now()
	report, err := a.run(ctx, req)
	if a.observer != nil {
		a.observer.ObserveMeasurement(a.clock.Since(start), err)
	}
	if err != nil {
		a.logger.Error("measurement failed", "error", err)
		return nil, err
	}

	a.logger.Info("measurement complete",
		"download", FormatMbps(report.DownloadMbps()),
		"upload", FormatMbps(report.UploadMbps()),
		"upload_estimated", report.UploadEstimated(),
		"ping", FormatMs(report.PingMs()),
		"ip", report.IP(),
		"failed", report.FailedProbes(),
		"elapsed", a.clock.Since(start),
	)
	return report, nil
}

func (a *Aggregator) run(ctx context.Context, req Request) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	in := probe.Input{ClientAddr: req.ClientAddr}
	slots := make([]chan outcome, len(probe.Kinds))
	for i, kind := range probe.Kinds {
		ch := make(chan outcome, 1)
		slots[i] = ch
		p := a.probes.byKind(kind)
		if p == nil {
			ch <- outcome{res: probe.Failed(kind, ReasonNotConfigured)}
			continue
		}
		go dispatch(ctx, p, in, ch)
	}
	a.state.Store(int32(StateCollecting))

	results := make(map[probe.Kind]probe.Result, len(slots))
	for i, kind := range probe.Kinds {
		o := collect(ctx, slots[i], kind)
		if o.err != nil {
			return nil, &FaultError{Kind: kind, Err: o.err}
		}
		res := o.res
		res.Kind = kind
		if !res.Succeeded && res.Error != "" {
			a.logger.Warn("probe failed", "probe", kind, "error", res.Error)
		}
		results[kind] = res
	}

	if f, ok := a.probes.Upload.(probe.Finalizer); ok {
		results[probe.KindUpload] = f.Finalize(results[probe.KindUpload], results[probe.KindDownload])
	}

	location := results[probe.KindLocation]
	if location.Address == "" {
		location.Address = probe.Unknown
	}
	location.Geo = location.Geo.Normalize()
	results[probe.KindLocation] = location

	if a.observer != nil {
		for _, kind := range probe.Kinds {
			a.observer.ObserveProbe(results[kind])
		}
	}

	report := &Report{
		Timestamp: a.clock.Now().UTC(),
		Download:  results[probe.KindDownload],
		Upload:    results[probe.KindUpload],
		Latency:   results[probe.KindLatency],
		Location:  results[probe.KindLocation],
		Network:   req.Network,
	}
	if a.system != nil {
		stats := a.system.Get()
		report.System = &stats
	}
	return report, nil
}

// dispatch runs one probe and delivers exactly one outcome on ch.
func dispatch(ctx context.Context, p probe.Prober, in probe.Input, ch chan<- outcome) {
	defer func() {
		if r := recover(); r != nil {
			ch <- outcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res, err := p.Probe(ctx, in)
	if err != nil {
		ch <- outcome{err: err}
		return
	}
	ch <- outcome{res: res}
}

// collect waits for a probe's outcome until ctx is done. An outcome that is
// already available wins over an expired deadline.
func collect(ctx context.Context, ch <-chan outcome, kind probe.Kind) outcome {
	select {
	case o := <-ch:
		return o
	default:
	}
	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		reason := ReasonCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonDeadline
		}
		return outcome{res: probe.Failed(kind, reason)}
	}
}
