package measure

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// DefaultDeadline bounds a whole measurement when none is configured.
const DefaultDeadline = 30 * time.Second

// Options configures a Runner.
type Options struct {
	// Deadline is the overall ceiling for one measurement.
	Deadline time.Duration
	// System, when set, adds cached host statistics to every report.
	System   *SystemCache
	Observer Observer
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Runner holds the long-lived probes and hands out one Aggregator per
// measurement.
type Runner struct {
	probes Probes
	opts   Options
}

// NewRunner creates a Runner.
func NewRunner(probes Probes, opts Options) *Runner {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Runner{probes: probes, opts: opts}
}

// Deadline returns the overall measurement deadline.
func (r *Runner) Deadline() time.Duration { return r.opts.Deadline }

// NewAggregator returns a fresh, idle Aggregator.
func (r *Runner) NewAggregator() *Aggregator {
	return &Aggregator{
		probes:   r.probes,
		deadline: r.opts.Deadline,
		system:   r.opts.System,
		observer: r.opts.Observer,
		logger:   r.opts.Logger,
		clock:    r.opts.Clock,
	}
}

// Measure runs one measurement on a new Aggregator.
func (r *Runner) Measure(ctx context.Context, req Request) (*Report, error) {
	return r.NewAggregator().Run(ctx, req)
}

// Close releases resources held by the probes, such as open geo databases.
func (r *Runner) Close() error {
	var errs error
	for _, p := range []any{r.probes.Latency, r.probes.Download, r.probes.Upload, r.probes.Location} {
		if c, ok := p.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
