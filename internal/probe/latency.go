package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// TargetKind selects how a latency target is contacted.
type TargetKind string

const (
	TargetHTTP TargetKind = "http"
	TargetDNS  TargetKind = "dns"
)

// LatencyPolicy decides which sample becomes the reported latency.
type LatencyPolicy string

const (
	// PolicyMin reports the fastest sample across all targets.
	PolicyMin LatencyPolicy = "min"
	// PolicyFirst reports the sample of the first configured target that answered.
	PolicyFirst LatencyPolicy = "first"
)

const resolvConf = "/etc/resolv.conf"

// LatencyTarget is one reachability target.
type LatencyTarget struct {
	Name     string     `yaml:"name"`
	Kind     TargetKind `yaml:"kind" validate:"omitempty,oneof=http dns"`
	URL      string     `yaml:"url,omitempty" validate:"required_unless=Kind dns,httpurl"`
	Host     string     `yaml:"host,omitempty" validate:"required_if=Kind dns"`
	Resolver string     `yaml:"resolver,omitempty"`
}

// Label returns the target name or its address.
func (t LatencyTarget) Label() string {
	switch {
	case t.Name != "":
		return t.Name
	case t.URL != "":
		return t.URL
	default:
		return t.Host
	}
}

// LatencyConfig configures a LatencyProbe.
type LatencyConfig struct {
	Targets     []LatencyTarget
	Policy      LatencyPolicy
	Timeout     time.Duration
	Concurrency int
}

// LatencyProbe measures round-trip time to every target concurrently.
type LatencyProbe struct {
	cfg     LatencyConfig
	client  *http.Client
	logger  *slog.Logger
	clock   clock.Clock
	measure func(ctx context.Context, t LatencyTarget) (time.Duration, error)
}

// NewLatencyProbe creates a LatencyProbe.
func NewLatencyProbe(cfg LatencyConfig, deps Dependencies) *LatencyProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyMin
	}
	deps = deps.withDefaults(cfg.Timeout)
	p := &LatencyProbe{
		cfg:    cfg,
		client: deps.HTTPClient,
		logger: deps.Logger,
		clock:  deps.Clock,
	}
	p.measure = p.measureTarget
	return p
}

// Kind implements Prober.
func (p *LatencyProbe) Kind() Kind { return KindLatency }

// Probe implements Prober. Targets are independent; one that fails or times
// out contributes no sample. When none answer the failure sentinel is returned.
func (p *LatencyProbe) Probe(ctx context.Context, _ Input) (Result, error) {
	if len(p.cfg.Targets) == 0 {
		return Failed(KindLatency, ErrNoCandidates.Error()), nil
	}

	samples := make([]time.Duration, len(p.cfg.Targets))
	errs := make([]error, len(p.cfg.Targets))

	var g errgroup.Group
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, t := range p.cfg.Targets {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			d, err := p.measure(tctx, t)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.Label(), err)
				p.logger.Debug("latency target failed", "target", t.Label(), "error", err)
				return nil
			}
			samples[i] = d
			return nil
		})
	}
	_ = g.Wait()

	var (
		ok     []time.Duration
		joined error
	)
	for i := range samples {
		if errs[i] != nil {
			joined = multierr.Append(joined, errs[i])
			continue
		}
		ok = append(ok, samples[i])
	}
	if len(ok) == 0 {
		p.logger.Warn("all latency targets failed", "targets", len(p.cfg.Targets), "error", joined)
		return Failed(KindLatency, joined.Error()), nil
	}

	stats := summarize(ok, p.cfg.Policy)
	return Result{
		Kind:      KindLatency,
		Value:     stats.Current,
		Latency:   stats,
		Samples:   len(ok),
		Succeeded: true,
	}, nil
}

// summarize computes latency statistics over ordered samples.
func summarize(samples []time.Duration, policy LatencyPolicy) LatencyStats {
	minD, maxD := samples[0], samples[0]
	var total time.Duration
	for _, s := range samples {
		total += s
		if s < minD {
			minD = s
		}
		if s > maxD {
			maxD = s
		}
	}
	stats := LatencyStats{
		Min:     milliseconds(minD),
		Max:     milliseconds(maxD),
		Average: milliseconds(total) / float64(len(samples)),
	}
	if policy == PolicyFirst {
		stats.Current = milliseconds(samples[0])
	} else {
		stats.Current = stats.Min
	}
	return stats
}

func (p *LatencyProbe) measureTarget(ctx context.Context, t LatencyTarget) (time.Duration, error) {
	switch t.Kind {
	case TargetDNS:
		return p.measureDNS(ctx, t)
	case TargetHTTP, "":
		return p.measureHTTP(ctx, t)
	default:
		return 0, fmt.Errorf("unsupported target kind %q", t.Kind)
	}
}

// measureHTTP times a HEAD request from send to the first response byte.
func (p *LatencyProbe) measureHTTP(ctx context.Context, t LatencyTarget) (time.Duration, error) {
	var firstByte time.Duration
	start := p.clock.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = p.clock.Since(start)
		},
	}

	req, err := newRequest(httptrace.WithClientTrace(ctx, trace), http.MethodHead, t.URL)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if firstByte == 0 {
		firstByte = p.clock.Since(start)
	}
	return firstByte, nil
}

// measureDNS times an A query for the target host.
func (p *LatencyProbe) measureDNS(ctx context.Context, t LatencyTarget) (time.Duration, error) {
	if t.Host == "" {
		return 0, errors.New("dns target has no host")
	}
	server, err := resolverAddr(t.Resolver)
	if err != nil {
		return 0, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(t.Host), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: p.cfg.Timeout}
	in, rtt, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return 0, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("dns query failed: %s", dns.RcodeToString[in.Rcode])
	}
	return rtt, nil
}

func resolverAddr(resolver string) (string, error) {
	if resolver == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return "", fmt.Errorf("failed to read resolver config: %w", err)
		}
		if len(conf.Servers) == 0 {
			return "", errors.New("no nameservers configured")
		}
		return net.JoinHostPort(conf.Servers[0], conf.Port), nil
	}
	if _, _, err := net.SplitHostPort(resolver); err != nil {
		return net.JoinHostPort(resolver, "53"), nil
	}
	return resolver, nil
}
