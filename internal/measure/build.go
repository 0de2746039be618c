package measure

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AbdulRehman2040/speed-test-api/internal/config"
	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
	"github.com/AbdulRehman2040/speed-test-api/internal/safety"
)

// NewRunnerFromConfig builds the probes described by cfg and wraps them in a
// Runner. observer may be nil.
func NewRunnerFromConfig(cfg *config.Config, logger *slog.Logger, observer Observer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	deps := probe.Dependencies{Logger: logger}
	endpointTimeout := cfg.Measurement.EndpointTimeout

	latency := probe.NewLatencyProbe(probe.LatencyConfig{
		Targets:     cfg.Latency.Targets,
		Policy:      probe.LatencyPolicy(cfg.Latency.Policy),
		Timeout:     cfg.Latency.Timeout,
		Concurrency: cfg.Latency.Concurrency,
	}, deps)

	download := probe.NewDownloadProbe(probe.DownloadConfig{
		Candidates:     cfg.Download.Candidates,
		RankCandidates: cfg.Download.RankCandidates,
		MinSampleBytes: cfg.Download.MinSampleBytes,
		MaxDuration:    cfg.Download.MaxDuration,
		Timeout:        endpointTimeout,
	}, deps)

	upload := probe.NewUploadProbe(probe.UploadConfig{
		Mode:             probe.UploadMode(cfg.Upload.Mode),
		EstimateFraction: cfg.Upload.EstimateFraction,
		PayloadSize:      cfg.Upload.PayloadSize,
		Candidates:       cfg.Upload.Candidates,
		Timeout:          endpointTimeout,
	}, deps)

	location, err := newLocationProbe(cfg.Location, deps)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Deadline: cfg.Measurement.Deadline,
		Observer: observer,
		Logger:   logger,
	}
	if cfg.System.Enabled {
		opts.System = NewSystemCache(cfg.System.CacheTTL, nil)
	}

	logger.Debug("measurement runner configured",
		"latency_targets", len(cfg.Latency.Targets),
		"download_candidates", len(cfg.Download.Candidates),
		"upload_mode", cfg.Upload.Mode,
		"geo_providers", len(cfg.Location.GeoProviders),
		"deadline", cfg.Measurement.Deadline,
	)

	return NewRunner(Probes{
		Latency:  latency,
		Download: download,
		Upload:   upload,
		Location: location,
	}, opts), nil
}

func newLocationProbe(cfg config.LocationConfig, deps probe.Dependencies) (*probe.LocationProbe, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := safety.NewHTTPClient(timeout)

	var addrs []probe.AddressProvider
	for _, ap := range cfg.AddressProviders {
		switch ap.Kind {
		case "http":
			addrs = append(addrs, &probe.HTTPAddressProvider{ProviderName: ap.Name, URL: ap.URL, Client: client})
		case "json":
			addrs = append(addrs, &probe.HTTPAddressProvider{ProviderName: ap.Name, URL: ap.URL, Field: ap.Field, Client: client})
		case "stun":
			addrs = append(addrs, &probe.STUNAddressProvider{ProviderName: ap.Name, Server: ap.Server, Timeout: timeout})
		default:
			return nil, fmt.Errorf("unknown address provider kind %q", ap.Kind)
		}
	}

	var geos []probe.GeoProvider
	for _, gp := range cfg.GeoProviders {
		switch gp.Kind {
		case "json":
			geos = append(geos, &probe.JSONGeoProvider{
				ProviderName: gp.Name,
				URLTemplate:  gp.URL,
				Fields:       gp.Fields,
				SuccessField: gp.SuccessField,
				SuccessValue: gp.SuccessValue,
				Client:       client,
			})
		case "mmdb":
			geos = append(geos, probe.OpenMMDBGeoProvider(gp.Name, gp.CityDB, gp.ISPDB))
		default:
			return nil, fmt.Errorf("unknown geo provider kind %q", gp.Kind)
		}
	}

	return probe.NewLocationProbe(probe.LocationConfig{
		AddressProviders: addrs,
		GeoProviders:     geos,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
	}, deps), nil
}
