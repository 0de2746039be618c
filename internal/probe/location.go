package probe

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"

	"github.com/AbdulRehman2040/speed-test-api/internal/safety"
)

// AddressProvider discovers the public address of this host.
type AddressProvider interface {
	Name() string
	PublicAddress(ctx context.Context) (net.IP, error)
}

// GeoProvider resolves an address to coarse location data.
type GeoProvider interface {
	Name() string
	Lookup(ctx context.Context, ip net.IP) (GeoInfo, error)
}

// LocationConfig configures a LocationProbe.
type LocationConfig struct {
	AddressProviders []AddressProvider
	GeoProviders     []GeoProvider
	CacheSize        int
	CacheTTL         time.Duration
}

// LocationProbe resolves the caller's public address and its location.
type LocationProbe struct {
	addrs  []AddressProvider
	geos   []GeoProvider
	cache  *expirable.LRU[string, GeoInfo]
	logger *slog.Logger
}

// NewLocationProbe creates a LocationProbe. A zero CacheSize disables the
// geo cache.
func NewLocationProbe(cfg LocationConfig, deps Dependencies) *LocationProbe {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &LocationProbe{
		addrs:  cfg.AddressProviders,
		geos:   cfg.GeoProviders,
		logger: logger,
	}
	if cfg.CacheSize > 0 {
		p.cache = expirable.NewLRU[string, GeoInfo](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return p
}

// Kind implements Prober.
func (p *LocationProbe) Kind() Kind { return KindLocation }

// Close closes every geo provider that holds resources.
func (p *LocationProbe) Close() error {
	var errs error
	for _, gp := range p.geos {
		if c, ok := gp.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}

// Probe implements Prober. A client address that is not publicly routable is
// replaced with the one reported by the address providers.
func (p *LocationProbe) Probe(ctx context.Context, in Input) (Result, error) {
	ip := safety.ParseAddr(in.ClientAddr)
	if !safety.IsPublicIP(ip) {
		discovered, _, err := Failover(ctx, p.addrs, AddressProvider.Name, func(ctx context.Context, ap AddressProvider) (net.IP, error) {
			return ap.PublicAddress(ctx)
		})
		if err != nil {
			p.logger.Warn("failed to resolve public address", "client", in.ClientAddr, "error", err)
			return Failed(KindLocation, err.Error()), nil
		}
		ip = discovered
	}

	res := Result{Kind: KindLocation, Address: ip.String()}
	key := ip.String()
	if p.cache != nil {
		if geo, ok := p.cache.Get(key); ok {
			res.Geo = geo
			res.Endpoint = "cache"
			res.Succeeded = true
			return res, nil
		}
	}

	geo, idx, err := Failover(ctx, p.geos, GeoProvider.Name, func(ctx context.Context, gp GeoProvider) (GeoInfo, error) {
		return gp.Lookup(ctx, ip)
	})
	if err != nil {
		p.logger.Warn("all geolocation providers failed", "ip", key, "error", err)
		res.Geo = UnknownGeo()
		res.Error = err.Error()
		return res, nil
	}

	res.Geo = geo.Normalize()
	res.Endpoint = p.geos[idx].Name()
	res.Succeeded = true
	if p.cache != nil {
		p.cache.Add(key, res.Geo)
	}
	return res, nil
}
