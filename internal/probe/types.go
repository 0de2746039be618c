package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AbdulRehman2040/speed-test-api/internal/safety"
)

// Kind identifies which measurement a probe performs.
type Kind string

const (
	KindLatency  Kind = "latency"
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindLocation Kind = "location"
)

// Kinds lists every probe kind in report order.
var Kinds = []Kind{KindDownload, KindUpload, KindLatency, KindLocation}

// Unknown is the placeholder for location fields that could not be resolved.
const Unknown = "Unknown"

const userAgent = "speedtest/1.0"

// EndpointCandidate is one externally owned endpoint a probe may use.
// Lower Priority values are tried first.
type EndpointCandidate struct {
	Name                string `yaml:"name" json:"name"`
	URL                 string `yaml:"url" json:"url" validate:"required,httpurl"`
	Method              string `yaml:"method,omitempty" json:"method,omitempty"`
	ExpectedPayloadSize int64  `yaml:"expected_payload_size,omitempty" json:"expected_payload_size,omitempty" validate:"gte=0"`
	Priority            int    `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Label returns the candidate name, or its URL when unnamed.
func (c EndpointCandidate) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.URL
}

// GeoInfo is coarse location data for an address.
type GeoInfo struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Region  string `json:"region"`
	ISP     string `json:"isp"`
}

// UnknownGeo returns a GeoInfo with every field set to Unknown.
func UnknownGeo() GeoInfo {
	return GeoInfo{Country: Unknown, City: Unknown, Region: Unknown, ISP: Unknown}
}

// Normalize trims every field and replaces empty ones with Unknown.
func (g GeoInfo) Normalize() GeoInfo {
	fill := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return Unknown
		}
		return s
	}
	return GeoInfo{
		Country: fill(g.Country),
		City:    fill(g.City),
		Region:  fill(g.Region),
		ISP:     fill(g.ISP),
	}
}

// IsUnknown reports whether no field carries real data.
func (g GeoInfo) IsUnknown() bool {
	n := g.Normalize()
	return n == UnknownGeo()
}

// LatencyStats holds round-trip statistics in milliseconds.
// Current is the value selected by the configured policy.
type LatencyStats struct {
	Current float64
	Average float64
	Min     float64
	Max     float64
}

// Result is the outcome of a single probe run. It is never modified after
// the probe returns it.
type Result struct {
	Kind Kind
	// Value is Mbps for throughput probes and milliseconds for latency.
	Value     float64
	Estimated bool
	Samples   int
	Latency   LatencyStats
	Address   string
	Geo       GeoInfo
	Endpoint  string
	Bytes     int64
	Succeeded bool
	Error     string
	Elapsed   time.Duration
}

// Failed returns the sentinel result for a probe of the given kind.
func Failed(kind Kind, reason string) Result {
	r := Result{Kind: kind, Error: reason}
	if kind == KindLocation {
		r.Address = Unknown
		r.Geo = UnknownGeo()
	}
	return r
}

// Input carries per-request facts the probes may use.
type Input struct {
	// ClientAddr is the directly observed caller address, possibly host:port.
	ClientAddr string
}

// Prober runs one kind of measurement. Candidate failures are reported inside
// the Result; a non-nil error means the measurement itself could not be
// carried out and the whole request must fail.
type Prober interface {
	Kind() Kind
	Probe(ctx context.Context, in Input) (Result, error)
}

// Finalizer is implemented by probes whose result depends on another probe's
// outcome. Finalize runs after every probe has reported.
type Finalizer interface {
	Finalize(own, download Result) Result
}

// HTTPStatusError represents a non-success HTTP response from a candidate.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
}

// Dependencies are the collaborators shared by all probes.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clock.Clock
}

func (d Dependencies) withDefaults(timeout time.Duration) Dependencies {
	if d.HTTPClient == nil {
		d.HTTPClient = safety.NewHTTPClient(timeout)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return d
}

// Mbps converts a byte count transferred over elapsed into megabits per
// second, using 1 Mbit = 1024*1024 bits.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if bytes <= 0 || secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (1024 * 1024) / secs
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}
