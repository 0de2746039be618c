package measure

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
	"github.com/AbdulRehman2040/speed-test-api/internal/store"
)

// TimestampLayout renders report timestamps as UTC ISO-8601 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// NetworkInfo describes the inbound request that triggered a measurement.
type NetworkInfo struct {
	IP          string `json:"ip"`
	Protocol    string `json:"protocol"`
	HTTPVersion string `json:"http_version"`
	UserAgent   string `json:"user_agent"`
}

// Report is the merged outcome of one measurement. Every probe slot is
// populated; failed probes carry their sentinel result.
type Report struct {
	Timestamp time.Time
	Download  probe.Result
	Upload    probe.Result
	Latency   probe.Result
	Location  probe.Result
	Network   *NetworkInfo
	System    *SystemStats
}

// FormatMbps renders a throughput value.
func FormatMbps(v float64) string {
	return fmt.Sprintf("%.2f Mbps", clamp(v))
}

// FormatMs renders a latency value.
func FormatMs(v float64) string {
	return fmt.Sprintf("%.1f ms", clamp(v))
}

func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	return v
}

// DownloadMbps returns the download throughput, zero when unavailable.
func (r *Report) DownloadMbps() float64 { return clamp(r.Download.Value) }

// UploadMbps returns the upload throughput, zero when unavailable.
func (r *Report) UploadMbps() float64 { return clamp(r.Upload.Value) }

// PingMs returns the reported latency, zero when unavailable.
func (r *Report) PingMs() float64 { return clamp(r.Latency.Value) }

// UploadEstimated reports whether the upload value was derived from download.
func (r *Report) UploadEstimated() bool { return r.Upload.Estimated }

// IP returns the resolved public address or Unknown.
func (r *Report) IP() string {
	if r.Location.Address == "" {
		return probe.Unknown
	}
	return r.Location.Address
}

// Geo returns the location with every field populated.
func (r *Report) Geo() probe.GeoInfo { return r.Location.Geo.Normalize() }

// Errors maps each failed probe kind to its failure reason.
func (r *Report) Errors() map[probe.Kind]string {
	errs := make(map[probe.Kind]string)
	for _, res := range []probe.Result{r.Download, r.Upload, r.Latency, r.Location} {
		if !res.Succeeded && res.Error != "" {
			errs[res.Kind] = res.Error
		}
	}
	return errs
}

// FailedProbes lists failed probe kinds in report order.
func (r *Report) FailedProbes() []string {
	var out []string
	for _, res := range []probe.Result{r.Download, r.Upload, r.Latency, r.Location} {
		if !res.Succeeded {
			out = append(out, string(res.Kind))
		}
	}
	return out
}

type latencyJSON struct {
	Current string `json:"current"`
	Average string `json:"average"`
	Min     string `json:"min"`
	Max     string `json:"max"`
}

type reportJSON struct {
	Timestamp       string                `json:"timestamp"`
	Download        string                `json:"download"`
	Upload          string                `json:"upload"`
	UploadEstimated bool                  `json:"upload_estimated"`
	Ping            string                `json:"ping"`
	IP              string                `json:"ip"`
	Location        probe.GeoInfo         `json:"location"`
	Latency         latencyJSON           `json:"latency"`
	Network         *NetworkInfo          `json:"network,omitempty"`
	System          *SystemStats          `json:"system,omitempty"`
	Errors          map[probe.Kind]string `json:"errors,omitempty"`
}

// MarshalJSON renders the report with human-readable units.
func (r *Report) MarshalJSON() ([]byte, error) {
	upload := FormatMbps(r.UploadMbps())
	if r.UploadEstimated() {
		upload += " (estimated)"
	}
	stats := r.Latency.Latency
	doc := reportJSON{
		Timestamp:       r.Timestamp.UTC().Format(TimestampLayout),
		Download:        FormatMbps(r.DownloadMbps()),
		Upload:          upload,
		UploadEstimated: r.UploadEstimated(),
		Ping:            FormatMs(r.PingMs()),
		IP:              r.IP(),
		Location:        r.Geo(),
		Latency: latencyJSON{
			Current: FormatMs(stats.Current),
			Average: FormatMs(stats.Average),
			Min:     FormatMs(stats.Min),
			Max:     FormatMs(stats.Max),
		},
		Network: r.Network,
		System:  r.System,
	}
	if errs := r.Errors(); len(errs) > 0 {
		doc.Errors = errs
	}
	return json.Marshal(doc)
}

// Record converts the report into a history row.
func (r *Report) Record() (*store.Measurement, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	geo := r.Geo()
	return &store.Measurement{
		CreatedAt:       r.Timestamp.UTC(),
		DownloadMbps:    r.DownloadMbps(),
		UploadMbps:      r.UploadMbps(),
		UploadEstimated: r.UploadEstimated(),
		PingMs:          r.PingMs(),
		IP:              r.IP(),
		Country:         geo.Country,
		City:            geo.City,
		Region:          geo.Region,
		ISP:             geo.ISP,
		FailedProbes:    r.FailedProbes(),
		ReportJSON:      string(body),
	}, nil
}
