package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
	"github.com/AbdulRehman2040/speed-test-api/internal/safety"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "speedtest"

// Config is the top-level configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Latency     LatencyConfig     `yaml:"latency"`
	Download    DownloadConfig    `yaml:"download"`
	Upload      UploadConfig      `yaml:"upload"`
	Location    LocationConfig    `yaml:"location"`
	System      SystemConfig      `yaml:"system"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen       string          `yaml:"listen" validate:"required"`
	DBPath       string          `yaml:"db_path"`
	HistoryLimit int             `yaml:"history_limit" validate:"gte=0"`
	ReadTimeout  time.Duration   `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration   `yaml:"write_timeout" validate:"gte=0"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For, X-Real-IP and X-Forwarded-Proto headers are honoured.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,ip|cidr"`
}

// RateLimitConfig bounds how often measurements may be requested.
// A zero PerMinute disables limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" validate:"gte=0"`
	Burst     int `yaml:"burst" validate:"gte=0"`
}

// MeasurementConfig holds aggregator settings
type MeasurementConfig struct {
	Deadline        time.Duration `yaml:"deadline" validate:"gt=0"`
	EndpointTimeout time.Duration `yaml:"endpoint_timeout" validate:"gt=0"`
}

// LatencyConfig configures the latency probe
type LatencyConfig struct {
	Policy      string                `yaml:"policy" validate:"oneof=min first"`
	Timeout     time.Duration         `yaml:"timeout" validate:"gte=0"`
	Concurrency int                   `yaml:"concurrency" validate:"gte=0"`
	Targets     []probe.LatencyTarget `yaml:"targets" validate:"dive"`
}

// DownloadConfig configures the download probe
type DownloadConfig struct {
	RankCandidates bool                      `yaml:"rank_candidates"`
	MinSampleBytes int64                     `yaml:"min_sample_bytes" validate:"gte=0"`
	MaxDuration    time.Duration             `yaml:"max_duration" validate:"gte=0"`
	Candidates     []probe.EndpointCandidate `yaml:"candidates" validate:"dive"`
}

// UploadConfig configures the upload probe
type UploadConfig struct {
	Mode             string                    `yaml:"mode" validate:"oneof=measure estimate auto"`
	EstimateFraction float64                   `yaml:"estimate_fraction" validate:"gt=0,lte=1"`
	PayloadSize      int64                     `yaml:"payload_size" validate:"gte=0"`
	// Candidates are checked only when the mode transfers data.
	Candidates []probe.EndpointCandidate `yaml:"candidates"`
}

// LocationConfig configures address discovery and geolocation
type LocationConfig struct {
	Timeout          time.Duration           `yaml:"timeout" validate:"gte=0"`
	CacheTTL         time.Duration           `yaml:"cache_ttl" validate:"gte=0"`
	CacheSize        int                     `yaml:"cache_size" validate:"gte=0"`
	AddressProviders []AddressProviderConfig `yaml:"address_providers" validate:"dive"`
	GeoProviders     []GeoProviderConfig     `yaml:"geo_providers" validate:"dive"`
}

// AddressProviderConfig is a single public-address provider.
// Kind is one of http, json or stun.
type AddressProviderConfig struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind" validate:"oneof=http json stun"`
	URL    string `yaml:"url,omitempty" validate:"required_unless=Kind stun,httpurl"`
	Field  string `yaml:"field,omitempty" validate:"required_if=Kind json"`
	Server string `yaml:"server,omitempty" validate:"required_if=Kind stun"`
}

// GeoProviderConfig is a single geolocation provider.
// Kind is one of json or mmdb.
type GeoProviderConfig struct {
	Name         string          `yaml:"name"`
	Kind         string          `yaml:"kind" validate:"oneof=json mmdb"`
	URL          string          `yaml:"url,omitempty" validate:"required_if=Kind json"`
	Fields       probe.GeoFields `yaml:"fields,omitempty"`
	SuccessField string          `yaml:"success_field,omitempty"`
	SuccessValue string          `yaml:"success_value,omitempty"`
	CityDB       string          `yaml:"city_db,omitempty" validate:"required_if=Kind mmdb"`
	ISPDB        string          `yaml:"isp_db,omitempty"`
}

// SystemConfig controls host statistics in reports
type SystemConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       "0.0.0.0:8080",
			DBPath:       "",
			HistoryLimit: 1000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			RateLimit: RateLimitConfig{
				PerMinute: 6,
				Burst:     2,
			},
		},
		Measurement: MeasurementConfig{
			Deadline:        30 * time.Second,
			EndpointTimeout: 15 * time.Second,
		},
		Latency: LatencyConfig{
			Policy:      string(probe.PolicyMin),
			Timeout:     5 * time.Second,
			Concurrency: 4,
			Targets: []probe.LatencyTarget{
				{Name: "google", Kind: probe.TargetHTTP, URL: "https://www.google.com/generate_204"},
				{Name: "cloudflare", Kind: probe.TargetHTTP, URL: "https://1.1.1.1/cdn-cgi/trace"},
				{Name: "dns-google", Kind: probe.TargetDNS, Host: "google.com"},
			},
		},
		Download: DownloadConfig{
			RankCandidates: true,
			MinSampleBytes: 1 << 20,
			MaxDuration:    10 * time.Second,
			Candidates: []probe.EndpointCandidate{
				{Name: "cloudflare", URL: "https://speed.cloudflare.com/__down?bytes=25000000", ExpectedPayloadSize: 25000000, Priority: 1},
				{Name: "ovh", URL: "https://proof.ovh.net/files/100Mb.dat", ExpectedPayloadSize: 12500000, Priority: 2},
				{Name: "hetzner", URL: "https://speed.hetzner.de/100MB.bin", ExpectedPayloadSize: 104857600, Priority: 3},
			},
		},
		Upload: UploadConfig{
			Mode:             string(probe.UploadAuto),
			EstimateFraction: probe.DefaultEstimateFraction,
			PayloadSize:      10 << 20,
			Candidates: []probe.EndpointCandidate{
				{Name: "cloudflare", URL: "https://speed.cloudflare.com/__up", Method: "POST", Priority: 1},
			},
		},
		Location: LocationConfig{
			Timeout:   5 * time.Second,
			CacheTTL:  10 * time.Minute,
			CacheSize: 1024,
			AddressProviders: []AddressProviderConfig{
				{Name: "ipify", Kind: "http", URL: "https://api.ipify.org"},
				{Name: "ipinfo", Kind: "json", URL: "https://ipinfo.io/json", Field: "ip"},
				{Name: "stun-google", Kind: "stun", Server: "stun.l.google.com:19302"},
			},
			GeoProviders: []GeoProviderConfig{
				{
					Name:         "ip-api",
					Kind:         "json",
					URL:          "http://ip-api.com/json/{ip}",
					Fields:       probe.GeoFields{Country: "country", City: "city", Region: "regionName", ISP: "isp"},
					SuccessField: "status",
					SuccessValue: "success",
				},
				{
					Name:         "ipwhois",
					Kind:         "json",
					URL:          "https://ipwho.is/{ip}",
					Fields:       probe.GeoFields{Country: "country", City: "city", Region: "region", ISP: "connection.isp"},
					SuccessField: "success",
					SuccessValue: "true",
				},
				{
					Name:   "geolite2",
					Kind:   "mmdb",
					CityDB: "/usr/share/GeoIP/GeoLite2-City.mmdb",
					ISPDB:  "/usr/share/GeoIP/GeoLite2-ASN.mmdb",
				},
			},
		},
		System: SystemConfig{
			Enabled:  true,
			CacheTTL: 50 * time.Second,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"speedtest.yaml",
		"/etc/speedtest/speedtest.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "speedtest", "speedtest.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// envOverrides lists the settings that may be overridden from the
// environment, e.g. SPEEDTEST_LISTEN or SPEEDTEST_DEADLINE=45s.
type envOverrides struct {
	Listen                 string        `split_words:"true"`
	DBPath                 string        `split_words:"true"`
	TrustedProxies         []string      `split_words:"true"`
	HistoryLimit           *int          `split_words:"true"`
	RatePerMinute          *int          `split_words:"true"`
	RateBurst              *int          `split_words:"true"`
	Deadline               time.Duration `split_words:"true"`
	EndpointTimeout        time.Duration `split_words:"true"`
	LatencyPolicy          string        `split_words:"true"`
	UploadMode             string        `split_words:"true"`
	UploadEstimateFraction *float64      `split_words:"true"`
	SystemEnabled          *bool         `split_words:"true"`
}

// ApplyEnv loads an optional dotenv file and applies SPEEDTEST_* overrides.
// A missing dotenv file is not an error.
func (c *Config) ApplyEnv(dotenvPath string) error {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", dotenvPath, err)
		}
	}

	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}

	if o.Listen != "" {
		c.Server.Listen = o.Listen
	}
	if o.DBPath != "" {
		c.Server.DBPath = o.DBPath
	}
	if len(o.TrustedProxies) > 0 {
		c.Server.TrustedProxies = o.TrustedProxies
	}
	if o.HistoryLimit != nil {
		c.Server.HistoryLimit = *o.HistoryLimit
	}
	if o.RatePerMinute != nil {
		c.Server.RateLimit.PerMinute = *o.RatePerMinute
	}
	if o.RateBurst != nil {
		c.Server.RateLimit.Burst = *o.RateBurst
	}
	if o.Deadline > 0 {
		c.Measurement.Deadline = o.Deadline
	}
	if o.EndpointTimeout > 0 {
		c.Measurement.EndpointTimeout = o.EndpointTimeout
	}
	if o.LatencyPolicy != "" {
		c.Latency.Policy = o.LatencyPolicy
	}
	if o.UploadMode != "" {
		c.Upload.Mode = o.UploadMode
	}
	if o.UploadEstimateFraction != nil {
		c.Upload.EstimateFraction = *o.UploadEstimateFraction
	}
	if o.SystemEnabled != nil {
		c.System.Enabled = *o.SystemEnabled
	}
	return nil
}

// validate checks the declarative rules in the validate struct tags. Field
// names in its errors are the yaml keys.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// httpurl accepts an empty value; pair it with a required rule.
	_ = v.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
		u := fl.Field().String()
		if u == "" {
			return true
		}
		_, err := safety.ValidateHTTPURL(u)
		return err == nil
	})
	return v
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	errs := fieldErrors("", validate.Struct(c))

	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Measurement.Deadline {
		add("server.write_timeout (%s) must exceed measurement.deadline (%s)", c.Server.WriteTimeout, c.Measurement.Deadline)
	}

	for i, gp := range c.Location.GeoProviders {
		if gp.Kind != "json" || gp.URL == "" {
			continue
		}
		if !strings.Contains(gp.URL, "{ip}") {
			add("location.geo_providers[%d].url must contain {ip}", i)
		} else if _, err := safety.ValidateHTTPURL(strings.ReplaceAll(gp.URL, "{ip}", "0.0.0.0")); err != nil {
			add("location.geo_providers[%d].url: %v", i, err)
		}
	}

	// Estimate mode never transfers, so its payload and sinks are unused.
	if probe.UploadMode(c.Upload.Mode) != probe.UploadEstimate {
		if c.Upload.PayloadSize <= 0 || c.Upload.PayloadSize > probe.MaxUploadPayload {
			add("upload.payload_size must be between 1 and %d bytes", probe.MaxUploadPayload)
		}
		for i, cand := range c.Upload.Candidates {
			errs = multierr.Append(errs, fieldErrors(fmt.Sprintf("upload.candidates[%d].", i), validate.Struct(cand)))
		}
	}

	return errs
}

// fieldErrors turns validator errors into one error per field. The root
// struct name is replaced with prefix.
func fieldErrors(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var errs error
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		errs = multierr.Append(errs, describeField(prefix+field, fe))
	}
	return errs
}

func describeField(field string, fe validator.FieldError) error {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s %q must be one of %s", field, fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Errorf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Errorf("%s must not be less than %s", field, fe.Param())
	case "lte":
		return fmt.Errorf("%s must not exceed %s", field, fe.Param())
	case "httpurl":
		_, err := safety.ValidateHTTPURL(fmt.Sprint(fe.Value()))
		return fmt.Errorf("%s: %w", field, err)
	case "ip|cidr":
		return fmt.Errorf("%s %q is not an address or CIDR range", field, fmt.Sprint(fe.Value()))
	default:
		return fmt.Errorf("%s failed the %s rule", field, fe.Tag())
	}
}
