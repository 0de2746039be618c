package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"listen address", func(c *Config) string { return c.Server.Listen }, "0.0.0.0:8080"},
		{"db path", func(c *Config) string { return c.Server.DBPath }, ""},
		{"deadline", func(c *Config) string { return c.Measurement.Deadline.String() }, "30s"},
		{"latency policy", func(c *Config) string { return c.Latency.Policy }, "min"},
		{"upload mode", func(c *Config) string { return c.Upload.Mode }, "auto"},
		{"system cache ttl", func(c *Config) string { return c.System.CacheTTL.String() }, "50s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Upload.EstimateFraction != 0.3 {
		t.Errorf("Upload.EstimateFraction = %v, want 0.3", cfg.Upload.EstimateFraction)
	}
	if !cfg.System.Enabled {
		t.Errorf("System.Enabled = false, want true")
	}
	if len(cfg.Download.Candidates) == 0 {
		t.Errorf("Download.Candidates is empty")
	}
	if len(cfg.Location.GeoProviders) < 2 {
		t.Errorf("GeoProviders length = %d, want at least 2 for failover", len(cfg.Location.GeoProviders))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "speedtest.yaml")

	configContent := `
server:
  listen: "127.0.0.1:9000"
  db_path: "/custom/data/history.db"
  rate_limit:
    per_minute: 0
measurement:
  deadline: 45s
latency:
  policy: first
  targets:
    - name: local
      kind: http
      url: http://127.0.0.1:9999/ping
    - name: resolver
      kind: dns
      host: example.com
      resolver: 192.0.2.53
download:
  candidates:
    - name: mirror
      url: https://mirror.example.com/10MB.bin
      expected_payload_size: 10485760
      priority: 5
upload:
  mode: estimate
  estimate_fraction: 0.25
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q, want %q", cfg.Server.Listen, "127.0.0.1:9000")
	}
	if cfg.Server.DBPath != "/custom/data/history.db" {
		t.Errorf("DBPath = %q", cfg.Server.DBPath)
	}
	if cfg.Server.RateLimit.PerMinute != 0 {
		t.Errorf("RateLimit.PerMinute = %d, want 0", cfg.Server.RateLimit.PerMinute)
	}
	if cfg.Measurement.Deadline != 45*time.Second {
		t.Errorf("Deadline = %v, want 45s", cfg.Measurement.Deadline)
	}
	if cfg.Latency.Policy != "first" {
		t.Errorf("Policy = %q, want first", cfg.Latency.Policy)
	}
	if len(cfg.Latency.Targets) != 2 || cfg.Latency.Targets[1].Kind != probe.TargetDNS {
		t.Fatalf("Targets = %+v", cfg.Latency.Targets)
	}
	if got := cfg.Download.Candidates; len(got) != 1 || got[0].ExpectedPayloadSize != 10485760 || got[0].Priority != 5 {
		t.Errorf("Download.Candidates = %+v", got)
	}
	if cfg.Upload.Mode != "estimate" || cfg.Upload.EstimateFraction != 0.25 {
		t.Errorf("Upload = %+v", cfg.Upload)
	}

	// Unset sections keep their defaults
	if cfg.Measurement.EndpointTimeout != 15*time.Second {
		t.Errorf("EndpointTimeout = %v, want default 15s", cfg.Measurement.EndpointTimeout)
	}
	if cfg.System.CacheTTL != 50*time.Second {
		t.Errorf("System.CacheTTL = %v, want default 50s", cfg.System.CacheTTL)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestLoadInvalidYAML tests loading a malformed config file
func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "speedtest.yaml")
	if err := os.WriteFile(configFile, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

// TestLoadMissingFile tests loading a file that does not exist
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("Load() error = %v, want read error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad policy", func(c *Config) { c.Latency.Policy = "median" }, `latency.policy "median"`},
		{"bad mode", func(c *Config) { c.Upload.Mode = "guess" }, `upload.mode "guess"`},
		{"fraction too large", func(c *Config) { c.Upload.EstimateFraction = 1.5 }, "estimate_fraction"},
		{"payload too large", func(c *Config) { c.Upload.PayloadSize = probe.MaxUploadPayload + 1 }, "payload_size"},
		{"zero deadline", func(c *Config) { c.Measurement.Deadline = 0 }, "measurement.deadline must be greater than 0"},
		{"negative history limit", func(c *Config) { c.Server.HistoryLimit = -1 }, "server.history_limit must not be less than 0"},
		{"negative burst", func(c *Config) { c.Server.RateLimit.Burst = -2 }, "server.rate_limit.burst"},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen is required"},
		{"zero fraction", func(c *Config) { c.Upload.EstimateFraction = 0 }, "upload.estimate_fraction must be greater than 0"},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"proxy.internal"} }, `server.trusted_proxies[0] "proxy.internal"`},
		{"negative expected size", func(c *Config) {
			c.Download.Candidates = []probe.EndpointCandidate{{URL: "https://mirror.example.com/f", ExpectedPayloadSize: -1}}
		}, "download.candidates[0].expected_payload_size"},
		{"bad upload sink", func(c *Config) {
			c.Upload.Candidates = []probe.EndpointCandidate{{Name: "sink"}}
		}, "upload.candidates[0].url is required"},
		{"json address provider without field", func(c *Config) {
			c.Location.AddressProviders = []AddressProviderConfig{{Name: "x", Kind: "json", URL: "https://ip.example.com"}}
		}, "location.address_providers[0].field is required"},
		{"stun provider without server", func(c *Config) {
			c.Location.AddressProviders = []AddressProviderConfig{{Name: "x", Kind: "stun"}}
		}, "location.address_providers[0].server is required"},
		{"mmdb without city db", func(c *Config) {
			c.Location.GeoProviders = []GeoProviderConfig{{Name: "x", Kind: "mmdb"}}
		}, "location.geo_providers[0].city_db is required"},
		{"write timeout below deadline", func(c *Config) { c.Server.WriteTimeout = 10 * time.Second }, "write_timeout"},
		{"bad download url", func(c *Config) {
			c.Download.Candidates = []probe.EndpointCandidate{{URL: "ftp://example.com/file"}}
		}, "download.candidates[0]"},
		{"dns target without host", func(c *Config) {
			c.Latency.Targets = []probe.LatencyTarget{{Kind: probe.TargetDNS}}
		}, "latency.targets[0].host is required"},
		{"geo url without placeholder", func(c *Config) {
			c.Location.GeoProviders = []GeoProviderConfig{{Name: "x", Kind: "json", URL: "https://geo.example.com/lookup"}}
		}, "{ip}"},
		{"unknown address provider", func(c *Config) {
			c.Location.AddressProviders = []AddressProviderConfig{{Name: "x", Kind: "carrier-pigeon"}}
		}, `location.address_providers[0].kind "carrier-pigeon" must be one of http, json, stun`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEstimateModeSkipsUploadSinks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upload.Mode = "estimate"
	cfg.Upload.PayloadSize = 0
	cfg.Upload.Candidates = []probe.EndpointCandidate{{Name: "unused"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Latency.Policy = "median"
	cfg.Upload.Mode = "guess"
	cfg.Measurement.EndpointTimeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"latency.policy", "upload.mode", "measurement.endpoint_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want it to mention %s", err, want)
		}
	}
}

func TestValidateTrustedProxies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.TrustedProxies = []string{"127.0.0.1", "::1", "10.0.0.0/8", "fd00::/8"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("SPEEDTEST_UPLOAD_MODE=measure\nSPEEDTEST_RATE_PER_MINUTE=0\n"), 0644); err != nil {
		t.Fatalf("failed to write dotenv: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SPEEDTEST_UPLOAD_MODE")
		os.Unsetenv("SPEEDTEST_RATE_PER_MINUTE")
	})
	t.Setenv("SPEEDTEST_LISTEN", "127.0.0.1:7000")
	t.Setenv("SPEEDTEST_DEADLINE", "40s")
	t.Setenv("SPEEDTEST_SYSTEM_ENABLED", "false")
	t.Setenv("SPEEDTEST_TRUSTED_PROXIES", "127.0.0.1,10.0.0.0/8")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(dotenv); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Measurement.Deadline != 40*time.Second {
		t.Errorf("Deadline = %v, want 40s", cfg.Measurement.Deadline)
	}
	if cfg.System.Enabled {
		t.Errorf("System.Enabled = true, want false")
	}
	if got := cfg.Server.TrustedProxies; len(got) != 2 || got[1] != "10.0.0.0/8" {
		t.Errorf("TrustedProxies = %v, want [127.0.0.1 10.0.0.0/8]", got)
	}
	if cfg.Upload.Mode != "measure" {
		t.Errorf("Upload.Mode = %q, want measure from dotenv", cfg.Upload.Mode)
	}
	if cfg.Server.RateLimit.PerMinute != 0 {
		t.Errorf("RateLimit.PerMinute = %d, want 0 from dotenv", cfg.Server.RateLimit.PerMinute)
	}
	// Untouched settings keep their values
	if cfg.Latency.Policy != "min" {
		t.Errorf("Latency.Policy = %q, want min", cfg.Latency.Policy)
	}
}

func TestApplyEnvMissingDotenv(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("ApplyEnv() error = %v, want nil for missing dotenv", err)
	}
}

// TestFindConfigFile tests config discovery in the working directory
func TestFindConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })

	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	if err := os.WriteFile("speedtest.yaml", []byte("server:\n  listen: \":8081\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() error = %v", err)
	}
	if path != "speedtest.yaml" {
		t.Errorf("FindConfigFile() = %q, want speedtest.yaml", path)
	}
}
