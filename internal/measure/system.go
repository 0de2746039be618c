package measure

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
)

const gib = 1024 * 1024 * 1024

var processStart = time.Now()

// CPUStats describes the host processor.
type CPUStats struct {
	Cores    int     `json:"cores"`
	Model    string  `json:"model"`
	SpeedMHz float64 `json:"speed_mhz"`
}

// MemoryStats describes host memory in gigabytes.
type MemoryStats struct {
	Total string `json:"total"`
	Free  string `json:"free"`
	Used  string `json:"used"`
}

// OSStats describes the host operating system.
type OSStats struct {
	Platform string `json:"platform"`
	Type     string `json:"type"`
	Release  string `json:"release"`
	Arch     string `json:"arch"`
	Uptime   string `json:"uptime"`
}

// SystemStats is a snapshot of host statistics.
type SystemStats struct {
	CPU    CPUStats    `json:"cpu"`
	Memory MemoryStats `json:"memory"`
	OS     OSStats     `json:"os"`
}

// SystemCache holds the most recent SystemStats snapshot and refreshes it
// once it is older than the TTL.
type SystemCache struct {
	ttl     time.Duration
	clock   clock.Clock
	collect func() SystemStats

	mu      sync.Mutex
	stats   SystemStats
	takenAt time.Time
	valid   bool
}

// NewSystemCache creates a cache that collects host statistics at most once
// per ttl.
func NewSystemCache(ttl time.Duration, clk clock.Clock) *SystemCache {
	if clk == nil {
		clk = clock.New()
	}
	return &SystemCache{ttl: ttl, clock: clk, collect: collectSystemStats}
}

// Get returns the cached snapshot, collecting a new one when stale.
func (c *SystemCache) Get() SystemStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.valid && now.Sub(c.takenAt) < c.ttl {
		return c.stats
	}
	c.stats = c.collect()
	c.takenAt = now
	c.valid = true
	return c.stats
}

func collectSystemStats() SystemStats {
	total := memory.TotalMemory()
	free := memory.FreeMemory()
	used := uint64(0)
	if total > free {
		used = total - free
	}

	model, mhz := cpuInfo()
	return SystemStats{
		CPU: CPUStats{
			Cores:    runtime.NumCPU(),
			Model:    model,
			SpeedMHz: mhz,
		},
		Memory: MemoryStats{
			Total: formatGB(total),
			Free:  formatGB(free),
			Used:  formatGB(used),
		},
		OS: OSStats{
			Platform: runtime.GOOS,
			Type:     osType(),
			Release:  osRelease(),
			Arch:     runtime.GOARCH,
			Uptime:   fmt.Sprintf("%.2f hours", uptime().Hours()),
		},
	}
}

func formatGB(b uint64) string {
	return fmt.Sprintf("%.2f GB", float64(b)/gib)
}
