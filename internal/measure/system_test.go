package measure

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestSystemCacheRefreshesAfterTTL(t *testing.T) {
	clk := clock.NewMock()
	cache := NewSystemCache(50*time.Second, clk)

	calls := 0
	cache.collect = func() SystemStats {
		calls++
		return SystemStats{CPU: CPUStats{Cores: calls}}
	}

	assert.Equal(t, 1, cache.Get().CPU.Cores)
	clk.Add(49 * time.Second)
	assert.Equal(t, 1, cache.Get().CPU.Cores)
	clk.Add(time.Second)
	assert.Equal(t, 2, cache.Get().CPU.Cores)
	assert.Equal(t, 2, calls)
}

func TestSystemCacheZeroTTLAlwaysCollects(t *testing.T) {
	cache := NewSystemCache(0, clock.NewMock())
	calls := 0
	cache.collect = func() SystemStats {
		calls++
		return SystemStats{}
	}

	cache.Get()
	cache.Get()
	assert.Equal(t, 2, calls)
}

func TestCollectSystemStats(t *testing.T) {
	stats := collectSystemStats()

	assert.Equal(t, runtime.NumCPU(), stats.CPU.Cores)
	assert.NotEmpty(t, stats.CPU.Model)
	assert.Equal(t, runtime.GOOS, stats.OS.Platform)
	assert.Equal(t, runtime.GOARCH, stats.OS.Arch)
	assert.True(t, strings.HasSuffix(stats.OS.Uptime, " hours"), stats.OS.Uptime)
	for _, v := range []string{stats.Memory.Total, stats.Memory.Free, stats.Memory.Used} {
		assert.True(t, strings.HasSuffix(v, " GB"), v)
	}
}

func TestFormatGB(t *testing.T) {
	assert.Equal(t, "1.00 GB", formatGB(gib))
	assert.Equal(t, "1.50 GB", formatGB(gib+gib/2))
	assert.Equal(t, "0.00 GB", formatGB(0))
}
