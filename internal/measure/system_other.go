//go:build !linux

package measure

import (
	"runtime"
	"time"
)

// Non-Linux hosts report what the Go runtime knows.
func cpuInfo() (string, float64) { return "unknown", 0 }

func osType() string { return runtime.GOOS }

func osRelease() string { return "unknown" }

func uptime() time.Duration { return time.Since(processStart) }
