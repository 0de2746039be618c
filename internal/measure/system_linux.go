//go:build linux

package measure

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

func cpuInfo() (string, float64) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "unknown", 0
	}
	defer f.Close()

	model, mhz := "unknown", 0.0
	var haveModel, haveMHz bool
	sc := bufio.NewScanner(f)
	for sc.Scan() && !(haveModel && haveMHz) {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "model name", "Model":
			if !haveModel {
				model, haveModel = strings.TrimSpace(val), true
			}
		case "cpu MHz":
			if v, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil && !haveMHz {
				mhz, haveMHz = v, true
			}
		}
	}
	return model, mhz
}

func osType() string { return "Linux" }

func osRelease() string {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

func uptime() time.Duration {
	b, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return time.Since(processStart)
	}
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return time.Since(processStart)
	}
	secs, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return time.Since(processStart)
	}
	return time.Duration(secs * float64(time.Second))
}
