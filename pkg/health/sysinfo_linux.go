//go:build linux

package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SystemMemoryCheck reports unhealthy when system memory usage crosses
// MaxUsagePercent. Buffer and cache pages count as reclaimable, so usage here
// tracks what the kernel would actually refuse an allocation over.
type SystemMemoryCheck struct {
	// MaxUsagePercent is the usage threshold; zero disables the threshold and
	// the check only reports the numbers.
	MaxUsagePercent float64
}

func (c *SystemMemoryCheck) Name() string { return "system_memory" }

func (c *SystemMemoryCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("sysinfo: %v", err)
		return result
	}

	unit := uint64(info.Unit)
	total := info.Totalram * unit
	reclaimable := (info.Freeram + info.Bufferram) * unit
	if total == 0 {
		result.Status = StatusUnhealthy
		result.Error = "sysinfo reported zero total memory"
		return result
	}
	used := 100 * float64(total-reclaimable) / float64(total)

	result.Metadata["total_bytes"] = total
	result.Metadata["reclaimable_bytes"] = reclaimable
	result.Metadata["used_percent"] = used

	if c.MaxUsagePercent > 0 && used > c.MaxUsagePercent {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("memory usage %.1f%% over threshold %.1f%%", used, c.MaxUsagePercent)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("memory usage %.1f%%", used)
	return result
}
