package limits

import (
	"math"
	"sync/atomic"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
)

// Rejection reasons reported by ShouldAcceptConnection. They double as
// rejection metric labels.
const (
	RejectCPUOverload    = "cpu_overload"
	RejectMemoryLimit    = "memory_limit"
	RejectGoroutineLimit = "goroutine_limit"
)

// ResourceGuardConfig holds static resource limits. A zero limit disables
// its check.
type ResourceGuardConfig struct {
	CPURejectThreshold float64 // process CPU % above which upgrades are refused
	CPUPauseThreshold  float64 // process CPU % above which ingest is paused
	MemoryLimit        int64   // RSS bytes
	MaxGoroutines      int

	Logger zerolog.Logger
}

// ResourceGuard is the emergency brake for admission and ingest.
//
// It does no sampling of its own. The process collector feeds it through
// UpdateResources and the checks read the last sample, so a check never
// blocks on a syscall.
type ResourceGuard struct {
	config ResourceGuardConfig
	logger zerolog.Logger

	cpuBits    atomic.Uint64 // math.Float64bits of CPU percent
	memory     atomic.Int64
	goroutines atomic.Int64
	samples    atomic.Uint64
}

func NewResourceGuard(config ResourceGuardConfig) *ResourceGuard {
	rg := &ResourceGuard{
		config: config,
		logger: config.Logger.With().Str("component", "resource_guard").Logger(),
	}

	rg.logger.Info().
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Float64("cpu_pause_threshold", config.CPUPauseThreshold).
		Int64("memory_limit", config.MemoryLimit).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized")

	return rg
}

// UpdateResources stores the latest process sample.
func (rg *ResourceGuard) UpdateResources(snap monitoring.SystemSnapshot) {
	rg.cpuBits.Store(math.Float64bits(snap.CPUPercent))
	rg.memory.Store(int64(snap.RSSBytes))
	rg.goroutines.Store(int64(snap.Goroutines))
	rg.samples.Add(1)

	rg.logger.Debug().
		Float64("cpu_percent", snap.CPUPercent).
		Int64("memory_mb", int64(snap.RSSBytes)/(1024*1024)).
		Int("goroutines", snap.Goroutines).
		Msg("Resource state updated")
}

func (rg *ResourceGuard) cpu() float64 {
	return math.Float64frombits(rg.cpuBits.Load())
}

// ShouldAcceptConnection checks, in order, the CPU, memory and goroutine
// brakes against the last sample. On rejection reason is one of the
// Reject* constants.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if limit := rg.config.CPURejectThreshold; limit > 0 {
		if cpu := rg.cpu(); cpu > limit {
			rg.logger.Debug().
				Float64("current_cpu", cpu).
				Float64("threshold", limit).
				Msg("Connection rejected: CPU overload")
			return false, RejectCPUOverload
		}
	}

	if limit := rg.config.MemoryLimit; limit > 0 {
		if memory := rg.memory.Load(); memory > limit {
			rg.logger.Debug().
				Int64("current_memory_mb", memory/(1024*1024)).
				Int64("limit_mb", limit/(1024*1024)).
				Msg("Connection rejected: memory limit exceeded")
			return false, RejectMemoryLimit
		}
	}

	if limit := rg.config.MaxGoroutines; limit > 0 {
		if goros := rg.goroutines.Load(); goros > int64(limit) {
			rg.logger.Debug().
				Int64("current_goroutines", goros).
				Int("max_goroutines", limit).
				Msg("Connection rejected: goroutine limit exceeded")
			return false, RejectGoroutineLimit
		}
	}

	return true, "OK"
}

// ShouldPauseIngest reports whether upstream consumption should back off.
func (rg *ResourceGuard) ShouldPauseIngest() bool {
	limit := rg.config.CPUPauseThreshold
	return limit > 0 && rg.cpu() > limit
}

// GetStats returns the last sample next to the configured limits.
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"cpu_percent":          rg.cpu(),
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"cpu_pause_threshold":  rg.config.CPUPauseThreshold,
		"memory_bytes":         rg.memory.Load(),
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"goroutines_current":   rg.goroutines.Load(),
		"goroutines_limit":     rg.config.MaxGoroutines,
		"samples":              rg.samples.Load(),
	}
}
