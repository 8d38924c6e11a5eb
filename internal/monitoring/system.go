package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is the most recent resource sample.
type SystemSnapshot struct {
	RSSBytes      uint64    `json:"rssBytes"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampledAt"`
}

// ProcessCollector samples process and host resources and exports them as
// gauges.
type ProcessCollector struct {
	logger zerolog.Logger
	proc   *process.Process
}

// NewProcessCollector binds to the current process. If the process handle
// cannot be opened only host memory is reported.
func NewProcessCollector(logger zerolog.Logger) *ProcessCollector {
	c := &ProcessCollector{logger: logger.With().Str("component", "system").Logger()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Error().
			Err(err).
			Msg("Failed to get process info")
	} else {
		c.proc = proc
	}
	return c
}

// Run samples every interval until ctx is cancelled and hands each sample
// to sinks. Blocks.
func (c *ProcessCollector) Run(ctx context.Context, interval time.Duration, sinks ...func(SystemSnapshot)) {
	defer RecoverPanic(c.logger, "process_collector", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish := func(snap SystemSnapshot) {
		for _, sink := range sinks {
			sink(snap)
		}
	}

	publish(c.Collect())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish(c.Collect())
		}
	}
}

// Collect takes one sample and updates the gauges.
func (c *ProcessCollector) Collect() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if c.proc != nil {
		if memInfo, err := c.proc.MemoryInfo(); err == nil {
			snap.RSSBytes = memInfo.RSS
		}
		if pct, err := c.proc.Percent(0); err == nil {
			snap.CPUPercent = pct
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vmem.UsedPercent
		if c.proc == nil {
			snap.RSSBytes = vmem.Used
		}
	}

	processRSSBytes.Set(float64(snap.RSSBytes))
	processCPUPercent.Set(snap.CPUPercent)
	systemMemoryPercent.Set(snap.MemoryPercent)
	goroutinesActive.Set(float64(snap.Goroutines))

	return snap
}
