// Package sysinfo reports health of the server process itself.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pulse-net/netpulse/pkg/types"
)

// Collector samples process-level stats. Results are cached briefly so the
// health endpoint stays cheap under polling.
type Collector struct {
	startTime time.Time

	mu          sync.RWMutex
	cached      *types.ProcessHealth
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewCollector creates a process stats collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		cacheTTL:  10 * time.Second,
	}
}

// ProcessHealth returns current process stats, cached for a short TTL.
func (c *Collector) ProcessHealth() types.ProcessHealth {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cached
		c.mu.RUnlock()
		return health
	}
	c.mu.RUnlock()

	health := c.collect()

	c.mu.Lock()
	c.cached = &health
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return health
}

func (c *Collector) collect() types.ProcessHealth {
	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return health
	}

	if cpu, err := proc.CPUPercent(); err == nil {
		health.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		health.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if memPct, err := proc.MemoryPercent(); err == nil {
		health.MemoryPercent = float64(memPct)
	}

	return health
}
