package worker

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// sysinfoCacheTTL bounds how often the host is probed; concurrent
// callers inside the window share one reading.
const sysinfoCacheTTL = 150 * time.Millisecond

// SysInfo reports host CPU and RAM utilization as fractions of capacity.
type SysInfo struct {
	mu      sync.Mutex
	cpuFrac float64
	ramFrac float64
	taken   time.Time
}

func NewSysInfo() *SysInfo {
	return &SysInfo{}
}

// Read returns the current CPU and RAM fractions, served from a short
// cache. Probe errors report zero so a metrics hiccup never wedges the
// worker loop closed.
func (s *SysInfo) Read() (cpuFrac, ramFrac float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.taken) < sysinfoCacheTTL {
		return s.cpuFrac, s.ramFrac
	}

	s.cpuFrac, s.ramFrac = 0, 0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.cpuFrac = percents[0] / 100
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.ramFrac = vm.UsedPercent / 100
	}
	s.taken = time.Now()
	return s.cpuFrac, s.ramFrac
}
