package workerpool

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostMetrics is the system-level snapshot returned by SampleHealth,
// grounded on the agent.HostMetrics but sampled through gopsutil.
// SampleHealth is not called by the worker pool or the controller, and no
// heartbeat or WorkerStatus message carries these snapshots.
type HostMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemTotal   uint64  `json:"mem_total"`
	MemUsed    uint64  `json:"mem_used"`
}

// ProcessMetrics is the worker process's own resource usage, grounded on
// the agent.ProcessMetrics.
type ProcessMetrics struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	NumThreads int32   `json:"num_threads"`
}

// SampleHealth collects one HostMetrics/ProcessMetrics pair. Host CPU is
// sampled with a zero interval, so the call does not block; it reports
// usage since the previous call.
func SampleHealth(ctx context.Context) (HostMetrics, ProcessMetrics, error) {
	var host HostMetrics
	var proc ProcessMetrics

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		host.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		host.MemTotal = vm.Total
		host.MemUsed = vm.Used
	}

	pid := int32(os.Getpid())
	proc.PID = pid
	if p, err := process.NewProcess(pid); err == nil {
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			proc.CPUPercent = pct
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			proc.MemRSS = mi.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			proc.NumThreads = n
		}
	}

	return host, proc, nil
}
