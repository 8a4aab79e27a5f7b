package metrics

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of one worker.
type Usage struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// Sample reads the resource usage of pid.
func Sample(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{
		PID:       pid,
		MemoryRSS: memInfo.RSS,
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// ObserveWorker samples pid and records it under worker. Failures are
// logged at debug level; a worker that just exited has no usage to report.
func (m *Metrics) ObserveWorker(worker string, pid int) {
	if m == nil || pid <= 0 {
		return
	}
	u, err := Sample(int32(pid))
	if err != nil {
		slog.Debug("sample worker failed", "worker", worker, "pid", pid, "error", err)
		return
	}
	m.workerRSS.WithLabelValues(worker).Set(float64(u.MemoryRSS))
	m.workerCPU.WithLabelValues(worker).Set(u.CPUPercent)
	m.threads.WithLabelValues(worker).Set(float64(u.NumThreads))
}
