package async

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/postpulse/errors"
)

const bytesPerGB = 1 << 30

// SystemMetrics is the worker pool's view of host and queue load, logged on
// every ticker pass.
type SystemMetrics struct {
	WorkersActive  int           `json:"workers_active"`
	WorkersTotal   int           `json:"workers_total"`
	JobsProcessed  int           `json:"jobs_processed"`
	Uptime         time.Duration `json:"uptime"`
	JobsPending    int           `json:"jobs_pending"`
	JobsProcessing int           `json:"jobs_processing"`
	MemoryUsedGB   float64       `json:"memory_used_gb"`
	MemoryTotalGB  float64       `json:"memory_total_gb"`
	MemoryPercent  float64       `json:"memory_percent"`
	ProcessRSSMB   float64       `json:"process_rss_mb"` // Zero when the process table is unreadable
}

func hostMemory() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

func processRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to open own process")
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read process memory")
	}
	return info.RSS, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// Workers mostly wait on the network, so each needs little.
func calculateSafeWorkerCount(availableGB float64) int {
	const (
		perWorkerGB = 0.25
		reservedGB  = 1.0
		maxWorkers  = 64
	)
	n := int((availableGB - reservedGB) / perWorkerGB)
	switch {
	case n < 1:
		return 1
	case n > maxWorkers:
		return maxWorkers
	}
	return n
}

// GetSystemMetrics samples host memory, this process and the queue. Sampling
// failures leave the affected fields at zero.
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	wp.mu.Lock()
	m := SystemMetrics{
		WorkersActive: wp.activeWorkers,
		WorkersTotal:  wp.workers,
		JobsProcessed: wp.jobsProcessed,
	}
	if !wp.startTime.IsZero() {
		m.Uptime = time.Since(wp.startTime)
	}
	wp.mu.Unlock()

	if total, available, err := hostMemory(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / bytesPerGB
		m.MemoryUsedGB = float64(total-available) / bytesPerGB
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	if rss, err := processRSS(); err == nil {
		m.ProcessRSSMB = float64(rss) / (1 << 20)
	}
	if pending, processing, err := wp.queue.GetJobCounts(context.Background()); err == nil {
		m.JobsPending, m.JobsProcessing = pending, processing
	}
	return m
}

// checkMemoryPressure returns a warning when the configured worker count
// exceeds what available memory supports, or "" when it fits.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := hostMemory()
	if err != nil {
		return ""
	}
	availableGB := float64(available) / bytesPerGB
	recommended := calculateSafeWorkerCount(availableGB)
	if wp.workers <= recommended {
		return ""
	}
	return fmt.Sprintf("Worker count (%d) exceeds recommended (%d) for available memory (%.1f of %.1fGB free)",
		wp.workers, recommended, availableGB, float64(total)/bytesPerGB)
}
