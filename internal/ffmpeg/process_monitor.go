package ffmpeg

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an encoder process.
type ProcessStats struct {
	PID     int  `json:"pid"`
	Running bool `json:"running"`

	CPUPercent     float64 `json:"cpu_percent"`      // Percentage of one core since the previous sample
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"` // Resident Set Size in bytes
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"` // Virtual Memory Size in bytes
	MemoryPercent  float32 `json:"memory_percent"`   // RSS as percentage of total system memory

	// Bytes fed into the encoder input (tracked via CountingWriter)
	BytesWritten uint64  `json:"bytes_written"`
	WriteRateBps float64 `json:"write_rate_bps"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor samples resource usage of an encoder process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool
	proc    *process.Process

	lastBytesWritten uint64
	lastBytesCheck   time.Time

	bytesWritten atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a new process monitor.
func NewProcessMonitor(pid int) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins monitoring the process.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.lastBytesCheck = time.Now()
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop()
}

// Stop stops monitoring the process and marks it as not running.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.stats.Running = false
	pm.mu.Unlock()
}

// Stats returns the current process statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.PID = pm.pid
	stats.StartedAt = pm.startedAt
	stats.BytesWritten = pm.bytesWritten.Load()
	return stats
}

// AddBytesWritten adds to the bytes written counter.
func (pm *ProcessMonitor) AddBytesWritten(n uint64) {
	pm.bytesWritten.Add(n)
}

// SetInterval sets the monitoring interval. Must be called before Start.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	pm.mu.Lock()
	pm.interval = d
	pm.mu.Unlock()
}

func (pm *ProcessMonitor) monitorLoop() {
	defer pm.wg.Done()

	pm.mu.RLock()
	interval := pm.interval
	pm.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.sample()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

// sample takes a snapshot of process statistics.
func (pm *ProcessMonitor) sample() {
	now := time.Now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now
	pm.calculateWriteRate(now)

	if pm.proc == nil {
		proc, err := process.NewProcess(int32(pm.pid)) //nolint:gosec // pid fits in int32
		if err != nil {
			pm.stats.Running = false
			return
		}
		pm.proc = proc
	}

	running, err := pm.proc.IsRunning()
	pm.stats.Running = err == nil && running
	if !pm.stats.Running {
		return
	}

	if cpu, err := pm.proc.Percent(0); err == nil {
		pm.stats.CPUPercent = cpu
	}
	if mem, err := pm.proc.MemoryInfo(); err == nil && mem != nil {
		pm.stats.MemoryRSSBytes = mem.RSS
		pm.stats.MemoryVMSBytes = mem.VMS
	}
	if pct, err := pm.proc.MemoryPercent(); err == nil {
		pm.stats.MemoryPercent = pct
	}
}

// calculateWriteRate updates the input byte rate. Caller holds pm.mu.
func (pm *ProcessMonitor) calculateWriteRate(now time.Time) {
	current := pm.bytesWritten.Load()
	elapsed := now.Sub(pm.lastBytesCheck)

	if elapsed > 0 {
		pm.stats.WriteRateBps = float64(current-pm.lastBytesWritten) / elapsed.Seconds()
	}

	pm.lastBytesWritten = current
	pm.lastBytesCheck = now
}

// CountingWriter wraps an io.Writer and counts bytes written.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter creates a writer that counts bytes and reports to monitor.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{
		w:       w,
		monitor: monitor,
	}
}

// Write implements io.Writer and tracks bytes written.
func (cw *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.AddBytesWritten(uint64(n)) //nolint:gosec // n is non-negative
	}
	return n, err
}
