package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// memoryWarnPercent is the RAM usage above which the monitor logs a warning.
const memoryWarnPercent = 90.0

// HostStats is one CPU and memory sample.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}

// StatusMonitor periodically samples host usage so status requests do not
// block on a CPU measurement window.
type StatusMonitor struct {
	log    zerolog.Logger
	sample func() (HostStats, error)

	mu     sync.RWMutex
	latest HostStats
	valid  bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewStatusMonitor creates a new status monitor
func NewStatusMonitor(log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		log:    log.With().Str("component", "status_monitor").Logger(),
		sample: sampleHost,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins periodic sampling
func (m *StatusMonitor) Start(interval time.Duration) {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.monitor(interval)
	})
}

// Stop ends sampling and waits for the loop to exit. Stop before Start is a no-op.
func (m *StatusMonitor) Stop() {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return
	}

	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

// Latest returns the most recent sample and whether one exists.
func (m *StatusMonitor) Latest() (HostStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.valid
}

func (m *StatusMonitor) monitor(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do initial check
	m.refresh()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *StatusMonitor) refresh() {
	stats, err := m.sample()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample host usage")
		return
	}

	m.mu.Lock()
	m.latest = stats
	m.valid = true
	m.mu.Unlock()

	if stats.MemoryPercent > memoryWarnPercent {
		m.log.Warn().
			Float64("memory_percent", stats.MemoryPercent).
			Msg("Host memory usage is high")
	}
}

// sampleHost measures CPU over 100ms and reads memory usage.
func sampleHost() (HostStats, error) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return HostStats{}, err
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return HostStats{}, err
	}

	stats := HostStats{
		MemoryPercent: memStat.UsedPercent,
		SampledAt:     time.Now(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}
	return stats, nil
}
