package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/portfolio-optimizer/internal/database"
	"github.com/aristath/portfolio-optimizer/internal/scheduler"
	"github.com/aristath/portfolio-optimizer/internal/workers"
)

// SystemHandlers serves process and host status
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	pool        *workers.Pool
	historyDB   *database.DB
	scheduler   *scheduler.Scheduler
	monitor     *StatusMonitor
}

// NewSystemHandlers creates a new system handlers instance. historyDB and
// sched may be nil.
func NewSystemHandlers(
	log zerolog.Logger,
	pool *workers.Pool,
	historyDB *database.DB,
	sched *scheduler.Scheduler,
	monitor *StatusMonitor,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		startupTime: time.Now(),
		pool:        pool,
		historyDB:   historyDB,
		scheduler:   sched,
		monitor:     monitor,
	}
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status          string                `json:"status"`
	StartedAt       string                `json:"started_at"`
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	Goroutines      int                   `json:"goroutines"`
	CPUPercent      float64               `json:"cpu_percent"`
	MemoryPercent   float64               `json:"memory_percent"`
	HostSampledAt   string                `json:"host_sampled_at,omitempty"`
	Pool            *workers.Stats        `json:"pool,omitempty"`
	HistoryEnabled  bool                  `json:"history_enabled"`
	HistoryDBSizeMB float64               `json:"history_db_size_mb,omitempty"`
	ScheduledJobs   []scheduler.JobStatus `json:"scheduled_jobs"`
}

// GetSystemStatusSnapshot collects the current status
func (h *SystemHandlers) GetSystemStatusSnapshot(ctx context.Context) SystemStatusResponse {
	response := SystemStatusResponse{
		Status:        "healthy",
		StartedAt:     h.startupTime.Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	host, ok := HostStats{}, false
	if h.monitor != nil {
		host, ok = h.monitor.Latest()
	}
	if !ok {
		var err error
		host, err = sampleHost()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to sample host usage")
		}
	}
	response.CPUPercent = host.CPUPercent
	response.MemoryPercent = host.MemoryPercent
	if !host.SampledAt.IsZero() {
		response.HostSampledAt = host.SampledAt.Format(time.RFC3339)
	}

	if h.pool != nil {
		stats := h.pool.Stats()
		response.Pool = &stats
	}

	if h.historyDB != nil {
		response.HistoryEnabled = true
		if err := h.historyDB.QuickCheck(ctx); err != nil {
			h.log.Warn().Err(err).Msg("History database unreachable")
			response.Status = "degraded"
		}
		if info, err := os.Stat(h.historyDB.Path()); err == nil {
			response.HistoryDBSizeMB = float64(info.Size()) / 1024 / 1024
		}
	}

	if h.scheduler != nil {
		response.ScheduledJobs = h.scheduler.Jobs()
	}

	return response
}

// HandleSystemStatus returns process and host status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	response := h.GetSystemStatusSnapshot(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}
