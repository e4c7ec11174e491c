package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/reliability"
	"github.com/aristath/adpilot/internal/work"
)

// BackupLister lists stored database backups
type BackupLister interface {
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
}

// SystemHandlers serves process and database diagnostics
type SystemHandlers struct {
	databases []*database.DB
	processor *work.Processor
	backups   BackupLister
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(databases []*database.DB, processor *work.Processor, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		databases: databases,
		processor: processor,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// SystemStatsResponse is the process and host snapshot
type SystemStatsResponse struct {
	WorkTypes     []work.TypeStatus `json:"work_types"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
}

// DatabaseStats is one database's size and page statistics
type DatabaseStats struct {
	Stats *database.Stats `json:"stats,omitempty"`
	Name  string          `json:"name"`
	Error string          `json:"error,omitempty"`
}

// HandleSystemStats returns host load, uptime and background work status
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	resp := SystemStatsResponse{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if h.processor != nil {
		resp.WorkTypes = h.processor.Status()
	}

	writeJSON(w, http.StatusOK, resp, h.log)
}

// HandleDatabaseStats returns file and page statistics for every database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	out := make([]DatabaseStats, 0, len(h.databases))
	for _, db := range h.databases {
		entry := DatabaseStats{Name: db.Name()}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			entry.Error = err.Error()
		} else {
			entry.Stats = stats
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out, h.log)
}

// HandleIntegrityCheck runs a full integrity check on every database
func (h *SystemHandlers) HandleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.databases))
	code := http.StatusOK
	for _, db := range h.databases {
		if err := db.HealthCheck(ctx); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Integrity check failed")
			results[db.Name()] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		results[db.Name()] = "ok"
	}
	writeJSON(w, code, results, h.log)
}

// HandleListBackups lists stored backups, newest first
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backups are not configured"}, h.log)
		return
	}
	backups, err := h.backups.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()}, h.log)
		return
	}
	writeJSON(w, http.StatusOK, backups, h.log)
}

// getSystemStats samples CPU over 100ms and reads memory usage
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a data/metadata envelope
func writeJSON(w http.ResponseWriter, status int, data interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
