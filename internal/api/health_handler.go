package api

import (
	"net/http"
	"runtime"
	"time"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status        string         `json:"status"`
	Uptime        int64          `json:"uptime"` // seconds
	StartedAt     time.Time      `json:"started_at"`
	GoVersion     string         `json:"go_version"`
	NumGoroutines int            `json:"num_goroutines"`
	AllocMB       float64        `json:"alloc_mb"`
	Queues        map[string]int `json:"queues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := HealthStats{
		Status:        "ok",
		Uptime:        int64(time.Since(s.startedAt).Seconds()),
		StartedAt:     s.startedAt,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		AllocMB:       float64(mem.Alloc) / 1024 / 1024,
		Queues:        make(map[string]int),
	}
	for _, name := range s.manager.Queues() {
		ids, err := s.manager.ListPending(name)
		if err != nil {
			stats.Status = "degraded"
			s.logger.Warn("Health check could not list queue", "queue", name, "error", err)
			continue
		}
		stats.Queues[name] = len(ids)
	}

	if stats.Status != "ok" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, stats)
}
