package telemetry

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// staleAfter is how long without a result before health reports degraded.
const staleAfter = 5 * time.Second

// ProcessStats describes the running process.
type ProcessStats struct {
	Uptime       time.Duration `json:"uptime"`
	NumGoroutine int           `json:"numGoroutine"`
	HeapAlloc    uint64        `json:"heapAlloc"`
	Heap         string        `json:"heap"`
}

// HealthStatus is returned by /api/health.
type HealthStatus struct {
	Status     string       `json:"status"`
	Source     string       `json:"source"`
	Reports    int          `json:"reports"`
	LastReport time.Time    `json:"lastReport"`
	Process    ProcessStats `json:"process"`
	Pipeline   any          `json:"pipeline,omitempty"`
}

func (h *Hub) processStats() ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ProcessStats{
		Uptime:       time.Since(h.started),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    mem.HeapAlloc,
		Heap:         humanize.IBytes(mem.HeapAlloc),
	}
}

// Health reports whether results are arriving.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	status := HealthStatus{
		Source:     h.source,
		Reports:    h.reports,
		LastReport: h.lastReport,
	}
	statusFn := h.status
	h.mu.RUnlock()

	status.Status = "ok"
	if status.Reports == 0 || time.Since(status.LastReport) > staleAfter {
		status.Status = "degraded"
	}
	status.Process = h.processStats()
	if statusFn != nil {
		status.Pipeline = statusFn()
	}
	return status
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Health())
}
