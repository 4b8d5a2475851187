package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridianfm/riskmatch/internal/di"
)

// SystemHandlers serves operational visibility endpoints: host resources,
// database statistics, corpus size, and background work state.
type SystemHandlers struct {
	container *di.Container
	dataDir   string
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(container *di.Container, dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		container: container,
		dataDir:   dataDir,
		startedAt: time.Now().UTC(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// RegisterRoutes registers system routes on the router
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Get("/work", h.HandleWorkOverview)
		r.Post("/work/{typeID}/trigger", h.HandleTriggerWork)
	})
}

// HandleStatus handles GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	databases := make([]map[string]interface{}, 0, 3)
	for _, db := range h.container.Databases() {
		entry := map[string]interface{}{
			"name":    db.Name(),
			"profile": string(db.Profile()),
		}
		if stats, err := db.GetStats(); err == nil {
			entry["size_bytes"] = stats.SizeBytes
			entry["wal_size_bytes"] = stats.WALSizeBytes
			entry["page_count"] = stats.PageCount
			entry["freelist_count"] = stats.FreelistCount
		} else {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
		}
		databases = append(databases, entry)
	}

	system := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"uptime_s":   int64(time.Since(h.startedAt).Seconds()),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory_used_percent"] = vm.UsedPercent
		system["memory_total_bytes"] = vm.Total
	}
	if du, err := disk.Usage(h.dataDir); err == nil {
		system["disk_used_percent"] = du.UsedPercent
		system["disk_free_bytes"] = du.Free
	}

	corpusCount, err := h.container.EpisodeRepo.Count()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to count corpus episodes")
	}
	signalCount, err := h.container.SignalRepo.Count()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to count signals")
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"system":    system,
			"databases": databases,
			"engine": map[string]interface{}{
				"signals":          signalCount,
				"episodes":         corpusCount,
				"indexed_vectors":  h.container.Index.Count(),
				"evaluations":      h.container.Pipeline.InFlightCount(),
				"backups_enabled":  h.container.Snapshots != nil,
				"embedding_dim":    h.container.Config.EmbeddingDim,
				"exact_max_corpus": h.container.Config.ExactMaxCorpus,
			},
			"work": map[string]interface{}{
				"registered":  h.container.WorkRegistry.IDs(),
				"in_flight":   h.container.WorkProcessor.InFlight(),
				"retry_queue": h.container.WorkProcessor.RetryQueueLen(),
			},
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleWorkOverview handles GET /api/system/work
func (h *SystemHandlers) HandleWorkOverview(w http.ResponseWriter, r *http.Request) {
	types := make([]map[string]interface{}, 0)
	for _, id := range h.container.WorkRegistry.IDs() {
		wt := h.container.WorkRegistry.Get(id)
		if wt == nil {
			continue
		}

		entry := map[string]interface{}{
			"id":         wt.ID,
			"priority":   wt.Priority.String(),
			"interval_s": int64(wt.Interval.Seconds()),
			"depends_on": wt.DependsOn,
		}
		if completedAt, ok := h.container.WorkCompletion.GetCompletion(wt.ID, ""); ok {
			entry["last_completed"] = completedAt.UTC().Format(time.RFC3339)
		}
		types = append(types, entry)
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"work_types":  types,
			"in_flight":   h.container.WorkProcessor.InFlight(),
			"retry_queue": h.container.WorkProcessor.RetryQueueLen(),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleTriggerWork handles POST /api/system/work/{typeID}/trigger
func (h *SystemHandlers) HandleTriggerWork(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "typeID")
	subject := r.URL.Query().Get("subject")

	if !h.container.WorkRegistry.Has(typeID) {
		http.Error(w, "Unknown work type", http.StatusNotFound)
		return
	}

	if err := h.container.WorkProcessor.ExecuteNow(typeID, subject); err != nil {
		h.log.Error().Err(err).Str("work", typeID).Msg("Manual work trigger failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"triggered": typeID,
			"subject":   subject,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
