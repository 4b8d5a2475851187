package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles HTTP requests for signal ingestion
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ingest").Logger(),
	}
}

// RegisterRoutes registers ingest routes on the router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/signals/batch", h.HandleIngestBatch)
}

// HandleIngestBatch handles POST /api/signals/batch
func (h *Handler) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var batch []RawRecord
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(batch) == 0 {
		http.Error(w, "Batch must contain at least one record", http.StatusBadRequest)
		return
	}

	result, err := h.service.IngestBatch(batch)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to ingest batch")
		http.Error(w, "Failed to ingest batch", http.StatusInternalServerError)
		return
	}

	failures := make([]map[string]interface{}, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, map[string]interface{}{
			"source": string(f.Source),
			"index":  f.Index,
			"field":  f.Field,
			"reason": f.Reason,
		})
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"accepted": result.Accepted,
			"rejected": len(result.Failures),
			"failures": failures,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
