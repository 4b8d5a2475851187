package pipeline

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles HTTP requests for evaluation runs
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a new pipeline handler
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "pipeline").Logger(),
	}
}

// RegisterRoutes registers pipeline routes on the router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/funds/{fundID}/evaluate", h.HandleEvaluate)
	r.Get("/runs/{runID}", h.HandleGetRun)
}

// HandleEvaluate handles POST /api/funds/{fundID}/evaluate
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	fundID := chi.URLParam(r, "fundID")
	if fundID == "" {
		http.Error(w, "Fund id is required", http.StatusBadRequest)
		return
	}

	run := h.service.Evaluate(fundID)

	response := map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusAccepted, response)
}

// HandleGetRun handles GET /api/runs/{runID}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run := h.service.GetRun(runID)
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": run,
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
