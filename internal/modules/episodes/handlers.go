package episodes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Handler handles HTTP requests for the episode corpus
type Handler struct {
	service *Service
	repo    *Repository
	log     zerolog.Logger
}

// NewHandler creates a new episodes handler
func NewHandler(service *Service, repo *Repository, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		log:     log.With().Str("handler", "episodes").Logger(),
	}
}

// RegisterRoutes registers episode routes on the router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/episodes", h.HandleRecordEpisode)
	r.Get("/episodes", h.HandleListEpisodes)
}

// recordEpisodeRequest seeds one historical episode into the corpus.
type recordEpisodeRequest struct {
	Fingerprint      domain.RiskFingerprint `json:"fingerprint"`
	Action           string                 `json:"action"`
	PerformanceDelta float64                `json:"performance_delta"`
	Narrative        string                 `json:"narrative"`
	RecordedAt       int64                  `json:"recorded_at"` // unix seconds, UTC
}

// HandleRecordEpisode handles POST /api/episodes
func (h *Handler) HandleRecordEpisode(w http.ResponseWriter, r *http.Request) {
	var req recordEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "Action is required", http.StatusBadRequest)
		return
	}
	if req.Fingerprint.ID == "" || req.Fingerprint.FundID == "" {
		http.Error(w, "Fingerprint id and fund_id are required", http.StatusBadRequest)
		return
	}

	var recordedAt time.Time
	if req.RecordedAt > 0 {
		recordedAt = time.Unix(req.RecordedAt, 0).UTC()
	}

	ep, err := h.service.Record(r.Context(), req.Fingerprint, req.Action, req.PerformanceDelta, req.Narrative, recordedAt)
	if err != nil {
		var unavailable *domain.EmbeddingUnavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, "Embedding service unavailable", http.StatusServiceUnavailable)
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		h.log.Error().Err(err).Msg("Failed to record episode")
		http.Error(w, "Failed to record episode", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": ep,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusCreated, response)
}

// HandleListEpisodes handles GET /api/episodes
func (h *Handler) HandleListEpisodes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	eps, err := h.repo.ListRecent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list episodes")
		http.Error(w, "Failed to list episodes", http.StatusInternalServerError)
		return
	}

	count, err := h.repo.Count()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count episodes")
		http.Error(w, "Failed to count episodes", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"episodes": eps,
			"total":    count,
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
