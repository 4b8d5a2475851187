package review

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Handler handles HTTP requests for the review workflow
type Handler struct {
	service *Service
	stream  *StreamHub
	log     zerolog.Logger
}

// NewHandler creates a new review handler
func NewHandler(service *Service, stream *StreamHub, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		stream:  stream,
		log:     log.With().Str("handler", "review").Logger(),
	}
}

// RegisterRoutes registers review routes on the router. The websocket
// stream is not registered here: the server mounts it outside the request
// timeout middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/review", func(r chi.Router) {
		r.Get("/pending", h.HandleListPending)
		r.Get("/{id}", h.HandleGetRecommendation)
		r.Post("/{id}/claim", h.HandleClaim)
		r.Post("/{id}/decide", h.HandleDecide)
		r.Post("/{id}/feedback", h.HandleFeedback)
	})
	r.Get("/funds/{fundID}/recommendations", h.HandleListForFund)
}

// HandleListPending handles GET /api/review/pending
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := h.service.ListPending(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list pending recommendations")
		http.Error(w, "Failed to list pending recommendations", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*domain.Recommendation{}
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"recommendations": recs,
			"count":           len(recs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetRecommendation handles GET /api/review/{id}
func (h *Handler) HandleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.service.GetByID(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Recommendation not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("recommendation_id", id).Msg("Failed to load recommendation")
		http.Error(w, "Failed to load recommendation", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": rec,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleClaim handles POST /api/review/{id}/claim
func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "Reviewer is required", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Claim(id, req.Reviewer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Recommendation not found", http.StatusNotFound)
			return
		}
		h.log.Warn().Err(err).Str("recommendation_id", id).Msg("Claim rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": rec,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleDecide handles POST /api/review/{id}/decide
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Approve   bool   `json:"approve"`
		DecidedBy string `json:"decided_by"`
		Rationale string `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DecidedBy == "" {
		http.Error(w, "decided_by is required", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Decide(id, req.Approve, req.DecidedBy, req.Rationale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Recommendation not found", http.StatusNotFound)
			return
		}
		h.log.Warn().Err(err).Str("recommendation_id", id).Msg("Decision rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": rec,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleFeedback handles POST /api/review/{id}/feedback
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		PerformanceDelta float64 `json:"performance_delta"`
		Narrative        string  `json:"narrative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ep, err := h.service.RecordFeedback(r.Context(), id, req.PerformanceDelta, req.Narrative)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Recommendation not found", http.StatusNotFound)
			return
		}
		var unavailable *domain.EmbeddingUnavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, "Embedding service unavailable", http.StatusServiceUnavailable)
			return
		}
		h.log.Warn().Err(err).Str("recommendation_id", id).Msg("Feedback rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": ep,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListForFund handles GET /api/funds/{fundID}/recommendations
func (h *Handler) HandleListForFund(w http.ResponseWriter, r *http.Request) {
	fundID := chi.URLParam(r, "fundID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := h.service.ListForFund(fundID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("fund_id", fundID).Msg("Failed to list fund recommendations")
		http.Error(w, "Failed to list fund recommendations", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*domain.Recommendation{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"fund_id":         fundID,
			"recommendations": recs,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleStream handles GET /api/review/stream (websocket)
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	h.stream.Serve(w, r)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
