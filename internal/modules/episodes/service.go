package episodes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
	"github.com/meridianfm/riskmatch/internal/modules/fingerprint"
	"github.com/meridianfm/riskmatch/internal/modules/retrieval"
)

// Embedder converts a risk-state description into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service records new corpus episodes: it persists the episode, embeds its
// fingerprint description, and publishes the vector to the retrieval index
// so the episode is retrievable immediately.
type Service struct {
	repo     *Repository
	index    retrieval.VectorIndex
	embedder Embedder
	bus      *events.Bus
	log      zerolog.Logger
}

// NewService creates a new episode service.
func NewService(repo *Repository, index retrieval.VectorIndex, embedder Embedder, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		index:    index,
		embedder: embedder,
		bus:      bus,
		log:      log.With().Str("service", "episodes").Logger(),
	}
}

// Record creates one write-once episode from a fingerprint and its observed
// outcome. The description text is deterministic per fingerprint, so
// re-embedding a known fingerprint reproduces its original vector.
func (s *Service) Record(ctx context.Context, fp domain.RiskFingerprint, action string, performanceDelta float64, narrative string, recordedAt time.Time) (*domain.HistoricalEpisode, error) {
	if action == "" {
		return nil, fmt.Errorf("episode action must not be empty")
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	embedding, err := s.embedder.Embed(ctx, fingerprint.Describe(&fp))
	if err != nil {
		return nil, err
	}

	ep := &domain.HistoricalEpisode{
		ID:               uuid.New().String(),
		Fingerprint:      fp,
		Action:           action,
		PerformanceDelta: performanceDelta,
		Narrative:        narrative,
		RecordedAt:       recordedAt.UTC(),
	}

	if err := s.repo.Insert(ep); err != nil {
		return nil, err
	}

	err = s.index.Upsert(ctx, ep.ID, embedding, retrieval.Metadata{
		FundID:     fp.FundID,
		AssetClass: fp.AssetClass,
		VolRegime:  fp.VolRegime,
		RecordedAt: ep.RecordedAt,
	})
	if err != nil {
		// The corpus row is durable; an unindexed episode is invisible to
		// retrieval until re-recorded, so surface the fault.
		s.log.Error().Err(err).Str("episode_id", ep.ID).Msg("Failed to index episode vector")
		return nil, err
	}

	s.log.Info().
		Str("episode_id", ep.ID).
		Str("action", action).
		Float64("performance_delta", performanceDelta).
		Msg("Recorded episode")

	if s.bus != nil {
		s.bus.Publish(&events.EpisodeRecordedData{
			EpisodeID: ep.ID,
			Action:    action,
		})
	}

	return ep, nil
}
