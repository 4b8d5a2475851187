package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
)

// FingerprintReader loads stored fingerprints for feedback conversion.
type FingerprintReader interface {
	GetByID(id string) (*domain.RiskFingerprint, error)
}

// EpisodeRecorder appends decided outcomes to the historical corpus.
type EpisodeRecorder interface {
	Record(ctx context.Context, fp domain.RiskFingerprint, action string, performanceDelta float64, narrative string, recordedAt time.Time) (*domain.HistoricalEpisode, error)
}

// Service runs the review workflow: propose, claim, decide, expire, and the
// explicit feedback step that turns a decided recommendation into a new
// corpus episode. Decisions require a named reviewer; the system never
// executes an action on its own.
type Service struct {
	repo         *Repository
	fingerprints FingerprintReader
	episodes     EpisodeRecorder
	bus          *events.Bus
	sla          time.Duration
	log          zerolog.Logger
}

// NewService creates a new review workflow service.
func NewService(repo *Repository, fingerprints FingerprintReader, episodes EpisodeRecorder, bus *events.Bus, sla time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		fingerprints: fingerprints,
		episodes:     episodes,
		bus:          bus,
		sla:          sla,
		log:          log.With().Str("service", "review").Logger(),
	}
}

// Propose creates a new proposed recommendation for a fund. Returns
// domain.ConflictError when the fund already has an open one. The context
// is the proposing evaluation's, so a superseded run cannot persist.
func (s *Service) Propose(ctx context.Context, fundID, fingerprintID string, actions []domain.RankedAction) (*domain.Recommendation, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("a recommendation needs at least one ranked action")
	}

	now := time.Now().UTC()
	rec := &domain.Recommendation{
		ID:            uuid.New().String(),
		FundID:        fundID,
		FingerprintID: fingerprintID,
		Actions:       actions,
		Status:        domain.StatusProposed,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.sla),
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("recommendation_id", rec.ID).
		Str("fund_id", fundID).
		Str("top_action", rec.TopAction()).
		Msg("Proposed recommendation")

	if s.bus != nil {
		s.bus.Publish(&events.RecommendationProposedData{
			RecommendationID: rec.ID,
			FundID:           fundID,
			TopAction:        rec.TopAction(),
			TopConfidence:    rec.Actions[0].Confidence,
			ActionCount:      len(rec.Actions),
		})
	}

	return rec, nil
}

// Claim moves a proposed recommendation under review for a named reviewer.
func (s *Service) Claim(id, reviewer string) (*domain.Recommendation, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("claim requires a reviewer")
	}

	rec, err := s.repo.Transition(id, domain.StatusUnderReview, reviewer, "", "")
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("recommendation_id", id).
		Str("reviewer", reviewer).
		Msg("Recommendation claimed for review")

	if s.bus != nil {
		s.bus.Publish(&events.RecommendationClaimedData{
			RecommendationID: rec.ID,
			FundID:           rec.FundID,
		})
	}

	return rec, nil
}

// Decide resolves a recommendation under review. Every decision carries the
// deciding reviewer; the rationale is optional and kept for the audit trail.
func (s *Service) Decide(id string, approve bool, decidedBy, rationale string) (*domain.Recommendation, error) {
	if decidedBy == "" {
		return nil, fmt.Errorf("decision requires a reviewer identity")
	}

	next := domain.StatusApproved
	if !approve {
		next = domain.StatusRejected
	}

	rec, err := s.repo.Transition(id, next, "", decidedBy, rationale)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("recommendation_id", id).
		Str("status", string(rec.Status)).
		Str("decided_by", decidedBy).
		Msg("Recommendation decided")

	if s.bus != nil {
		s.bus.Publish(&events.RecommendationDecidedData{
			RecommendationID: rec.ID,
			FundID:           rec.FundID,
			Status:           string(rec.Status),
			DecidedBy:        decidedBy,
		})
	}

	return rec, nil
}

// RecordFeedback converts a decided recommendation plus its observed
// outcome into a new corpus episode, closing the learning loop. Approved
// recommendations contribute their top action; rejected ones contribute a
// no-action precedent. Feedback is an explicit step, never automatic.
func (s *Service) RecordFeedback(ctx context.Context, id string, performanceDelta float64, narrative string) (*domain.HistoricalEpisode, error) {
	rec, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}

	var action string
	switch rec.Status {
	case domain.StatusApproved:
		action = rec.TopAction()
	case domain.StatusRejected:
		action = domain.ActionNoAction
	default:
		return nil, fmt.Errorf("recommendation %s is %s; feedback needs an approved or rejected recommendation", id, rec.Status)
	}

	fp, err := s.fingerprints.GetByID(rec.FingerprintID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprint %s: %w", rec.FingerprintID, err)
	}

	ep, err := s.episodes.Record(ctx, *fp, action, performanceDelta, narrative, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("recommendation_id", id).
		Str("episode_id", ep.ID).
		Float64("performance_delta", performanceDelta).
		Msg("Recorded outcome feedback")

	return ep, nil
}

// ExpireOverdue sweeps open recommendations past their review deadline.
func (s *Service) ExpireOverdue(now time.Time) (int, error) {
	expired, err := s.repo.ExpireOverdue(now)
	if err != nil {
		return 0, err
	}

	for _, rec := range expired {
		s.log.Info().
			Str("recommendation_id", rec.ID).
			Str("fund_id", rec.FundID).
			Msg("Recommendation expired unreviewed")

		if s.bus != nil {
			s.bus.Publish(&events.RecommendationExpiredData{
				RecommendationID: rec.ID,
				FundID:           rec.FundID,
			})
		}
	}

	return len(expired), nil
}

// GetByID loads one recommendation.
func (s *Service) GetByID(id string) (*domain.Recommendation, error) {
	return s.repo.GetByID(id)
}

// ListPending returns the open review queue, oldest first.
func (s *Service) ListPending(limit int) ([]*domain.Recommendation, error) {
	return s.repo.ListPending(limit)
}

// ListForFund returns a fund's recommendation history.
func (s *Service) ListForFund(fundID string, limit int) ([]*domain.Recommendation, error) {
	return s.repo.ListForFund(fundID, limit)
}
