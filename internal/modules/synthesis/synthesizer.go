// Package synthesis turns retrieved historical episodes into a ranked set
// of candidate mitigation actions. Every ranked action carries the episode
// ids that produced its confidence, so a reviewer can always trace a
// recommendation back to the precedent behind it.
package synthesis

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Config holds synthesis tunables. Confidence blends three components with
// the configured weights: how close the precedent is (similarity), how
// fresh it is (recency), and how well the action worked (outcome quality).
type Config struct {
	Timeout          time.Duration
	ConfidenceFloor  float64
	WeightSimilarity float64
	WeightRecency    float64
	WeightOutcome    float64
	RecencyHalfLife  time.Duration
	OutcomeScale     float64
}

// Synthesizer ranks mitigation actions from scored episodes.
type Synthesizer struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewSynthesizer creates a new synthesizer.
func NewSynthesizer(cfg Config, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		cfg: cfg,
		log: log.With().Str("service", "synthesis").Logger(),
		now: time.Now,
	}
}

// Synthesize groups episodes by action and scores each action.
//
// An episode's score is the weighted blend of its similarity (clamped to
// [0, 1]), an exponential recency decay with the configured half-life, and
// a logistic transform of its performance delta. An action's confidence is
// the similarity-weighted mean of its episodes' scores, so one strong
// precedent is not diluted by many weak ones.
//
// Actions below the confidence floor are dropped. When nothing survives,
// Synthesize returns domain.NoViableRecommendationError: "no viable
// recommendation" is a legitimate answer and must never be replaced by a
// fabricated low-confidence guess.
func (s *Synthesizer) Synthesize(ctx context.Context, fp *domain.RiskFingerprint, episodes []domain.ScoredEpisode) ([]domain.RankedAction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if len(episodes) == 0 {
		return nil, &domain.NoViableRecommendationError{FundID: fp.FundID, Retrieved: 0, Floor: s.cfg.ConfidenceFloor}
	}

	weightSum := s.cfg.WeightSimilarity + s.cfg.WeightRecency + s.cfg.WeightOutcome
	now := s.now().UTC()

	type actionGroup struct {
		weighted float64 // sum of score * similarity
		simSum   float64
		episodes []domain.ScoredEpisode
		latest   time.Time
	}
	groups := make(map[string]*actionGroup)

	for _, se := range episodes {
		sim := clamp01(se.Similarity)
		score := (s.cfg.WeightSimilarity*sim +
			s.cfg.WeightRecency*s.recency(now, se.Episode.RecordedAt) +
			s.cfg.WeightOutcome*outcomeQuality(se.Episode.PerformanceDelta, s.cfg.OutcomeScale)) / weightSum

		g, ok := groups[se.Episode.Action]
		if !ok {
			g = &actionGroup{}
			groups[se.Episode.Action] = g
		}
		g.weighted += score * sim
		g.simSum += sim
		g.episodes = append(g.episodes, se)
		if se.Episode.RecordedAt.After(g.latest) {
			g.latest = se.Episode.RecordedAt
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &domain.TimeoutError{FundID: fp.FundID, Stage: "synthesis", Deadline: s.cfg.Timeout}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actions := make([]domain.RankedAction, 0, len(groups))
	for action, g := range groups {
		if g.simSum == 0 {
			continue
		}
		confidence := g.weighted / g.simSum
		if confidence < s.cfg.ConfidenceFloor {
			continue
		}

		// Provenance strongest match first
		sort.Slice(g.episodes, func(i, j int) bool {
			return g.episodes[i].Similarity > g.episodes[j].Similarity
		})
		supporting := make([]string, len(g.episodes))
		for i, se := range g.episodes {
			supporting[i] = se.Episode.ID
		}

		actions = append(actions, domain.RankedAction{
			Action:             action,
			Confidence:         confidence,
			SupportingEpisodes: supporting,
			LatestEpisodeAt:    g.latest,
		})
	}

	if len(actions) == 0 {
		return nil, &domain.NoViableRecommendationError{
			FundID:    fp.FundID,
			Retrieved: len(episodes),
			Floor:     s.cfg.ConfidenceFloor,
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Confidence == actions[j].Confidence {
			return actions[i].LatestEpisodeAt.After(actions[j].LatestEpisodeAt)
		}
		return actions[i].Confidence > actions[j].Confidence
	})

	s.log.Debug().
		Str("fund_id", fp.FundID).
		Int("episodes", len(episodes)).
		Int("actions", len(actions)).
		Str("top_action", actions[0].Action).
		Float64("top_confidence", actions[0].Confidence).
		Msg("Synthesized ranked actions")

	return actions, nil
}

// recency decays from 1 toward 0 with the configured half-life. Future
// timestamps clamp to 1.
func (s *Synthesizer) recency(now, recordedAt time.Time) float64 {
	age := now.Sub(recordedAt)
	if age <= 0 {
		return 1
	}
	halfLives := float64(age) / float64(s.cfg.RecencyHalfLife)
	return math.Exp2(-halfLives)
}

// outcomeQuality maps a performance delta onto (0, 1) with a logistic
// curve: zero delta scores 0.5, strongly positive deltas approach 1.
func outcomeQuality(delta, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	return 1 / (1 + math.Exp(-delta/scale))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
