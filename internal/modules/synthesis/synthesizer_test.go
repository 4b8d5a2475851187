package synthesis

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfm/riskmatch/internal/domain"
)

var synthNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newSynthesizer(cfg Config) *Synthesizer {
	s := NewSynthesizer(cfg, zerolog.Nop())
	s.now = func() time.Time { return synthNow }
	return s
}

func synthConfig() Config {
	return Config{
		Timeout:          time.Second,
		ConfidenceFloor:  0.3,
		WeightSimilarity: 0.5,
		WeightRecency:    0.25,
		WeightOutcome:    0.25,
		RecencyHalfLife:  90 * 24 * time.Hour,
		OutcomeScale:     0.02,
	}
}

func scoredEpisode(id, action string, sim, delta float64, recordedAt time.Time) domain.ScoredEpisode {
	return domain.ScoredEpisode{
		Episode: domain.HistoricalEpisode{
			ID:               id,
			Action:           action,
			PerformanceDelta: delta,
			RecordedAt:       recordedAt,
		},
		Similarity: sim,
	}
}

func fund() *domain.RiskFingerprint {
	return &domain.RiskFingerprint{ID: "fp-1", FundID: "FUND-1"}
}

func TestSynthesize_RanksByConfidence(t *testing.T) {
	s := newSynthesizer(synthConfig())
	recent := synthNow.Add(-24 * time.Hour)

	episodes := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 0.95, 0.03, recent),
		scoredEpisode("e2", domain.ActionHedgeDownside, 0.90, 0.02, recent),
		scoredEpisode("e3", domain.ActionRaiseCash, 0.60, -0.01, recent),
	}

	actions, err := s.Synthesize(context.Background(), fund(), episodes)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	assert.Equal(t, domain.ActionHedgeDownside, actions[0].Action)
	assert.Equal(t, domain.ActionRaiseCash, actions[1].Action)
	assert.Greater(t, actions[0].Confidence, actions[1].Confidence)
}

func TestSynthesize_ProvenanceStrongestFirst(t *testing.T) {
	s := newSynthesizer(synthConfig())
	recent := synthNow.Add(-24 * time.Hour)

	episodes := []domain.ScoredEpisode{
		scoredEpisode("weak", domain.ActionHedgeDownside, 0.70, 0.01, recent),
		scoredEpisode("strong", domain.ActionHedgeDownside, 0.95, 0.01, recent),
		scoredEpisode("middle", domain.ActionHedgeDownside, 0.85, 0.01, recent),
	}

	actions, err := s.Synthesize(context.Background(), fund(), episodes)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, []string{"strong", "middle", "weak"}, actions[0].SupportingEpisodes)
}

func TestSynthesize_ZeroEpisodes(t *testing.T) {
	s := newSynthesizer(synthConfig())

	actions, err := s.Synthesize(context.Background(), fund(), nil)
	assert.Nil(t, actions)

	var noViable *domain.NoViableRecommendationError
	require.ErrorAs(t, err, &noViable)
	assert.Equal(t, "FUND-1", noViable.FundID)
	assert.Equal(t, 0, noViable.Retrieved)
}

func TestSynthesize_AllBelowFloor(t *testing.T) {
	cfg := synthConfig()
	cfg.ConfidenceFloor = 0.99
	s := newSynthesizer(cfg)

	episodes := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionRaiseCash, 0.5, 0.0, synthNow.Add(-24*time.Hour)),
	}

	actions, err := s.Synthesize(context.Background(), fund(), episodes)
	assert.Nil(t, actions)

	var noViable *domain.NoViableRecommendationError
	require.ErrorAs(t, err, &noViable)
	assert.Equal(t, 1, noViable.Retrieved)
	assert.Equal(t, 0.99, noViable.Floor)
}

func TestSynthesize_RecencyDecaysConfidence(t *testing.T) {
	s := newSynthesizer(synthConfig())

	fresh := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 0.9, 0.01, synthNow.Add(-24*time.Hour)),
	}
	stale := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 0.9, 0.01, synthNow.Add(-5*365*24*time.Hour)),
	}

	freshActions, err := s.Synthesize(context.Background(), fund(), fresh)
	require.NoError(t, err)
	staleActions, err := s.Synthesize(context.Background(), fund(), stale)
	require.NoError(t, err)

	assert.Greater(t, freshActions[0].Confidence, staleActions[0].Confidence)
}

func TestSynthesize_OutcomeLiftsConfidence(t *testing.T) {
	s := newSynthesizer(synthConfig())
	recent := synthNow.Add(-24 * time.Hour)

	good := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 0.9, 0.05, recent),
	}
	bad := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 0.9, -0.05, recent),
	}

	goodActions, err := s.Synthesize(context.Background(), fund(), good)
	require.NoError(t, err)
	badActions, err := s.Synthesize(context.Background(), fund(), bad)
	require.NoError(t, err)

	assert.Greater(t, goodActions[0].Confidence, badActions[0].Confidence)
}

func TestSynthesize_StrongPrecedentNotDiluted(t *testing.T) {
	s := newSynthesizer(synthConfig())
	recent := synthNow.Add(-24 * time.Hour)

	// Similarity-weighted mean: three near-zero-similarity episodes barely
	// move the confidence contributed by the strong one.
	episodes := []domain.ScoredEpisode{
		scoredEpisode("strong", domain.ActionHedgeDownside, 0.95, 0.03, recent),
		scoredEpisode("w1", domain.ActionHedgeDownside, 0.01, 0.0, recent),
		scoredEpisode("w2", domain.ActionHedgeDownside, 0.01, 0.0, recent),
		scoredEpisode("w3", domain.ActionHedgeDownside, 0.01, 0.0, recent),
	}
	solo := []domain.ScoredEpisode{
		scoredEpisode("strong", domain.ActionHedgeDownside, 0.95, 0.03, recent),
	}

	mixed, err := s.Synthesize(context.Background(), fund(), episodes)
	require.NoError(t, err)
	alone, err := s.Synthesize(context.Background(), fund(), solo)
	require.NoError(t, err)

	assert.InDelta(t, alone[0].Confidence, mixed[0].Confidence, 0.05)
}

func TestSynthesize_EqualConfidenceTieBreaksOnLatestEpisode(t *testing.T) {
	// Zero recency weight makes confidence independent of RecordedAt, so the
	// two actions tie exactly and ordering falls to the fresher precedent.
	cfg := synthConfig()
	cfg.WeightRecency = 0
	s := newSynthesizer(cfg)

	episodes := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionRaiseCash, 0.9, 0.01, synthNow.Add(-48*time.Hour)),
		scoredEpisode("e2", domain.ActionHedgeDownside, 0.9, 0.01, synthNow.Add(-24*time.Hour)),
	}

	actions, err := s.Synthesize(context.Background(), fund(), episodes)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, actions[0].Confidence, actions[1].Confidence)
	assert.Equal(t, domain.ActionHedgeDownside, actions[0].Action)
}

func TestSynthesize_SimilarityClamped(t *testing.T) {
	s := newSynthesizer(synthConfig())
	recent := synthNow.Add(-24 * time.Hour)

	// Float drift can push cosine a hair over 1; confidence must stay in [0, 1]
	episodes := []domain.ScoredEpisode{
		scoredEpisode("e1", domain.ActionHedgeDownside, 1.0000001, 10.0, recent),
	}

	actions, err := s.Synthesize(context.Background(), fund(), episodes)
	require.NoError(t, err)
	assert.LessOrEqual(t, actions[0].Confidence, 1.0)
	assert.GreaterOrEqual(t, actions[0].Confidence, 0.0)
}
