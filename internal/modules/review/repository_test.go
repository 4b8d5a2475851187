package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfm/riskmatch/internal/domain"
	riskmatchtesting "github.com/meridianfm/riskmatch/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()

	db, cleanup := riskmatchtesting.NewTestDB(t, "review")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func newRecommendation(id, fundID string) *domain.Recommendation {
	now := time.Unix(1000, 0).UTC()
	return &domain.Recommendation{
		ID:            id,
		FundID:        fundID,
		FingerprintID: "fp-" + id,
		Actions: []domain.RankedAction{
			{
				Action:             domain.ActionHedgeDownside,
				Confidence:         0.8,
				SupportingEpisodes: []string{"ep-1", "ep-2"},
				LatestEpisodeAt:    now,
			},
		},
		Status:    domain.StatusProposed,
		CreatedAt: now,
		ExpiresAt: now.Add(48 * time.Hour),
	}
}

func TestCreate_RoundTrip(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	rec := newRecommendation("rec-1", "FUND-1")
	require.NoError(t, repo.Create(context.Background(), rec))

	loaded, err := repo.GetByID("rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.FundID, loaded.FundID)
	assert.Equal(t, rec.FingerprintID, loaded.FingerprintID)
	assert.Equal(t, domain.StatusProposed, loaded.Status)
	require.Len(t, loaded.Actions, 1)
	assert.Equal(t, domain.ActionHedgeDownside, loaded.Actions[0].Action)
	assert.Equal(t, []string{"ep-1", "ep-2"}, loaded.Actions[0].SupportingEpisodes)
	assert.Nil(t, loaded.DecidedAt)
}

func TestCreate_SecondOpenForFundConflicts(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))

	err := repo.Create(context.Background(), newRecommendation("rec-2", "FUND-1"))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "FUND-1", conflict.FundID)
	assert.Equal(t, "rec-1", conflict.OpenRecommendationID)

	// A different fund is unaffected
	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-3", "FUND-2")))
}

func TestCreate_AllowedAfterTerminalState(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))
	_, err := repo.Transition("rec-1", domain.StatusUnderReview, "alex", "", "")
	require.NoError(t, err)
	_, err = repo.Transition("rec-1", domain.StatusApproved, "", "alex", "")
	require.NoError(t, err)

	// The partial index only covers open rows
	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-2", "FUND-1")))
}

func TestCreate_ConcurrentExactlyOneWins(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecommendation(fundRecID(i), "FUND-1")
			errs[i] = repo.Create(context.Background(), rec)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var conflict *domain.ConflictError
		assert.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, winners)
}

func fundRecID(i int) string {
	return "rec-" + string(rune('a'+i))
}

func TestTransition_Workflow(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))

	t.Run("claim", func(t *testing.T) {
		rec, err := repo.Transition("rec-1", domain.StatusUnderReview, "alex", "", "")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusUnderReview, rec.Status)
		assert.Equal(t, "alex", rec.ClaimedBy)
		assert.Nil(t, rec.DecidedAt)
	})

	t.Run("reject with rationale", func(t *testing.T) {
		rec, err := repo.Transition("rec-1", domain.StatusRejected, "", "alex", "hedge cost too high")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRejected, rec.Status)
		assert.Equal(t, "alex", rec.DecidedBy)
		assert.Equal(t, "hedge cost too high", rec.Rationale)
		require.NotNil(t, rec.DecidedAt)
	})

	t.Run("terminal state is immutable", func(t *testing.T) {
		_, err := repo.Transition("rec-1", domain.StatusApproved, "", "alex", "")
		assert.Error(t, err)
	})
}

func TestTransition_IllegalSkip(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))

	// proposed cannot jump straight to approved
	_, err := repo.Transition("rec-1", domain.StatusApproved, "", "alex", "")
	assert.Error(t, err)

	loaded, err := repo.GetByID("rec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, loaded.Status)
}

func TestTransition_ConcurrentDecisionsOneWins(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))
	_, err := repo.Transition("rec-1", domain.StatusUnderReview, "alex", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	decisions := []domain.RecommendationStatus{domain.StatusApproved, domain.StatusRejected}

	for i, next := range decisions {
		wg.Add(1)
		go func(i int, next domain.RecommendationStatus) {
			defer wg.Done()
			_, results[i] = repo.Transition("rec-1", next, "", "reviewer", "race")
		}(i, next)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	loaded, err := repo.GetByID("rec-1")
	require.NoError(t, err)
	assert.True(t, loaded.Status.Terminal())
}

func TestListPending_OldestFirst(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	older := newRecommendation("rec-old", "FUND-1")
	older.CreatedAt = time.Unix(1000, 0)
	newer := newRecommendation("rec-new", "FUND-2")
	newer.CreatedAt = time.Unix(2000, 0)

	require.NoError(t, repo.Create(context.Background(), newer))
	require.NoError(t, repo.Create(context.Background(), older))

	pending, err := repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "rec-old", pending[0].ID)
	assert.Equal(t, "rec-new", pending[1].ID)
}

func TestGetOpenForFund(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	open, err := repo.GetOpenForFund("FUND-1")
	require.NoError(t, err)
	assert.Nil(t, open)

	require.NoError(t, repo.Create(context.Background(), newRecommendation("rec-1", "FUND-1")))

	open, err = repo.GetOpenForFund("FUND-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "rec-1", open.ID)
}

func TestExpireOverdue(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	overdue := newRecommendation("rec-overdue", "FUND-1")
	overdue.ExpiresAt = time.Unix(2000, 0)
	fresh := newRecommendation("rec-fresh", "FUND-2")
	fresh.ExpiresAt = time.Unix(9000, 0)

	require.NoError(t, repo.Create(context.Background(), overdue))
	require.NoError(t, repo.Create(context.Background(), fresh))

	expired, err := repo.ExpireOverdue(time.Unix(5000, 0))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "rec-overdue", expired[0].ID)
	assert.Equal(t, domain.StatusExpired, expired[0].Status)
	// Expiry is not a decision
	assert.Nil(t, expired[0].DecidedAt)
	assert.Empty(t, expired[0].DecidedBy)

	loaded, err := repo.GetByID("rec-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, loaded.Status)
}

func TestExpireOverdue_UnderReviewAlsoExpires(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	rec := newRecommendation("rec-1", "FUND-1")
	rec.ExpiresAt = time.Unix(2000, 0)
	require.NoError(t, repo.Create(context.Background(), rec))
	_, err := repo.Transition("rec-1", domain.StatusUnderReview, "alex", "", "")
	require.NoError(t, err)

	expired, err := repo.ExpireOverdue(time.Unix(5000, 0))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.StatusExpired, expired[0].Status)
}
