package fingerprint

import (
	"context"
	"database/sql"
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

	db, cleanup := riskmatchtesting.NewTestDB(t, "corpus")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func storedFingerprint(id, fundID string, ts int64) *domain.RiskFingerprint {
	return &domain.RiskFingerprint{
		ID:        id,
		FundID:    fundID,
		Timestamp: time.Unix(ts, 0).UTC(),
		Features: domain.FeatureVector{
			Macro:      domain.Feature{Value: 0.5},
			Sentiment:  domain.Feature{Value: -1.1},
			Volatility: domain.Feature{Value: 1.8},
			Portfolio:  domain.MissingFeature(),
		},
		AssetClass: "equity",
		VolRegime:  domain.RegimeHigh,
	}
}

func TestSaveAndGetByID(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	fp := storedFingerprint("fp-1", "FUND-1", 1000)
	require.NoError(t, repo.Save(context.Background(), fp))

	loaded, err := repo.GetByID("fp-1")
	require.NoError(t, err)
	assert.Equal(t, fp.FundID, loaded.FundID)
	assert.Equal(t, fp.Timestamp, loaded.Timestamp)
	assert.Equal(t, fp.Features, loaded.Features)
	assert.Equal(t, domain.RegimeHigh, loaded.VolRegime)
	// Embeddings live in the vector index, not here
	assert.Nil(t, loaded.Embedding)
}

func TestSave_IdempotentOnID(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	fp := storedFingerprint("fp-1", "FUND-1", 1000)
	require.NoError(t, repo.Save(context.Background(), fp))
	require.NoError(t, repo.Save(context.Background(), fp))

	loaded, err := repo.GetByID("fp-1")
	require.NoError(t, err)
	assert.Equal(t, "FUND-1", loaded.FundID)
}

func TestGetByID_Absent(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	_, err := repo.GetByID("no-such")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLatestForFund(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Save(context.Background(), storedFingerprint("fp-old", "FUND-1", 1000)))
	require.NoError(t, repo.Save(context.Background(), storedFingerprint("fp-new", "FUND-1", 2000)))
	require.NoError(t, repo.Save(context.Background(), storedFingerprint("fp-other", "FUND-2", 3000)))

	latest, err := repo.LatestForFund("FUND-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-new", latest.ID)

	_, err = repo.LatestForFund("FUND-3")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
