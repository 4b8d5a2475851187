package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
	riskmatchtesting "github.com/meridianfm/riskmatch/internal/testing"
)

type fakeFingerprints struct {
	byID map[string]*domain.RiskFingerprint
}

func (f *fakeFingerprints) GetByID(id string) (*domain.RiskFingerprint, error) {
	fp, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s not found", id)
	}
	return fp, nil
}

type fakeEpisodeRecorder struct {
	gotAction string
	gotDelta  float64
	gotFP     domain.RiskFingerprint
}

func (f *fakeEpisodeRecorder) Record(ctx context.Context, fp domain.RiskFingerprint, action string, performanceDelta float64, narrative string, recordedAt time.Time) (*domain.HistoricalEpisode, error) {
	f.gotAction = action
	f.gotDelta = performanceDelta
	f.gotFP = fp
	return &domain.HistoricalEpisode{
		ID:               "ep-new",
		Fingerprint:      fp,
		Action:           action,
		PerformanceDelta: performanceDelta,
		Narrative:        narrative,
		RecordedAt:       recordedAt,
	}, nil
}

func newTestWorkflow(t *testing.T) (*Service, *fakeEpisodeRecorder, *events.Bus, func()) {
	t.Helper()

	db, cleanup := riskmatchtesting.NewTestDB(t, "review")
	repo := NewRepository(db.Conn(), zerolog.Nop())

	fingerprints := &fakeFingerprints{byID: map[string]*domain.RiskFingerprint{
		"fp-1": {ID: "fp-1", FundID: "FUND-1", VolRegime: domain.RegimeHigh},
	}}
	recorder := &fakeEpisodeRecorder{}
	bus := events.NewBus()

	svc := NewService(repo, fingerprints, recorder, bus, 48*time.Hour, zerolog.Nop())
	return svc, recorder, bus, cleanup
}

func rankedActions() []domain.RankedAction {
	return []domain.RankedAction{
		{Action: domain.ActionHedgeDownside, Confidence: 0.8, SupportingEpisodes: []string{"ep-1"}},
		{Action: domain.ActionRaiseCash, Confidence: 0.5, SupportingEpisodes: []string{"ep-2"}},
	}
}

func TestPropose(t *testing.T) {
	svc, _, bus, cleanup := newTestWorkflow(t)
	defer cleanup()

	var published []*events.Event
	bus.Subscribe(events.RecommendationProposed, func(e *events.Event) {
		published = append(published, e)
	})

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, rec.Status)
	assert.Equal(t, domain.ActionHedgeDownside, rec.TopAction())
	assert.Equal(t, rec.CreatedAt.Add(48*time.Hour), rec.ExpiresAt)

	require.Len(t, published, 1)
	data := published[0].Data.(*events.RecommendationProposedData)
	assert.Equal(t, rec.ID, data.RecommendationID)
	assert.Equal(t, domain.ActionHedgeDownside, data.TopAction)
}

func TestPropose_RequiresActions(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	_, err := svc.Propose(context.Background(), "FUND-1", "fp-1", nil)
	assert.Error(t, err)
}

func TestPropose_SecondOpenConflicts(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	first, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)

	_, err = svc.Propose(context.Background(), "FUND-1", "fp-2", rankedActions())
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.OpenRecommendationID)
}

func TestClaimAndDecide(t *testing.T) {
	svc, _, bus, cleanup := newTestWorkflow(t)
	defer cleanup()

	var decided []*events.Event
	bus.Subscribe(events.RecommendationDecided, func(e *events.Event) {
		decided = append(decided, e)
	})

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)

	claimed, err := svc.Claim(rec.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnderReview, claimed.Status)
	assert.Equal(t, "alex", claimed.ClaimedBy)

	approved, err := svc.Decide(rec.ID, true, "alex", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, "alex", approved.DecidedBy)
	require.NotNil(t, approved.DecidedAt)

	require.Len(t, decided, 1)
	data := decided[0].Data.(*events.RecommendationDecidedData)
	assert.Equal(t, "approved", data.Status)
}

func TestClaim_RequiresReviewer(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)

	_, err = svc.Claim(rec.ID, "")
	assert.Error(t, err)
}

func TestDecide_RationaleIsOptional(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	_, err = svc.Claim(rec.ID, "alex")
	require.NoError(t, err)

	// A rejection needs a named reviewer but no rationale
	rejected, err := svc.Decide(rec.ID, false, "alex", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, "alex", rejected.DecidedBy)
	assert.Empty(t, rejected.Rationale)
	require.NotNil(t, rejected.DecidedAt)
}

func TestDecide_RationaleKeptWhenGiven(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	_, err = svc.Claim(rec.ID, "alex")
	require.NoError(t, err)

	rejected, err := svc.Decide(rec.ID, false, "alex", "too expensive")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, "too expensive", rejected.Rationale)
}

func TestDecide_RequiresIdentity(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	_, err = svc.Claim(rec.ID, "alex")
	require.NoError(t, err)

	_, err = svc.Decide(rec.ID, true, "", "")
	assert.Error(t, err)
}

func TestRecordFeedback_ApprovedContributesTopAction(t *testing.T) {
	svc, recorder, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	_, err = svc.Claim(rec.ID, "alex")
	require.NoError(t, err)
	_, err = svc.Decide(rec.ID, true, "alex", "")
	require.NoError(t, err)

	ep, err := svc.RecordFeedback(context.Background(), rec.ID, 0.02, "hedge held up")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionHedgeDownside, ep.Action)
	assert.Equal(t, domain.ActionHedgeDownside, recorder.gotAction)
	assert.Equal(t, 0.02, recorder.gotDelta)
	// The episode carries the fingerprint the recommendation was built from
	assert.Equal(t, "fp-1", recorder.gotFP.ID)
}

func TestRecordFeedback_RejectedContributesNoAction(t *testing.T) {
	svc, recorder, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)
	_, err = svc.Claim(rec.ID, "alex")
	require.NoError(t, err)
	_, err = svc.Decide(rec.ID, false, "alex", "not worth it")
	require.NoError(t, err)

	ep, err := svc.RecordFeedback(context.Background(), rec.ID, -0.01, "drawdown continued")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoAction, ep.Action)
	assert.Equal(t, domain.ActionNoAction, recorder.gotAction)
}

func TestRecordFeedback_RequiresDecidedRecommendation(t *testing.T) {
	svc, _, _, cleanup := newTestWorkflow(t)
	defer cleanup()

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)

	_, err = svc.RecordFeedback(context.Background(), rec.ID, 0.01, "")
	assert.Error(t, err)
}

func TestExpireOverdue_PublishesPerRecommendation(t *testing.T) {
	svc, _, bus, cleanup := newTestWorkflow(t)
	defer cleanup()

	var expired []*events.Event
	bus.Subscribe(events.RecommendationExpired, func(e *events.Event) {
		expired = append(expired, e)
	})

	rec, err := svc.Propose(context.Background(), "FUND-1", "fp-1", rankedActions())
	require.NoError(t, err)

	count, err := svc.ExpireOverdue(rec.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, expired, 1)

	data := expired[0].Data.(*events.RecommendationExpiredData)
	assert.Equal(t, rec.ID, data.RecommendationID)
}
