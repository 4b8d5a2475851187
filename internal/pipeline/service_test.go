package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
)

type stubBuilder struct {
	err error
}

func (b *stubBuilder) Build(fundID string, asOf time.Time) (*domain.RiskFingerprint, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &domain.RiskFingerprint{
		ID:        "fp-" + fundID,
		FundID:    fundID,
		Timestamp: asOf.Truncate(time.Second),
		VolRegime: domain.RegimeNormal,
	}, nil
}

// stubEmbedder optionally blocks until released or cancelled, to hold a run
// mid-pipeline.
type stubEmbedder struct {
	block   chan struct{} // closed to release
	entered chan struct{} // signalled on first call
	once    sync.Once
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.entered != nil {
		e.once.Do(func() { close(e.entered) })
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []float32{1, 0, 0, 0}, nil
}

type stubRetriever struct{}

func (r *stubRetriever) Retrieve(ctx context.Context, fp *domain.RiskFingerprint) ([]domain.ScoredEpisode, error) {
	return []domain.ScoredEpisode{
		{Episode: domain.HistoricalEpisode{ID: "ep-1", Action: domain.ActionHedgeDownside}, Similarity: 0.9},
	}, nil
}

type stubSynthesizer struct {
	err error
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, fp *domain.RiskFingerprint, episodes []domain.ScoredEpisode) ([]domain.RankedAction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []domain.RankedAction{
		{Action: domain.ActionHedgeDownside, Confidence: 0.8, SupportingEpisodes: []string{"ep-1"}},
	}, nil
}

// stubFingerprintStore counts saves and, like stubEmbedder, can park a run
// inside the write until released or cancelled.
type stubFingerprintStore struct {
	saved   int32
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *stubFingerprintStore) Save(ctx context.Context, fp *domain.RiskFingerprint) error {
	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	atomic.AddInt32(&f.saved, 1)
	return nil
}

type stubProposer struct {
	proposed int32
}

func (p *stubProposer) Propose(ctx context.Context, fundID, fingerprintID string, actions []domain.RankedAction) (*domain.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt32(&p.proposed, 1)
	return &domain.Recommendation{
		ID:            uuid.New().String(),
		FundID:        fundID,
		FingerprintID: fingerprintID,
		Actions:       actions,
		Status:        domain.StatusProposed,
	}, nil
}

type testPipeline struct {
	svc          *Service
	builder      *stubBuilder
	embedder     *stubEmbedder
	synthesizer  *stubSynthesizer
	fingerprints *stubFingerprintStore
	proposer     *stubProposer
}

func newTestPipeline() *testPipeline {
	tp := &testPipeline{
		builder:      &stubBuilder{},
		embedder:     &stubEmbedder{},
		synthesizer:  &stubSynthesizer{},
		fingerprints: &stubFingerprintStore{},
		proposer:     &stubProposer{},
	}
	tp.svc = NewService(
		tp.builder, tp.embedder, tp.fingerprints,
		&stubRetriever{}, tp.synthesizer, tp.proposer,
		events.NewBus(), zerolog.Nop(),
	)
	return tp
}

// waitForStatus polls a run handle until it leaves the running state.
func waitForStatus(t *testing.T, svc *Service, runID string) *Run {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		run := svc.GetRun(runID)
		require.NotNil(t, run)
		if run.Status != RunRunning {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s still running", runID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEvaluate_Completes(t *testing.T) {
	tp := newTestPipeline()

	handle := tp.svc.Evaluate("FUND-1")
	run := waitForStatus(t, tp.svc, handle.ID)

	assert.Equal(t, RunCompleted, run.Status)
	assert.NotEmpty(t, run.RecommendationID)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.fingerprints.saved))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.proposer.proposed))
}

func TestEvaluate_SupersedesInFlightRun(t *testing.T) {
	tp := newTestPipeline()
	tp.embedder.block = make(chan struct{})
	tp.embedder.entered = make(chan struct{})

	first := tp.svc.Evaluate("FUND-1")
	<-tp.embedder.entered // first run is now parked inside Embed

	// Re-arm the embedder so the second run passes straight through
	release := tp.embedder.block
	tp.embedder.block = nil

	second := tp.svc.Evaluate("FUND-1")
	close(release)

	firstRun := waitForStatus(t, tp.svc, first.ID)
	secondRun := waitForStatus(t, tp.svc, second.ID)

	assert.Equal(t, RunSuperseded, firstRun.Status)
	assert.NotEmpty(t, firstRun.Error)
	assert.Empty(t, firstRun.RecommendationID)
	assert.Equal(t, RunCompleted, secondRun.Status)

	// The superseded run persisted nothing
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.fingerprints.saved))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.proposer.proposed))
}

func TestEvaluate_SupersedeDuringPersistWritesNothing(t *testing.T) {
	tp := newTestPipeline()
	tp.fingerprints.block = make(chan struct{})
	tp.fingerprints.entered = make(chan struct{})

	first := tp.svc.Evaluate("FUND-1")
	<-tp.fingerprints.entered // first run is now parked inside Save

	release := tp.fingerprints.block
	tp.fingerprints.block = nil

	second := tp.svc.Evaluate("FUND-1")
	close(release)

	firstRun := waitForStatus(t, tp.svc, first.ID)
	secondRun := waitForStatus(t, tp.svc, second.ID)

	assert.Equal(t, RunSuperseded, firstRun.Status)
	assert.Empty(t, firstRun.RecommendationID)
	assert.Equal(t, RunCompleted, secondRun.Status)

	// Only the second run's fingerprint and proposal landed
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.fingerprints.saved))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tp.proposer.proposed))
}

func TestEvaluate_DifferentFundsRunConcurrently(t *testing.T) {
	tp := newTestPipeline()
	tp.embedder.block = make(chan struct{})
	tp.embedder.entered = make(chan struct{})

	release := tp.embedder.block
	defer close(release)

	first := tp.svc.Evaluate("FUND-1")
	<-tp.embedder.entered

	tp.embedder.block = nil
	second := tp.svc.Evaluate("FUND-2")

	secondRun := waitForStatus(t, tp.svc, second.ID)
	assert.Equal(t, RunCompleted, secondRun.Status)

	// The first fund's run was not superseded by the other fund's
	firstRun := tp.svc.GetRun(first.ID)
	assert.Equal(t, RunRunning, firstRun.Status)
}

func TestEvaluate_BuildFailureMarksRunFailed(t *testing.T) {
	tp := newTestPipeline()
	tp.builder.err = &domain.InsufficientSignalError{
		FundID:    "FUND-1",
		Missing:   []domain.SignalSource{domain.SourceMacro, domain.SourceSentiment},
		Threshold: 0.5,
	}

	handle := tp.svc.Evaluate("FUND-1")
	run := waitForStatus(t, tp.svc, handle.ID)

	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "insufficient signal")
	assert.Equal(t, int32(0), atomic.LoadInt32(&tp.fingerprints.saved))
}

func TestEvaluate_NoViableRecommendationMarksRunFailed(t *testing.T) {
	tp := newTestPipeline()
	tp.synthesizer.err = &domain.NoViableRecommendationError{FundID: "FUND-1", Retrieved: 3, Floor: 0.3}

	handle := tp.svc.Evaluate("FUND-1")
	run := waitForStatus(t, tp.svc, handle.ID)

	assert.Equal(t, RunFailed, run.Status)
	// Nothing persisted when synthesis declines
	assert.Equal(t, int32(0), atomic.LoadInt32(&tp.fingerprints.saved))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tp.proposer.proposed))
}

func TestGetRun_UnknownID(t *testing.T) {
	tp := newTestPipeline()
	assert.Nil(t, tp.svc.GetRun("not-a-run"))
}

func TestGetRun_ReturnsCopy(t *testing.T) {
	tp := newTestPipeline()

	handle := tp.svc.Evaluate("FUND-1")
	run := waitForStatus(t, tp.svc, handle.ID)

	run.Status = RunFailed
	assert.Equal(t, RunCompleted, tp.svc.GetRun(handle.ID).Status)
}

func TestInFlightCount(t *testing.T) {
	tp := newTestPipeline()
	tp.embedder.block = make(chan struct{})
	tp.embedder.entered = make(chan struct{})

	handle := tp.svc.Evaluate("FUND-1")
	<-tp.embedder.entered
	assert.Equal(t, 1, tp.svc.InFlightCount())

	close(tp.embedder.block)
	waitForStatus(t, tp.svc, handle.ID)

	deadline := time.After(5 * time.Second)
	for tp.svc.InFlightCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("in-flight count never drained")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
