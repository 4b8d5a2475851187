// Package pipeline orchestrates one fund evaluation end to end: build the
// fingerprint, embed it, retrieve similar episodes, synthesize ranked
// actions, and propose the result for review. A run either persists a
// complete proposed recommendation or persists nothing.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
	"github.com/meridianfm/riskmatch/internal/events"
	"github.com/meridianfm/riskmatch/internal/modules/fingerprint"
)

// RunStatus is the lifecycle state of one evaluation run.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunSuperseded RunStatus = "superseded"
)

// Run is the poll handle for one evaluation. Runs live in memory: they are
// progress bookkeeping, not audit state, and the recommendation itself is
// the durable artifact.
type Run struct {
	ID               string     `json:"id"`
	FundID           string     `json:"fund_id"`
	Status           RunStatus  `json:"status"`
	RecommendationID string     `json:"recommendation_id,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Builder assembles fingerprints from stored signals.
type Builder interface {
	Build(fundID string, asOf time.Time) (*domain.RiskFingerprint, error)
}

// Embedder converts a risk-state description into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FingerprintWriter persists fingerprints. Save honors the run context so
// a cancelled run writes nothing.
type FingerprintWriter interface {
	Save(ctx context.Context, fp *domain.RiskFingerprint) error
}

// Retriever finds similar historical episodes.
type Retriever interface {
	Retrieve(ctx context.Context, fp *domain.RiskFingerprint) ([]domain.ScoredEpisode, error)
}

// Synthesizer ranks mitigation actions from scored episodes.
type Synthesizer interface {
	Synthesize(ctx context.Context, fp *domain.RiskFingerprint, episodes []domain.ScoredEpisode) ([]domain.RankedAction, error)
}

// Proposer opens recommendations in the review workflow. Propose honors the
// run context so a cancelled run writes nothing.
type Proposer interface {
	Propose(ctx context.Context, fundID, fingerprintID string, actions []domain.RankedAction) (*domain.Recommendation, error)
}

// Service runs evaluations. At most one run is in flight per fund: a new
// request supersedes the running one, cancelling it before anything is
// persisted, so a fund is never evaluated against two different instants
// concurrently.
type Service struct {
	builder      Builder
	embedder     Embedder
	fingerprints FingerprintWriter
	retriever    Retriever
	synthesizer  Synthesizer
	proposer     Proposer
	bus          *events.Bus
	log          zerolog.Logger

	mu       sync.Mutex
	runs     map[string]*Run
	inFlight map[string]*flight // fund id -> running evaluation
}

type flight struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new pipeline service.
func NewService(builder Builder, embedder Embedder, fingerprints FingerprintWriter, retriever Retriever, synthesizer Synthesizer, proposer Proposer, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		builder:      builder,
		embedder:     embedder,
		fingerprints: fingerprints,
		retriever:    retriever,
		synthesizer:  synthesizer,
		proposer:     proposer,
		bus:          bus,
		log:          log.With().Str("service", "pipeline").Logger(),
		runs:         make(map[string]*Run),
		inFlight:     make(map[string]*flight),
	}
}

// Evaluate starts an evaluation run for a fund and returns its poll handle
// immediately. A run already in flight for the fund is cancelled and marked
// superseded before the new one starts.
func (s *Service) Evaluate(fundID string) *Run {
	run := &Run{
		ID:        uuid.New().String(),
		FundID:    fundID,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	fl := &flight{runID: run.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.inFlight[fundID]; ok {
		prev.cancel()
		if prevRun, ok := s.runs[prev.runID]; ok && prevRun.Status == RunRunning {
			s.finishLocked(prevRun, RunSuperseded, "", "superseded by a newer evaluation")
		}
	}
	s.runs[run.ID] = run
	s.inFlight[fundID] = fl
	s.mu.Unlock()

	s.log.Info().Str("run_id", run.ID).Str("fund_id", fundID).Msg("Evaluation started")

	go s.execute(ctx, run, fl)

	return run
}

// GetRun returns a run by id, or nil when unknown.
func (s *Service) GetRun(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil
	}
	copied := *run
	return &copied
}

// InFlightCount returns how many evaluations are currently running.
func (s *Service) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Service) execute(ctx context.Context, run *Run, fl *flight) {
	defer close(fl.done)
	defer func() {
		s.mu.Lock()
		if current, ok := s.inFlight[run.FundID]; ok && current == fl {
			delete(s.inFlight, run.FundID)
		}
		s.mu.Unlock()
	}()

	rec, err := s.evaluate(ctx, run.FundID)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		current := s.runs[run.ID]
		if current.Status != RunRunning {
			return // already marked superseded
		}
		if errors.Is(err, context.Canceled) {
			s.finishLocked(current, RunSuperseded, "", "superseded by a newer evaluation")
			return
		}
		s.finishLocked(current, RunFailed, "", err.Error())
		return
	}

	s.mu.Lock()
	current := s.runs[run.ID]
	if current.Status == RunRunning {
		s.finishLocked(current, RunCompleted, rec.ID, "")
	}
	s.mu.Unlock()
}

// evaluate runs the pipeline stages. Nothing is persisted until every stage
// has succeeded and the run is still current.
func (s *Service) evaluate(ctx context.Context, fundID string) (*domain.Recommendation, error) {
	fp, err := s.builder.Build(fundID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	embedding, err := s.embedder.Embed(ctx, fingerprint.Describe(fp))
	if err != nil {
		return nil, err
	}
	fp.Embedding = embedding

	episodes, err := s.retriever.Retrieve(ctx, fp)
	if err != nil {
		return nil, err
	}

	actions, err := s.synthesizer.Synthesize(ctx, fp, episodes)
	if err != nil {
		return nil, err
	}

	// The writes below carry the run context themselves, so a supersede
	// arriving after this point still aborts them.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.fingerprints.Save(ctx, fp); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(&events.FingerprintCreatedData{
			FingerprintID: fp.ID,
			FundID:        fundID,
			VolRegime:     string(fp.VolRegime),
		})
	}

	rec, err := s.proposer.Propose(ctx, fundID, fp.ID, actions)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("fund_id", fundID).
		Str("recommendation_id", rec.ID).
		Str("top_action", rec.TopAction()).
		Msg("Evaluation completed")

	return rec, nil
}

// finishLocked stamps a terminal state on a run. Caller holds s.mu.
func (s *Service) finishLocked(run *Run, status RunStatus, recommendationID, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.RecommendationID = recommendationID
	run.Error = errMsg
	run.FinishedAt = &now
}
